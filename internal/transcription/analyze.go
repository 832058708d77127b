package transcription

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

// DefaultChunkChars is the transcript length above which analysis is chunked.
const DefaultChunkChars = 6000

const (
	truthHeader    = "| Category | Truth Statement | Confidence Score (1-5) | Context/Quote |"
	truthSeparator = "| :--- | :--- | :--- | :--- |"
	noTruthRows    = "(No truth statements extracted.)"
)

const (
	promptMainTopic = "What is the main topic of this transcribed meeting:\n\n%s"
	promptSubtopics = "From a meeting about %s, find subtopics that were talked about from this transcription:\n\n%s"

	promptSubtopicsChunk = "From this meeting transcript excerpt, find subtopics that were discussed:\n\n%s"

	promptMainTopicFromSubtopics = "The following subtopics were discussed in a meeting. What is the main topic of this meeting?\n\nSubtopics:\n%s"

	promptTruthStatements = `You are a Logic and Epistemology Auditor. Your job is to analyze a meeting transcript and extract "Truth Statements." You must be rigorous, objective, and precise.

Definition of a Truth Statement: For the purpose of this task, a "Truth Statement" is defined as one of the following three categories:
- Objective Fact: A statement about the world, data, or past events presented as verifiable (e.g., "Revenue increased by 15% last quarter").
- Consensus Decision: An action or conclusion explicitly agreed upon by the group (e.g., "The team agreed to delay the launch").
- Attributed Stance: A definitive statement of a speaker's position or belief, explicitly attributed to them (e.g., "Sarah stated that the timeline is unrealistic").

Input Text:
{transcription}

Instructions: Analyze the transcript and extract truth statements based on the definitions above. Follow these rules strictly:
- Resolve Pronouns: Do not use "he," "she," or "they." Replace pronouns with the specific speaker's name or the specific department/entity being discussed.
- Filter Speculation: Ignore sentences that are hypothetical ("If we do X..."), conditional ("I might go..."), or interrogative ("Did we fix the bug?").
- Handle Disagreement: If two speakers contradict each other regarding a fact, record both statements as "Attributed Stances".
- Strip Filler: Remove verbal tics (um, ah, like) and conversational fluff.
- Verbatim Accuracy: Do not summarize the gist of the fact; preserve the specific metrics, dates, and nouns used.

Output Format: Present the output as a Markdown table with the following columns:
` + truthHeader + `
` + truthSeparator + `
Category: (Objective Fact / Consensus Decision / Attributed Stance). Truth Statement: The extracted statement in full. Confidence Score: 5 = Absolute certainty; 1 = Ambiguous. Context/Quote: A brief snippet of the original text proving the statement.`
)

// truthPrompt fills the truth statement prompt. The template contains a
// literal percent sign, so it is not a format string.
func truthPrompt(text string) string {
	return strings.Replace(promptTruthStatements, "{transcription}", text, 1)
}

var separatorRow = regexp.MustCompile(`^\|\s*:?-+:?\s*(\|\s*:?-+:?\s*)*\|?\s*$`)

// Analyzer is the analyze stage. It sends prompts to an external LLM command
// (prompt on stdin, completion on stdout) to extract the main topic,
// subtopics and a truth statement table.
type Analyzer struct {
	command    []string
	chunkChars int
	runner     commandRunner
	logger     *zap.Logger
}

// NewAnalyzer creates the analyze executor. command is split on whitespace,
// e.g. "ollama run llama3.2".
func NewAnalyzer(command string, chunkChars int, logger *zap.Logger) (*Analyzer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("analyze: LLM command is empty")
	}
	if chunkChars <= 0 {
		chunkChars = DefaultChunkChars
	}
	return &Analyzer{
		command:    fields,
		chunkChars: chunkChars,
		runner:     execRunner{},
		logger:     logger.With(zap.String("component", "analyze")),
	}, nil
}

// Execute implements queue.Executor. Cancellation is checked before every
// LLM call, and each call runs under ctx so a cancel stops it.
func (a *Analyzer) Execute(ctx context.Context, task queue.Task, report queue.ProgressFunc, token *queue.CancelToken) (queue.Output, error) {
	var text string
	if t := task.Result.Transcript; t != nil {
		text = strings.TrimSpace(t.Text)
	}
	if text == "" {
		return queue.Output{
			Detail: "No transcription",
			Analysis: &types.AnalysisOutput{
				MainTopic:       "(No transcription)",
				Subtopics:       []string{},
				TruthStatements: "(No transcription.)",
			},
		}, nil
	}

	var (
		out *types.AnalysisOutput
		err error
	)
	if len(text) <= a.chunkChars {
		out, err = a.single(ctx, text, report, token)
	} else {
		out, err = a.chunked(ctx, text, report, token)
	}
	if err != nil {
		return queue.Output{}, err
	}

	a.logger.Info("Analysis completed",
		zap.String("job_id", task.JobID),
		zap.Int("transcript_chars", len(text)),
		zap.Int("subtopics", len(out.Subtopics)))
	return queue.Output{
		Detail:   fmt.Sprintf("%d subtopics", len(out.Subtopics)),
		Analysis: out,
	}, nil
}

func (a *Analyzer) single(ctx context.Context, text string, report queue.ProgressFunc, token *queue.CancelToken) (*types.AnalysisOutput, error) {
	out := &types.AnalysisOutput{}
	var err error

	if token.Cancelled() {
		return nil, queue.ErrCancelled
	}
	report("Extracting main topic...", 20)
	if out.MainTopic, err = a.generate(ctx, fmt.Sprintf(promptMainTopic, text)); err != nil {
		return nil, err
	}

	if token.Cancelled() {
		return nil, queue.ErrCancelled
	}
	report("Extracting subtopics...", 50)
	raw, err := a.generate(ctx, fmt.Sprintf(promptSubtopics, out.MainTopic, text))
	if err != nil {
		return nil, err
	}
	out.Subtopics = parseSubtopics(raw)

	if token.Cancelled() {
		return nil, queue.ErrCancelled
	}
	report("Extracting truth statements...", 75)
	if out.TruthStatements, err = a.generate(ctx, truthPrompt(text)); err != nil {
		return nil, err
	}
	return out, nil
}

// chunked analyzes a long transcript: subtopics per chunk, then the main topic
// from the merged subtopics, then truth statements per chunk.
func (a *Analyzer) chunked(ctx context.Context, text string, report queue.ProgressFunc, token *queue.CancelToken) (*types.AnalysisOutput, error) {
	chunks := chunkTranscript(text, a.chunkChars)
	n := float64(len(chunks))
	out := &types.AnalysisOutput{}

	lists := make([][]string, 0, len(chunks))
	for i, chunk := range chunks {
		if token.Cancelled() {
			return nil, queue.ErrCancelled
		}
		report(fmt.Sprintf("Extracting subtopics (chunk %d/%d)...", i+1, len(chunks)), 5+float64(i)/n*25)
		raw, err := a.generate(ctx, fmt.Sprintf(promptSubtopicsChunk, chunk))
		if err != nil {
			return nil, err
		}
		lists = append(lists, parseSubtopics(raw))
	}
	out.Subtopics = mergeDedupSubtopics(lists)

	if token.Cancelled() {
		return nil, queue.ErrCancelled
	}
	report("Composing main topic from subtopics...", 32)
	list := "(None extracted)"
	if len(out.Subtopics) > 0 {
		items := make([]string, len(out.Subtopics))
		for i, s := range out.Subtopics {
			items[i] = "- " + s
		}
		list = strings.Join(items, "\n")
	}
	topic, err := a.generate(ctx, fmt.Sprintf(promptMainTopicFromSubtopics, list))
	if err != nil {
		return nil, err
	}
	out.MainTopic = topic

	tables := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if token.Cancelled() {
			return nil, queue.ErrCancelled
		}
		report(fmt.Sprintf("Extracting truth statements (chunk %d/%d)...", i+1, len(chunks)), 35+float64(i)/n*60)
		md, err := a.generate(ctx, truthPrompt(chunk))
		if err != nil {
			return nil, err
		}
		tables = append(tables, md)
	}
	out.TruthStatements = mergeDedupTruthTables(tables)
	return out, nil
}

func (a *Analyzer) generate(ctx context.Context, prompt string) (string, error) {
	out, err := a.runner.Run(ctx, a.command[0], a.command[1:], strings.NewReader(prompt))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", stageErr(types.StageAnalyze, "LLM command failed", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// chunkTranscript splits text into chunks of at most maxChars, breaking at
// sentence ends where possible. A sentence longer than maxChars is cut at
// word boundaries.
func chunkTranscript(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks, current []string
	size := 0
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))
			current, size = nil, 0
		}
	}

	for _, sent := range splitSentences(text) {
		if len(sent) > maxChars {
			flush()
			chunks = append(chunks, hardWrap(sent, maxChars)...)
			continue
		}
		add := len(sent)
		if len(current) > 0 {
			add++
		}
		if size+add > maxChars {
			flush()
			add = len(sent)
		}
		current = append(current, sent)
		size += add
	}
	flush()
	return chunks
}

// splitSentences splits after '.', '!' or '?' followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes)-1; i++ {
		if strings.ContainsRune(".!?", runes[i]) && unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func hardWrap(s string, maxChars int) []string {
	var out []string
	var b strings.Builder
	for _, word := range strings.Fields(s) {
		for len(word) > maxChars {
			if b.Len() > 0 {
				out = append(out, b.String())
				b.Reset()
			}
			cut := runeCut(word, maxChars)
			out = append(out, word[:cut])
			word = word[cut:]
		}
		if b.Len() > 0 && b.Len()+1+len(word) > maxChars {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// runeCut returns the largest index <= max that starts a rune in s, and at
// least the length of the first rune.
func runeCut(s string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, cut = utf8.DecodeRuneInString(s)
	}
	return cut
}

// parseSubtopics turns an LLM list response into items. Dashes are treated
// as item breaks and items of two characters or fewer are dropped.
func parseSubtopics(raw string) []string {
	var items []string
	for _, line := range strings.Split(strings.ReplaceAll(raw, "-", "\n"), "\n") {
		if s := strings.TrimSpace(line); len(s) > 2 {
			items = append(items, s)
		}
	}
	if len(items) == 0 {
		if raw == "" {
			return []string{}
		}
		return []string{raw}
	}
	return items
}

func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// mergeDedupSubtopics flattens lists keeping the first occurrence of each
// item, compared case-insensitively with collapsed whitespace.
func mergeDedupSubtopics(lists [][]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, s := range list {
			key := normalizeKey(s)
			if len(key) <= 2 {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// truthRows returns the body rows of a markdown table.
func truthRows(md string) []string {
	var rows []string
	for _, line := range strings.Split(strings.TrimSpace(md), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") || separatorRow.MatchString(line) {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "category") || strings.Contains(lower, "truth statement") {
			continue
		}
		rows = append(rows, line)
	}
	return rows
}

// mergeDedupTruthTables merges truth tables into one, dropping rows whose
// statement column repeats an earlier one.
func mergeDedupTruthTables(tables []string) string {
	seen := make(map[string]struct{})
	var rows []string
	for _, md := range tables {
		for _, row := range truthRows(md) {
			var cells []string
			for _, c := range strings.Split(row, "|") {
				if c = strings.TrimSpace(c); c != "" {
					cells = append(cells, c)
				}
			}
			if len(cells) < 2 {
				rows = append(rows, row)
				continue
			}
			key := normalizeKey(cells[1])
			if _, ok := seen[key]; ok || key == "" {
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, row)
		}
	}

	body := noTruthRows
	if len(rows) > 0 {
		body = strings.Join(rows, "\n")
	}
	return truthHeader + "\n" + truthSeparator + "\n" + body
}
