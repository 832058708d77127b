package transcription

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// maxErrOutput bounds how much subprocess stderr is kept in an error.
const maxErrOutput = 2000

// commandRunner runs an external program. Tests substitute a fake.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error)
}

// execRunner runs programs with os/exec. The process is killed when ctx is done.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w\nOutput: %s", name, err, tail(stderr.String(), maxErrOutput))
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
