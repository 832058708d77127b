package transcription

import (
	"context"
	"io"
	"sync"
)

type call struct {
	name  string
	args  []string
	stdin string
}

// fakeRunner records calls and answers them with respond.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	respond func(c call) ([]byte, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	c := call{name: name, args: append([]string(nil), args...)}
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		c.stdin = string(b)
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(c)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type progressLog struct {
	mu     sync.Mutex
	points []float64
	msgs   []string
}

func (p *progressLog) report(msg string, progress float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	p.points = append(p.points, progress)
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
