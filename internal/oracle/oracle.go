// Package oracle is the layer's boundary to the text-generation service that
// renders judgements and completion statuses.
package oracle

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrEmptyReply is returned when the service answers without any text.
var ErrEmptyReply = errors.New("oracle returned an empty reply")

// Oracle completes a prompt. Implementations block until the reply is
// available or ctx is done; there is no streaming.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Rule answers Reply to any prompt containing Contains.
type Rule struct {
	Contains string `yaml:"contains"`
	Reply    string `yaml:"reply"`
}

// Scripted is a deterministic oracle for local runs and tests.
// The first matching rule wins; otherwise Default is returned.
type Scripted struct {
	Rules   []Rule
	Default string

	mu      sync.Mutex
	prompts []string
}

// NewScripted creates a scripted oracle.
func NewScripted(defaultReply string, rules ...Rule) *Scripted {
	return &Scripted{Rules: rules, Default: defaultReply}
}

func (s *Scripted) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	for _, r := range s.Rules {
		if strings.Contains(prompt, r.Contains) {
			return r.Reply, nil
		}
	}
	return s.Default, nil
}

// Prompts returns every prompt seen so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
