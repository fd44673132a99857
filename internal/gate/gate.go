// Package gate implements the layer's two oracle-backed gates: the Judgement
// Gate (is this message admissible?) and the Completion Gate (does this
// report satisfy the active mission?).
package gate

import (
	"context"
	"fmt"

	"github.com/ace/aspirant/internal/oracle"
	"github.com/ace/aspirant/internal/prompts"
	"github.com/ace/aspirant/internal/verdict"
)

// Judgement is the structured result of the Judgement Gate.
type Judgement struct {
	Parsed  verdict.Judgement // may be verdict.JudgementUnparseable
	Verdict verdict.Judgement // Parsed with the fail-closed policy applied
	Raw     string            // oracle reply, forwarded verbatim on deny
}

// Allowed reports whether the message may proceed.
func (j Judgement) Allowed() bool { return j.Verdict == verdict.Allow }

// Completion is the structured result of the Completion Gate.
type Completion struct {
	Parsed verdict.Status // may be verdict.StatusUnparseable
	Status verdict.Status // Parsed with the fail-to-error policy applied
	Raw    string
}

// Complete reports whether the mission is accomplished.
func (c Completion) Complete() bool { return c.Status == verdict.StatusComplete }

// JudgementGate classifies messages as allow or deny.
type JudgementGate struct {
	oracle oracle.Oracle
}

// NewJudgementGate creates a Judgement Gate backed by o.
func NewJudgementGate(o oracle.Oracle) *JudgementGate {
	return &JudgementGate{oracle: o}
}

// Evaluate asks the oracle to judge message. source labels its origin.
// A reply without a recognizable verdict resolves to deny; only a failed
// oracle call returns an error.
func (g *JudgementGate) Evaluate(ctx context.Context, message, source string) (Judgement, error) {
	p := prompts.Prompt{
		Source:         source,
		Message:        message,
		ResponseFormat: prompts.JudgementResponseFormat,
	}

	raw, err := g.oracle.Complete(ctx, p.Generate())
	if err != nil {
		return Judgement{}, fmt.Errorf("judgement: %w", err)
	}

	parsed := verdict.ParseJudgement(raw)
	return Judgement{Parsed: parsed, Verdict: parsed.Resolve(), Raw: raw}, nil
}

// CompletionGate decides whether a report completes the active mission.
type CompletionGate struct {
	oracle oracle.Oracle
}

// NewCompletionGate creates a Completion Gate backed by o.
func NewCompletionGate(o oracle.Oracle) *CompletionGate {
	return &CompletionGate{oracle: o}
}

// Evaluate asks the oracle whether message completes mission. A nil mission
// is rendered as "No active mission".
func (g *CompletionGate) Evaluate(ctx context.Context, message string, mission *string) (Completion, error) {
	p := prompts.Prompt{
		Source:         prompts.SourceDataBus,
		Message:        message,
		Mission:        mission,
		ResponseFormat: prompts.MissionCompleteResponseFormat,
	}

	raw, err := g.oracle.Complete(ctx, p.Generate())
	if err != nil {
		return Completion{}, fmt.Errorf("completion: %w", err)
	}

	parsed := verdict.ParseStatus(raw)
	return Completion{Parsed: parsed, Status: parsed.Resolve(), Raw: raw}, nil
}
