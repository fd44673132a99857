package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ace/aspirant/internal/oracle"
	"github.com/ace/aspirant/internal/prompts"
	"github.com/ace/aspirant/internal/verdict"
)

func TestJudgementGate(t *testing.T) {
	cases := []struct {
		reply   string
		parsed  verdict.Judgement
		verdict verdict.Judgement
	}{
		{"[Judgement]\nallow", verdict.Allow, verdict.Allow},
		{"Considered.\n[Judgement]\ndeny\n[Reasoning]\nHarmful.", verdict.Deny, verdict.Deny},
		{"I am not sure.", verdict.JudgementUnparseable, verdict.Deny},
		{"[Judgement]\nperhaps", verdict.JudgementUnparseable, verdict.Deny},
	}

	for _, tc := range cases {
		o := oracle.NewScripted(tc.reply)
		g := NewJudgementGate(o)

		j, err := g.Evaluate(context.Background(), "Plant a forest", prompts.SourceUserRequest)
		require.NoError(t, err)
		assert.Equal(t, tc.parsed, j.Parsed, tc.reply)
		assert.Equal(t, tc.verdict, j.Verdict, tc.reply)
		assert.Equal(t, tc.reply, j.Raw)
		assert.Equal(t, tc.verdict == verdict.Allow, j.Allowed())

		require.Len(t, o.Prompts(), 1)
		assert.Contains(t, o.Prompts()[0], "Plant a forest")
		assert.Contains(t, o.Prompts()[0], prompts.SourceUserRequest)
		assert.Contains(t, o.Prompts()[0], verdict.JudgementMarker)
	}
}

func TestJudgementGateOracleFailure(t *testing.T) {
	g := NewJudgementGate(oracle.Func(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("quota exceeded")
	}))

	_, err := g.Evaluate(context.Background(), "m", prompts.SourceLayerBelow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "judgement: quota exceeded")
}

func TestCompletionGate(t *testing.T) {
	cases := []struct {
		reply  string
		parsed verdict.Status
		status verdict.Status
	}{
		{"[Status]\ncomplete", verdict.StatusComplete, verdict.StatusComplete},
		{"[Status]\nincomplete", verdict.StatusIncomplete, verdict.StatusIncomplete},
		{"[Status]\nerror", verdict.StatusError, verdict.StatusError},
		{"Looks done to me", verdict.StatusUnparseable, verdict.StatusError},
	}

	mission := "Plant a forest"
	for _, tc := range cases {
		o := oracle.NewScripted(tc.reply)
		g := NewCompletionGate(o)

		c, err := g.Evaluate(context.Background(), "Ten thousand trees planted", &mission)
		require.NoError(t, err)
		assert.Equal(t, tc.parsed, c.Parsed)
		assert.Equal(t, tc.status, c.Status)
		assert.Equal(t, tc.reply, c.Raw)
		assert.Equal(t, tc.status == verdict.StatusComplete, c.Complete())

		prompt := o.Prompts()[0]
		assert.Contains(t, prompt, "Ten thousand trees planted")
		assert.Contains(t, prompt, "# Mission\nPlant a forest")
		assert.Contains(t, prompt, verdict.StatusMarker)
	}
}
