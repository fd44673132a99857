package ledger

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerNewestFirst(t *testing.T) {
	l := NewMemoryLedger(3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Record(ctx, Decision{MessageID: fmt.Sprintf("m%d", i), Judgement: "allow"}))
	}

	got, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m5", got[0].MessageID)
	assert.Equal(t, "m4", got[1].MessageID)
	assert.Equal(t, "m3", got[2].MessageID)
	assert.False(t, got[0].CreatedAt.IsZero())

	got, err = l.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m5", got[0].MessageID)
}

func TestMemoryLedgerEmpty(t *testing.T) {
	got, err := NewMemoryLedger(10).Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// Set ACE_TEST_POSTGRES_DSN to run against a real database.
func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("ACE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ACE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	layer := "test-" + uuid.NewString()

	l, err := NewPostgresLedger(ctx, dsn, layer)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record(ctx, Decision{MessageID: "a", InboundBus: "Control Bus", Judgement: "deny", Destination: "Data Bus"}))
	require.NoError(t, l.Record(ctx, Decision{MessageID: "b", InboundBus: "Data Bus", Judgement: "allow", Status: "complete"}))

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].MessageID)
	assert.Equal(t, "complete", got[0].Status)
	assert.Equal(t, "Data Bus", got[1].Destination)
}

func TestChainLinksDecisions(t *testing.T) {
	ctx := context.Background()
	chain, err := NewChain(ctx, NewMemoryLedger(10))
	require.NoError(t, err)
	assert.Empty(t, chain.Head())

	require.NoError(t, chain.Record(ctx, Decision{MessageID: "a", Judgement: "allow"}))
	require.NoError(t, chain.Record(ctx, Decision{MessageID: "b", Judgement: "deny"}))
	require.NoError(t, chain.Record(ctx, Decision{MessageID: "c", Judgement: "allow", Status: "complete"}))

	got, err := chain.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, chain.Head(), got[0].Hash)
	assert.Equal(t, got[1].Hash, got[0].PrevHash)
	assert.Equal(t, got[2].Hash, got[1].PrevHash)
	assert.Empty(t, got[2].PrevHash)
	require.NoError(t, chain.Verify(ctx, 0))
}

func TestChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	chain, err := NewChain(ctx, NewMemoryLedger(10))
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, chain.Record(ctx, Decision{MessageID: id, Judgement: "allow"}))
	}
	got, err := chain.Recent(ctx, 0)
	require.NoError(t, err)

	altered := append([]Decision(nil), got...)
	altered[1].Judgement = "deny"
	assert.ErrorIs(t, VerifyDecisions(altered), ErrChainBroken)

	dropped := []Decision{got[0], got[2]}
	assert.ErrorIs(t, VerifyDecisions(dropped), ErrChainBroken)
}

func TestChainResumesFromStoredHead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedger(10)
	first, err := NewChain(ctx, store)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, Decision{MessageID: "a"}))

	second, err := NewChain(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, first.Head(), second.Head())

	require.NoError(t, second.Record(ctx, Decision{MessageID: "b"}))
	require.NoError(t, second.Verify(ctx, 0))
}
