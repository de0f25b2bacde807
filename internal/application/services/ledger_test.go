package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerKey(t *testing.T) {
	assert.Equal(t, "Proposer-3360-12345", LedgerKey("Proposer", 3360, "12345"))
}

func TestLedgerMarkIfAbsent(t *testing.T) {
	store := newTestStore()
	l := NewLedger(store)

	added, err := l.MarkIfAbsent("Attester-1-1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = l.MarkIfAbsent("Attester-1-1")
	require.NoError(t, err)
	assert.False(t, added)
	assert.True(t, l.Has("Attester-1-1"))

	reloaded := NewLedger(store)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 1, reloaded.Len())
	assert.True(t, reloaded.Has("Attester-1-1"))

	require.NoError(t, reloaded.Clear())
	assert.Zero(t, reloaded.Len())

	again := NewLedger(store)
	require.NoError(t, again.Load())
	assert.Zero(t, again.Len())
}
