package custody

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

func TestMemoryTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Mint("alice", 100)

	require.NoError(t, m.Transfer(ctx, "alice", "market:0", 60))
	err := m.Transfer(ctx, "alice", "market:0", 41)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	a, _ := m.Balance(ctx, "alice")
	mk, _ := m.Balance(ctx, "market:0")
	assert.Equal(t, uint64(40), a)
	assert.Equal(t, uint64(60), mk)

	assert.ErrorIs(t, m.Transfer(ctx, "bob", "bob", 0), domain.ErrInvalidAccount)
}
