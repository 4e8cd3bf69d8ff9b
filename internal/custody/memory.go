// Package custody implements token custody backends.
package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Memory is an in-process token book. It backs tests and single-node demo
// deployments; balances are lost on restart.
type Memory struct {
	mu       sync.Mutex
	balances map[string]uint64
}

// NewMemory returns an empty book.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]uint64)}
}

// Mint credits amount to account.
func (m *Memory) Mint(account string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

// Transfer moves amount from one account to another. Nothing moves if the
// sender is short.
func (m *Memory) Transfer(_ context.Context, from, to string, amount uint64) error {
	if from == to {
		return fmt.Errorf("custody: transfer to self %q: %w", from, domain.ErrInvalidAccount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < amount {
		return fmt.Errorf("custody: %s holds %d, needs %d: %w",
			from, m.balances[from], amount, domain.ErrTransferFailed)
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

// Balance returns account's balance.
func (m *Memory) Balance(_ context.Context, account string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

var (
	_ domain.TokenCustody  = (*Memory)(nil)
	_ domain.BalanceReader = (*Memory)(nil)
)
