package credit

import (
	"context"
	"sync"
)

type account struct {
	balance  float64
	reserved float64
}

// MemoryLedger is an in-process Ledger for tests and single-node
// deployments. One mutex guards all accounts, which keeps every operation
// trivially linearizable.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*account
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*account)}
}

func (l *MemoryLedger) account(workspaceID string) *account {
	acc, ok := l.accounts[workspaceID]
	if !ok {
		acc = &account{}
		l.accounts[workspaceID] = acc
	}
	return acc
}

// Reserve holds amount against the workspace's available balance.
func (l *MemoryLedger) Reserve(ctx context.Context, workspaceID string, amount float64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(workspaceID)
	if acc.balance-acc.reserved < amount {
		return nil, ErrInsufficientCredit
	}

	acc.reserved += amount
	return newReservation(workspaceID, amount), nil
}

// Release returns a held amount to the available balance.
func (l *MemoryLedger) Release(ctx context.Context, workspaceID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(workspaceID)
	acc.reserved -= amount
	if acc.reserved < 0 {
		acc.reserved = 0
	}
	return nil
}

// Deduct subtracts amount from the workspace balance.
func (l *MemoryLedger) Deduct(ctx context.Context, workspaceID string, amount float64, allowNegative bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(workspaceID)
	if !allowNegative && acc.balance-amount < 0 {
		return ErrInsufficientCredit
	}

	acc.balance -= amount
	return nil
}

// Credit adds amount to the workspace balance.
func (l *MemoryLedger) Credit(ctx context.Context, workspaceID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.account(workspaceID).balance += amount
	return nil
}

// Balance reports the raw balance.
func (l *MemoryLedger) Balance(ctx context.Context, workspaceID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.account(workspaceID).balance, nil
}

// Available reports balance minus outstanding reservations.
func (l *MemoryLedger) Available(ctx context.Context, workspaceID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(workspaceID)
	return acc.balance - acc.reserved, nil
}
