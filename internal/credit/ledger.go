// Package credit implements the two-phase credit reservation primitive
// shared by every paid operation: reserve an estimate before the external
// call, then settle the real cost once it is known.
package credit

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrInsufficientCredit is returned when a workspace's available balance
// cannot cover a reservation or deduction.
var ErrInsufficientCredit = errors.New("insufficient credit")

// Reservation is a temporary hold on a workspace's balance, created before
// the real cost of an operation is known.
type Reservation struct {
	ID          string
	WorkspaceID string
	Amount      float64
}

// Ledger provides atomic credit operations against a per-workspace balance.
//
// All operations on one workspace are linearizable with respect to
// concurrent sessions: two sessions racing to reserve must never both
// observe a stale "sufficient balance" and overdraw it.
//
// Reserve holds the amount against the available balance (balance minus
// outstanding reservations). Deduct lowers the balance itself. Release
// returns a held amount; calling it after the matching Deduct is safe and
// corrects only the held estimate, so the net balance change of a settled
// session is exactly the real cost, once.
type Ledger interface {
	// Reserve holds amount against the workspace's available balance,
	// failing with ErrInsufficientCredit when it cannot be covered.
	Reserve(ctx context.Context, workspaceID string, amount float64) (*Reservation, error)

	// Release returns a previously held amount to the available balance.
	Release(ctx context.Context, workspaceID string, amount float64) error

	// Deduct subtracts amount from the workspace balance. Unless
	// allowNegative is set, it fails with ErrInsufficientCredit rather
	// than driving the balance below zero.
	Deduct(ctx context.Context, workspaceID string, amount float64, allowNegative bool) error

	// Credit adds amount to the workspace balance.
	Credit(ctx context.Context, workspaceID string, amount float64) error

	// Balance reports the raw balance, ignoring outstanding reservations.
	Balance(ctx context.Context, workspaceID string) (float64, error)

	// Available reports balance minus outstanding reservations.
	Available(ctx context.Context, workspaceID string) (float64, error)
}

func newReservation(workspaceID string, amount float64) *Reservation {
	return &Reservation{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Amount:      amount,
	}
}
