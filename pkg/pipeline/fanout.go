package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/entrhq/autopilot/pkg/mail"
	"github.com/entrhq/autopilot/pkg/types"
)

// FanOutPolicy decides how many child seats a parent gets before the
// fan-out stage runs.
type FanOutPolicy interface {
	Seats(parent *types.Account) (int, error)
}

// FanOutFunc adapts a function to FanOutPolicy.
type FanOutFunc func(parent *types.Account) (int, error)

// Seats calls f.
func (f FanOutFunc) Seats(parent *types.Account) (int, error) { return f(parent) }

func freeSeats(parent *types.Account) int {
	free := parent.SeatCapacity - len(parent.Children)
	if free < 0 {
		return 0
	}
	return free
}

// FillToCapacity creates as many seats as the parent has room for.
func FillToCapacity() FanOutPolicy {
	return FanOutFunc(func(parent *types.Account) (int, error) {
		return freeSeats(parent), nil
	})
}

// RequireCapacity creates exactly n seats and fails the stage up front when
// the parent has fewer than n free.
func RequireCapacity(n int) FanOutPolicy {
	return FanOutFunc(func(parent *types.Account) (int, error) {
		if free := freeSeats(parent); free < n {
			return 0, fmt.Errorf("%w: %d free seat(s), %d required", types.ErrExternalStepFailed, free, n)
		}
		return n, nil
	})
}

// NoFanOut never creates seats.
func NoFanOut() FanOutPolicy {
	return FanOutFunc(func(*types.Account) (int, error) { return 0, nil })
}

// SeatFactory makes the record for one new child seat. The runner links it
// to the parent and stores it.
type SeatFactory interface {
	NewSeat(ctx context.Context, parent *types.Account) (*types.Account, error)
}

// MailSeats creates seats backed by fresh mailboxes from a mail provider.
type MailSeats struct {
	Provider mail.Provider
	Domain   string
}

// NewSeat implements SeatFactory.
func (f MailSeats) NewSeat(ctx context.Context, parent *types.Account) (*types.Account, error) {
	mbox, err := f.Provider.CreateRandomMailbox(ctx, f.Domain)
	if err != nil {
		return nil, fmt.Errorf("create seat mailbox: %w", err)
	}
	local, _, _ := strings.Cut(mbox.Address, "@")
	return &types.Account{
		ID:           parent.ID + "-" + local,
		Email:        mbox.Address,
		Password:     uuid.NewString(),
		MailPassword: mbox.Password,
		ParentID:     parent.ID,
	}, nil
}
