package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/types"
)

// Accounts is the account registry.
type Accounts struct {
	c     *Collection[types.Account]
	clock clockwork.Clock
}

// NewAccounts returns the account registry over s. A nil clock means the
// real clock.
func NewAccounts(s Store, clock clockwork.Clock) *Accounts {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Accounts{c: NewCollection[types.Account](s, KindAccount), clock: clock}
}

// Get loads one account.
func (a *Accounts) Get(ctx context.Context, id string) (*types.Account, error) {
	return a.c.Get(ctx, id)
}

// Save creates or replaces an account, keeping CreatedAt of an existing one.
func (a *Accounts) Save(ctx context.Context, acct *types.Account) (*types.Account, error) {
	if acct.ID == "" {
		return nil, ErrEmptyID
	}
	now := a.clock.Now().UTC()
	return a.c.Update(ctx, acct.ID, true, func(cur *types.Account) error {
		created := cur.CreatedAt
		*cur = *acct
		if created.IsZero() {
			created = now
		}
		cur.CreatedAt = created
		cur.UpdatedAt = now
		return nil
	})
}

// Update applies fn to one account under select-for-update.
func (a *Accounts) Update(ctx context.Context, id string, fn func(*types.Account) error) (*types.Account, error) {
	now := a.clock.Now().UTC()
	return a.c.Update(ctx, id, false, func(cur *types.Account) error {
		if err := fn(cur); err != nil {
			return err
		}
		cur.UpdatedAt = now
		return nil
	})
}

// SetStage records the status of one stage.
func (a *Accounts) SetStage(ctx context.Context, id, stage string, rec types.StageRecord) (*types.Account, error) {
	return a.Update(ctx, id, func(acct *types.Account) error {
		acct.SetStage(stage, rec)
		return nil
	})
}

// List returns every account ordered by id.
func (a *Accounts) List(ctx context.Context) ([]*types.Account, error) {
	return a.c.List(ctx)
}

// Resolve loads the given ids in order. Missing ids are reported together.
func (a *Accounts) Resolve(ctx context.Context, ids []string) ([]*types.Account, error) {
	out := make([]*types.Account, 0, len(ids))
	var missing []string
	for _, id := range ids {
		acct, err := a.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("accounts %v: %w", missing, ErrNotFound)
	}
	return out, nil
}

// AddChild links child to parent, creating the child record. It is
// idempotent on the parent's child list.
func (a *Accounts) AddChild(ctx context.Context, parentID string, child *types.Account) (*types.Account, error) {
	child.ParentID = parentID
	saved, err := a.Save(ctx, child)
	if err != nil {
		return nil, err
	}
	_, err = a.Update(ctx, parentID, func(parent *types.Account) error {
		if !parent.HasChild(child.ID) {
			parent.Children = append(parent.Children, child.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Delete removes one account.
func (a *Accounts) Delete(ctx context.Context, id string) error {
	return a.c.Delete(ctx, id)
}

// Now returns the registry clock's time; stages use it for StageRecord
// timestamps.
func (a *Accounts) Now() time.Time {
	return a.clock.Now().UTC()
}
