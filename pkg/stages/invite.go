package stages

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/mail"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/types"
)

// Invite runs its steps once per child seat of a parent account. A seat
// is marked on its own record once invited, so a retried invite stage
// never invites the same seat twice.
type Invite struct {
	spec ScriptSpec
	prog *program
}

// NewInvite compiles spec into a per-child stage.
func NewInvite(spec ScriptSpec, provider mail.Provider, clock clockwork.Clock) (*Invite, error) {
	if spec.Name == "" {
		spec.Name = types.StageInvite
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	prog, err := compile(spec.Name, spec.Steps, provider, clock)
	if err != nil {
		return nil, err
	}
	return &Invite{spec: spec, prog: prog}, nil
}

func (s *Invite) Name() string { return s.spec.Name }

// AppliesTo implements pipeline.Applicable.
func (s *Invite) AppliesTo(a *types.Account) bool { return a.IsParent() }

func (s *Invite) Run(ctx context.Context, sc *pipeline.StageContext) (pipeline.Result, error) {
	parent := sc.Account
	if len(parent.Children) == 0 {
		return pipeline.Result{Message: "parent has no seats to invite"}, nil
	}
	page, err := sc.Page(ctx)
	if err != nil {
		return pipeline.Result{}, err
	}

	var invited, already []string
	for _, childID := range parent.Children {
		child, err := sc.Accounts.Get(ctx, childID)
		if err != nil {
			return s.result(invited, already), fmt.Errorf("load seat %s: %w", childID, err)
		}
		if child.Succeeded(s.spec.Name) {
			already = append(already, childID)
			continue
		}

		vars := &Vars{Account: parent, Child: child, Results: sc.Results, Data: make(map[string]any)}
		if err := s.prog.run(ctx, sc, page, vars); err != nil {
			captureFailure(ctx, sc, page, s.spec.Name, err)
			return s.result(invited, already), fmt.Errorf("invite %s: %w", child.Email, err)
		}

		now := sc.Accounts.Now()
		_, err = sc.Accounts.SetStage(ctx, childID, s.spec.Name, types.StageRecord{
			Status:      types.StageStatusSuccess,
			StartedAt:   now,
			CompletedAt: now,
			Attempts:    1,
			TaskID:      sc.TaskID,
			Result:      map[string]any{"invited_by": parent.ID},
		})
		if err != nil {
			return s.result(invited, already), fmt.Errorf("mark %s invited: %w", childID, err)
		}
		invited = append(invited, childID)
		sc.Trace.Info(ctx, s.spec.Name, "invited", "invited seat %s", childID)
	}
	return pipeline.OK(fmt.Sprintf("%d seat(s) invited, %d already invited", len(invited), len(already)),
		s.result(invited, already).Data), nil
}

func (s *Invite) result(invited, already []string) pipeline.Result {
	return pipeline.Result{Data: map[string]any{
		"invited":         invited,
		"already_invited": already,
	}}
}
