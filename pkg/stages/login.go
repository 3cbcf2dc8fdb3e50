package stages

import (
	"context"
	"fmt"

	"github.com/entrhq/autopilot/pkg/login"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/types"
)

// Login signs the account in on the leased browser. Later stages reuse
// the signed-in page through the same lease.
type Login struct {
	machine *login.Machine
}

// NewLogin creates the login stage.
func NewLogin(machine *login.Machine) *Login {
	return &Login{machine: machine}
}

func (s *Login) Name() string { return types.StageLogin }

func (s *Login) Run(ctx context.Context, sc *pipeline.StageContext) (pipeline.Result, error) {
	page, err := sc.Page(ctx)
	if err != nil {
		return pipeline.Result{}, err
	}

	out, err := s.machine.Login(ctx, page, sc.Account)
	data := map[string]any{
		"state":  string(out.State),
		"rounds": out.Rounds,
	}
	if out.CodeSubmissions > 0 {
		data["code_submissions"] = out.CodeSubmissions
	}
	if err != nil {
		captureFailure(ctx, sc, page, s.Name(), err)
		// A half signed-in tab is not worth keeping warm.
		sc.DropSession()
		return pipeline.Result{Data: data}, err
	}
	data["url"] = page.URL()
	return pipeline.OK(fmt.Sprintf("signed in after %d round(s)", out.Rounds), data), nil
}
