package stages

import (
	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/login"
	"github.com/entrhq/autopilot/pkg/mail"
	"github.com/entrhq/autopilot/pkg/pipeline"
)

// Deps are the collaborators stages are built with.
type Deps struct {
	Login *login.Machine
	Mail  mail.Provider
	Clock clockwork.Clock
}

// NewRegistry registers the login stage (when a machine is given) and one
// stage per script. Per-child scripts become Invite stages.
func NewRegistry(deps Deps, scripts []ScriptSpec) (*pipeline.Registry, error) {
	var list []pipeline.Stage
	if deps.Login != nil {
		list = append(list, NewLogin(deps.Login))
	}
	for _, spec := range scripts {
		if spec.PerChild {
			inv, err := NewInvite(spec, deps.Mail, deps.Clock)
			if err != nil {
				return nil, err
			}
			list = append(list, inv)
			continue
		}
		s, err := NewScript(spec, deps.Mail, deps.Clock)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return pipeline.NewRegistry(list...)
}
