// Package stages holds the pipeline stages: login through the login
// machine, and locator-driven scripts for the remaining steps of the
// account lifecycle.
package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/mail"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/types"
)

// Step actions.
const (
	ActionNavigate = "navigate"
	ActionFill     = "fill"
	ActionClick    = "click"
	ActionExpect   = "expect"
	ActionWaitGone = "wait_gone"
	ActionExtract  = "extract"
	ActionMailCode = "mail_code"
	ActionMailLink = "mail_link"
)

// Default step ceilings.
const (
	DefaultStepTimeout = 15 * time.Second
	DefaultMailTimeout = 2 * time.Minute
)

// Which accounts a script applies to.
const (
	AppliesAll    = "all"
	AppliesParent = "parent"
	AppliesChild  = "child"
)

// Step is one scripted browser or mail action. String fields other than
// Selector and Pattern are text/template strings evaluated against the
// account, its parent, the results of earlier stages and the values
// extracted by earlier steps.
type Step struct {
	Action   string        `yaml:"action" json:"action"`
	Selector string        `yaml:"selector,omitempty" json:"selector,omitempty"`
	URL      string        `yaml:"url,omitempty" json:"url,omitempty"`
	Value    string        `yaml:"value,omitempty" json:"value,omitempty"`
	Into     string        `yaml:"into,omitempty" json:"into,omitempty"`
	Pattern  string        `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Optional bool          `yaml:"optional,omitempty" json:"optional,omitempty"`

	// Mail steps.
	To      string `yaml:"to,omitempty" json:"to,omitempty"`
	From    string `yaml:"from,omitempty" json:"from,omitempty"`
	Subject string `yaml:"subject,omitempty" json:"subject,omitempty"`
	// Follow navigates to the link found by mail_link.
	Follow bool `yaml:"follow,omitempty" json:"follow,omitempty"`
	// Fresh ignores mail received before the stage started.
	Fresh bool `yaml:"fresh,omitempty" json:"fresh,omitempty"`
}

// ScriptSpec describes a scripted stage.
type ScriptSpec struct {
	Name    string `yaml:"name" json:"name"`
	Applies string `yaml:"applies,omitempty" json:"applies,omitempty"`
	// PerChild runs the steps once for each child seat of a parent,
	// with .Child bound to the seat.
	PerChild bool   `yaml:"per_child,omitempty" json:"per_child,omitempty"`
	Steps    []Step `yaml:"steps" json:"steps"`
}

// Vars is the template data of a step.
type Vars struct {
	Account *types.Account
	Parent  *types.Account
	Child   *types.Account
	Results map[string]map[string]any
	Data    map[string]any
}

type compiledStep struct {
	Step
	url     *template.Template
	value   *template.Template
	to      *template.Template
	pattern *regexp.Regexp
}

// program is a compiled step list.
type program struct {
	stage string
	steps []compiledStep
	mail  mail.Provider
	clock clockwork.Clock
}

func compile(stage string, steps []Step, provider mail.Provider, clock clockwork.Clock) (*program, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("stage %s has no steps", stage)
	}
	p := &program{stage: stage, mail: provider, clock: clock}
	for i, s := range steps {
		cs := compiledStep{Step: s}
		where := fmt.Sprintf("stage %s step %d (%s)", stage, i+1, s.Action)

		switch s.Action {
		case ActionNavigate:
			if s.URL == "" {
				return nil, fmt.Errorf("%s: url is required", where)
			}
		case ActionFill:
			if s.Selector == "" {
				return nil, fmt.Errorf("%s: selector is required", where)
			}
		case ActionClick, ActionExpect, ActionWaitGone, ActionExtract:
			if s.Selector == "" {
				return nil, fmt.Errorf("%s: selector is required", where)
			}
		case ActionMailCode, ActionMailLink:
			if provider == nil {
				return nil, fmt.Errorf("%s: no mail provider configured", where)
			}
		default:
			return nil, fmt.Errorf("%s: unknown action", where)
		}
		if (s.Action == ActionExtract || s.Action == ActionMailCode) && s.Into == "" {
			return nil, fmt.Errorf("%s: into is required", where)
		}
		if s.Action == ActionMailLink && s.Into == "" && !s.Follow {
			return nil, fmt.Errorf("%s: into or follow is required", where)
		}

		var err error
		if cs.url, err = parse(where+" url", s.URL); err != nil {
			return nil, err
		}
		if cs.value, err = parse(where+" value", s.Value); err != nil {
			return nil, err
		}
		if cs.to, err = parse(where+" to", s.To); err != nil {
			return nil, err
		}
		if s.Pattern != "" && s.Action != ActionMailLink {
			if cs.pattern, err = regexp.Compile(s.Pattern); err != nil {
				return nil, fmt.Errorf("%s: invalid pattern: %w", where, err)
			}
		}
		p.steps = append(p.steps, cs)
	}
	return p, nil
}

func parse(name, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func render(t *template.Template, vars *Vars) (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func timeoutOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// run executes the steps on page. Values produced by extract and mail
// steps are written to vars.Data.
func (p *program) run(ctx context.Context, sc *pipeline.StageContext, page browser.Page, vars *Vars) error {
	started := p.clock.Now()
	for i := range p.steps {
		s := &p.steps[i]
		err := p.exec(ctx, sc, page, s, vars, started)
		if err == nil {
			continue
		}
		if s.Optional {
			sc.Trace.Warn(ctx, p.stage, s.Action, "optional step %d skipped: %v", i+1, err)
			continue
		}
		return fmt.Errorf("step %d (%s): %w", i+1, s.Action, err)
	}
	return nil
}

func (p *program) exec(ctx context.Context, sc *pipeline.StageContext, page browser.Page, s *compiledStep, vars *Vars, started time.Time) error {
	switch s.Action {
	case ActionNavigate:
		url, err := render(s.url, vars)
		if err != nil {
			return err
		}
		sc.Trace.Emit(ctx, types.TraceEvent{Step: p.stage, Action: s.Action, Level: types.TraceInfo, Message: "navigate", URL: url})
		return page.Navigate(ctx, url)

	case ActionFill:
		value, err := render(s.value, vars)
		if err != nil {
			return err
		}
		sc.Trace.Debug(ctx, p.stage, s.Action, "fill %s", s.Selector)
		return page.Fill(ctx, s.Selector, value)

	case ActionClick:
		sc.Trace.Debug(ctx, p.stage, s.Action, "click %s", s.Selector)
		return page.Click(ctx, s.Selector)

	case ActionExpect, ActionWaitGone:
		pred, what := browser.Visible(page, s.Selector), "shown"
		if s.Action == ActionWaitGone {
			pred, what = browser.Gone(page, s.Selector), "gone"
		}
		timeout := timeoutOr(s.Timeout, DefaultStepTimeout)
		err := browser.WaitFor(ctx, p.clock, pred, timeout, 0)
		if errors.Is(err, browser.ErrWaitTimeout) {
			return fmt.Errorf("%w: %s not %s after %s", types.ErrExternalStepFailed, s.Selector, what, timeout)
		}
		return err

	case ActionExtract:
		el, err := page.Find(ctx, s.Selector)
		if err != nil {
			return err
		}
		if el == nil {
			return fmt.Errorf("%w: %s not found", types.ErrExternalStepFailed, s.Selector)
		}
		text, err := el.Text(ctx)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(text)
		if s.pattern != nil {
			v, ok := mail.ExtractCode(text, s.pattern)
			if !ok {
				return fmt.Errorf("%w: %s text does not match %s", types.ErrExternalStepFailed, s.Selector, s.Pattern)
			}
			text = v
		}
		vars.Data[s.Into] = text
		return nil

	case ActionMailCode, ActionMailLink:
		msg, err := p.waitMail(ctx, s, vars, started)
		if err != nil {
			return err
		}
		if s.Action == ActionMailCode {
			code, ok := mail.ExtractCode(msg.Body(), s.pattern)
			if !ok {
				return fmt.Errorf("%w: no code in mail %q", types.ErrExternalStepFailed, msg.Subject)
			}
			vars.Data[s.Into] = code
			sc.Trace.Info(ctx, p.stage, s.Action, "code received in %q", msg.Subject)
			return nil
		}
		links, err := mail.LinksFromMessage(msg)
		if err != nil {
			return err
		}
		link, ok, err := mail.FindLink(links, s.Pattern)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no matching link in mail %q", types.ErrExternalStepFailed, msg.Subject)
		}
		if s.Into != "" {
			vars.Data[s.Into] = link.URL
		}
		sc.Trace.Info(ctx, p.stage, s.Action, "link received in %q", msg.Subject)
		if s.Follow {
			return page.Navigate(ctx, link.URL)
		}
		return nil
	}
	return fmt.Errorf("unknown action %s", s.Action)
}

func (p *program) waitMail(ctx context.Context, s *compiledStep, vars *Vars, started time.Time) (*mail.Message, error) {
	to, err := render(s.to, vars)
	if err != nil {
		return nil, err
	}
	if to == "" {
		to = vars.Account.Email
	}
	filter := mail.Filter{From: s.From, Subject: s.Subject}
	if s.Fresh {
		filter.Since = started
	}
	return p.mail.WaitForMessage(ctx, to, timeoutOr(s.Timeout, DefaultMailTimeout), filter)
}

func applies(rule string, a *types.Account) bool {
	switch rule {
	case AppliesParent:
		return a.IsParent()
	case AppliesChild:
		return a.ParentID != ""
	default:
		return true
	}
}

// Script is a stage driven by a step list.
type Script struct {
	spec ScriptSpec
	prog *program
}

// NewScript compiles spec. The provider may be nil when no step uses mail.
func NewScript(spec ScriptSpec, provider mail.Provider, clock clockwork.Clock) (*Script, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("script stage without a name")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	prog, err := compile(spec.Name, spec.Steps, provider, clock)
	if err != nil {
		return nil, err
	}
	return &Script{spec: spec, prog: prog}, nil
}

func (s *Script) Name() string { return s.spec.Name }

// AppliesTo implements pipeline.Applicable.
func (s *Script) AppliesTo(a *types.Account) bool { return applies(s.spec.Applies, a) }

func (s *Script) Run(ctx context.Context, sc *pipeline.StageContext) (pipeline.Result, error) {
	page, err := sc.Page(ctx)
	if err != nil {
		return pipeline.Result{}, err
	}
	vars, err := newVars(ctx, sc)
	if err != nil {
		return pipeline.Result{}, err
	}
	if err := s.prog.run(ctx, sc, page, vars); err != nil {
		captureFailure(ctx, sc, page, s.spec.Name, err)
		return pipeline.Result{Data: vars.Data}, err
	}
	return pipeline.OK(fmt.Sprintf("%d step(s) completed", len(s.prog.steps)), vars.Data), nil
}

func newVars(ctx context.Context, sc *pipeline.StageContext) (*Vars, error) {
	vars := &Vars{Account: sc.Account, Results: sc.Results, Data: make(map[string]any)}
	if sc.Account.ParentID != "" && sc.Accounts != nil {
		parent, err := sc.Accounts.Get(ctx, sc.Account.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load parent %s: %w", sc.Account.ParentID, err)
		}
		vars.Parent = parent
	}
	return vars, nil
}

// captureFailure records a screenshot of page in the trace.
func captureFailure(ctx context.Context, sc *pipeline.StageContext, page browser.Page, stage string, cause error) {
	png, err := page.Screenshot(ctx)
	if err != nil {
		sc.Trace.Warn(ctx, stage, "screenshot", "screenshot failed: %v", err)
		return
	}
	sc.Trace.Capture(ctx, stage, cause.Error(), page.URL(), png)
}
