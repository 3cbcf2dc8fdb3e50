// Package login drives a browser page through a site's sign-in flow,
// resolving the identity challenges it meets on the way.
package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gobwas/glob"
	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/otp"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

// State is a position of the sign-in flow.
type State string

const (
	NotStarted               State = "not_started"
	NavigatingToLogin        State = "navigating_to_login"
	AwaitingIdentifier       State = "awaiting_identifier"
	AwaitingCredential       State = "awaiting_credential"
	ResolvingCaptcha         State = "resolving_captcha"
	ResolvingOneTimeCode     State = "resolving_one_time_code"
	ResolvingRecoveryContact State = "resolving_recovery_contact"
	ResolvingSecurityPrompt  State = "resolving_security_prompt"
	LoggedIn                 State = "logged_in"
	Failed                   State = "failed"
)

// ErrAccountBlocked is returned when the target shows a blocked or
// suspended account indicator.
var ErrAccountBlocked = fmt.Errorf("account blocked: %w", types.ErrExternalStepFailed)

// Config bounds every wait of the machine.
type Config struct {
	MaxRounds      int           `yaml:"max_rounds" json:"max_rounds"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval"`
	CredentialWait time.Duration `yaml:"credential_wait" json:"credential_wait"`
	CaptchaWait    time.Duration `yaml:"captcha_wait" json:"captcha_wait"`
	CaptchaPoll    time.Duration `yaml:"captcha_poll" json:"captcha_poll"`
	CodeVerifyWait time.Duration `yaml:"code_verify_wait" json:"code_verify_wait"`
	// MaxPasswordSubmits is how often the password form may come back
	// before the credential is considered rejected.
	MaxPasswordSubmits int `yaml:"max_password_submits" json:"max_password_submits"`
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		MaxRounds:          12,
		ProbeTimeout:       3 * time.Second,
		PollInterval:       time.Second,
		CredentialWait:     2 * time.Minute,
		CaptchaWait:        3 * time.Minute,
		CaptchaPoll:        2 * time.Second,
		CodeVerifyWait:     10 * time.Second,
		MaxPasswordSubmits: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CredentialWait <= 0 {
		c.CredentialWait = d.CredentialWait
	}
	if c.CaptchaWait <= 0 {
		c.CaptchaWait = d.CaptchaWait
	}
	if c.CaptchaPoll <= 0 {
		c.CaptchaPoll = d.CaptchaPoll
	}
	if c.CodeVerifyWait <= 0 {
		c.CodeVerifyWait = d.CodeVerifyWait
	}
	if c.MaxPasswordSubmits <= 0 {
		c.MaxPasswordSubmits = d.MaxPasswordSubmits
	}
	return c
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Outcome summarizes one Login call.
type Outcome struct {
	State           State        `json:"state"`
	Message         string       `json:"message,omitempty"`
	Rounds          int          `json:"rounds"`
	CodeSubmissions int          `json:"code_submissions,omitempty"`
	History         []Transition `json:"history"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used for every wait.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithResolver sets the one-time-code resolver.
func WithResolver(r *otp.Resolver) Option {
	return func(m *Machine) {
		if r != nil {
			m.resolver = r
		}
	}
}

// Machine signs accounts in on one site. It holds no per-login state and
// may be shared by concurrent workers, each with its own page.
type Machine struct {
	loc         Locators
	cfg         Config
	successURLs []glob.Glob
	probes      []probe
	resolver    *otp.Resolver
	clock       clockwork.Clock
	logger      *logging.Logger
}

// New creates a machine for the site described by loc.
func New(loc Locators, cfg Config, opts ...Option) (*Machine, error) {
	globs, err := compileGlobs(loc.SuccessURLs)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		loc:         loc,
		cfg:         cfg.withDefaults(),
		successURLs: globs,
		clock:       clockwork.NewRealClock(),
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		m.resolver = otp.NewResolver(otp.Generator{}, m.clock, m.logger)
	}
	m.probes = m.buildProbes()
	return m, nil
}

// Login drives page until the account is signed in or the flow fails.
// The returned outcome is never nil. Trace events go to the scope carried
// by ctx, if any.
func (m *Machine) Login(ctx context.Context, page browser.Page, account *types.Account) (*Outcome, error) {
	r := &attempt{
		m:       m,
		page:    page,
		account: account,
		scope:   trace.FromContext(ctx),
		out:     &Outcome{State: NotStarted},
	}
	err := r.run(ctx)
	return r.out, err
}

// attempt is the state of one Login call.
type attempt struct {
	m               *Machine
	page            browser.Page
	account         *types.Account
	scope           *trace.Scope
	out             *Outcome
	passwordSubmits int
}

func (r *attempt) run(ctx context.Context) error {
	m := r.m
	r.enter(NavigatingToLogin, "open login page")
	if err := r.page.Navigate(ctx, m.loc.LoginURL); err != nil {
		return r.fail(ctx, fmt.Errorf("navigate to login page: %w", err))
	}

	for round := 1; round <= m.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, err)
		}
		r.out.Rounds = round

		if r.loggedIn(ctx) {
			r.enter(LoggedIn, "success indicator present")
			r.out.Message = "logged in"
			r.scope.Info(ctx, types.StageLogin, "logged_in", "signed in after %d round(s)", round)
			return nil
		}
		if err := r.checkErrors(ctx); err != nil {
			return r.fail(ctx, err)
		}

		p := r.detect(ctx)
		if p == nil {
			m.logger.Debugf("round %d: no probe matched at %s", round, r.page.URL())
			select {
			case <-ctx.Done():
				return r.fail(ctx, ctx.Err())
			case <-m.clock.After(m.cfg.PollInterval):
			}
			continue
		}

		r.enter(p.state, p.name)
		m.logger.Debugf("round %d: %s", round, p.name)
		r.scope.Info(ctx, types.StageLogin, p.action, "round %d: %s", round, p.name)
		if err := p.act(r, ctx); err != nil {
			return r.fail(ctx, err)
		}
	}

	return r.fail(ctx, fmt.Errorf("%w after %d rounds", types.ErrLoginTimeout, m.cfg.MaxRounds))
}

func (r *attempt) enter(state State, reason string) {
	if r.out.State == state {
		return
	}
	r.out.History = append(r.out.History, Transition{
		From:   r.out.State,
		To:     state,
		At:     r.m.clock.Now(),
		Reason: reason,
	})
	r.out.State = state
}

func (r *attempt) fail(ctx context.Context, err error) error {
	r.enter(Failed, err.Error())
	r.out.Message = err.Error()
	r.scope.Error(ctx, types.StageLogin, "failed", "%v", err)
	r.m.logger.Warnf("login of %s failed: %v", r.account.ID, err)
	return err
}

// find looks selector up with the per-probe timeout. Lookup errors are
// treated as absence: pages navigate under the machine's feet.
func (r *attempt) find(ctx context.Context, selector string) browser.Element {
	if selector == "" {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, r.m.cfg.ProbeTimeout)
	defer cancel()
	el, err := r.page.Find(pctx, selector)
	if err != nil {
		r.m.logger.Debugf("probe %q: %v", selector, err)
		return nil
	}
	return el
}

func (r *attempt) visible(ctx context.Context, selector string) bool {
	return r.find(ctx, selector) != nil
}

func (r *attempt) loggedIn(ctx context.Context) bool {
	url := r.page.URL()
	for _, g := range r.m.successURLs {
		if g.Match(url) {
			return true
		}
	}
	for _, sel := range r.m.loc.Success {
		if r.visible(ctx, sel) {
			return true
		}
	}
	return false
}

// checkErrors maps a visible error indicator onto the failure taxonomy.
func (r *attempt) checkErrors(ctx context.Context) error {
	classes := []struct {
		selectors []string
		err       error
	}{
		{r.m.loc.CredentialErrors, types.ErrCredentialRejected},
		{r.m.loc.CodeErrors, types.ErrCodeRejectedAfterExhaustion},
		{r.m.loc.BlockedErrors, ErrAccountBlocked},
	}
	for _, class := range classes {
		for _, sel := range class.selectors {
			el := r.find(ctx, sel)
			if el == nil {
				continue
			}
			text, _ := el.Text(ctx)
			if text == "" {
				text = sel
			}
			return fmt.Errorf("%w: %s", class.err, text)
		}
	}
	return nil
}

func (r *attempt) detect(ctx context.Context) *probe {
	for i := range r.m.probes {
		p := &r.m.probes[i]
		if r.visible(ctx, p.selector) {
			return p
		}
	}
	return nil
}

// settle gives the page up to one probe timeout to reach pred. Only
// context errors are reported; a page that does not settle is looked at
// again next round.
func (r *attempt) settle(ctx context.Context, pred browser.Predicate) error {
	err := browser.WaitFor(ctx, r.m.clock, pred, r.m.cfg.ProbeTimeout, r.m.cfg.PollInterval)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		r.m.logger.Debugf("page did not settle: %v", err)
	}
	return nil
}

func (r *attempt) click(ctx context.Context, selector string) error {
	if selector == "" {
		return nil
	}
	if err := r.page.Click(ctx, selector); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (r *attempt) fill(ctx context.Context, selector, value string) error {
	if err := r.page.Fill(ctx, selector, value); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

// waitGone waits for selector to disappear within timeout; on the ceiling
// it fails with types.ErrChallengeTimeout.
func (r *attempt) waitGone(ctx context.Context, selector, what string, timeout, interval time.Duration) error {
	err := browser.WaitFor(ctx, r.m.clock, browser.Gone(r.page, selector), timeout, interval)
	if errors.Is(err, browser.ErrWaitTimeout) {
		return fmt.Errorf("%w: %s still pending after %s", types.ErrChallengeTimeout, what, timeout)
	}
	return err
}
