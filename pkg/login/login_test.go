package login

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autopilot/pkg/browser/browsertest"
	"github.com/entrhq/autopilot/pkg/otp"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

const secret = "JBSWY3DPEHPK3PXP"

func testLocators() Locators {
	return Locators{
		LoginURL:         "https://accounts.example.com/signin",
		SuccessURLs:      []string{"https://app.example.com/*"},
		Success:          []string{"#dashboard"},
		Identifier:       "#identifier",
		IdentifierSubmit: "#next",
		Password:         "#password",
		PasswordSubmit:   "#signin",
		Approval:         "#approve-on-phone",
		Captcha:          "#captcha",
		OTPInput:         "#otp",
		OTPSubmit:        "#verify",
		OTPRejected:      "#otp-error",
		RecoveryPrompt:   "#recovery",
		RecoveryInput:    "#recovery-email",
		RecoverySubmit:   "#recovery-submit",
		SecurityPrompt:   "#passkey-offer",
		SecurityDismiss:  "#not-now",
		CredentialErrors: []string{"#password-error"},
		BlockedErrors:    []string{"#suspended"},
	}
}

func testConfig() Config {
	return Config{
		MaxRounds:      6,
		ProbeTimeout:   time.Second,
		PollInterval:   time.Second,
		CredentialWait: 10 * time.Second,
		CaptchaWait:    5 * time.Second,
		CaptchaPoll:    time.Second,
		CodeVerifyWait: 5 * time.Second,
	}
}

func testAccount() *types.Account {
	return &types.Account{ID: "acct-1", Email: "owner@example.com", Password: "hunter2-long", OTPSecret: secret}
}

func newMachine(t *testing.T, clock clockwork.Clock) *Machine {
	t.Helper()
	m, err := New(testLocators(), testConfig(), WithClock(clock))
	require.NoError(t, err)
	return m
}

// twoStepSite wires identifier -> password -> next, where next is the
// selector shown after the password is accepted.
func twoStepSite(next string) *browsertest.Page {
	page := browsertest.NewPage()
	page.OnNavigate = func(p *browsertest.Page, url string) {
		p.Show("#identifier")
	}
	page.OnClick["#next"] = func(p *browsertest.Page) {
		p.Hide("#identifier")
		p.Show("#password")
	}
	page.OnClick["#signin"] = func(p *browsertest.Page) {
		p.Hide("#password")
		p.Show(next)
	}
	return page
}

func states(out *Outcome) []State {
	var s []State
	for _, tr := range out.History {
		s = append(s, tr.To)
	}
	return s
}

func TestLogin_IdentifierPasswordCode(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000025, 0))
	want, err := otp.Generator{}.Code(secret, clock.Now())
	require.NoError(t, err)

	page := twoStepSite("#otp")
	page.OnClick["#verify"] = func(p *browsertest.Page) {
		if p.Value("#otp") == want {
			p.Hide("#otp")
			p.SetURL("https://app.example.com/home")
		}
	}

	out, err := newMachine(t, clock).Login(context.Background(), page, testAccount())
	require.NoError(t, err)

	assert.Equal(t, LoggedIn, out.State)
	assert.Equal(t, 1, out.CodeSubmissions)
	assert.Equal(t, []State{NavigatingToLogin, AwaitingIdentifier, AwaitingCredential, ResolvingOneTimeCode, LoggedIn}, states(out))
	assert.Equal(t, []string{"owner@example.com"}, page.FillsOf("#identifier"))
	assert.Equal(t, []string{"hunter2-long"}, page.FillsOf("#password"))
	assert.Equal(t, []string{"https://accounts.example.com/signin"}, page.Visited())
}

func TestLogin_SkewedCodeUsesAdjacentWindowWithoutSleeping(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000025, 0))
	gen := otp.Generator{}
	current, _ := gen.Code(secret, clock.Now())
	previous, _ := gen.Code(secret, clock.Now().Add(-30*time.Second))

	page := twoStepSite("#otp")
	page.OnClick["#verify"] = func(p *browsertest.Page) {
		if p.Value("#otp") == previous {
			p.Hide("#otp", "#otp-error")
			p.Show("#dashboard")
			return
		}
		p.Show("#otp-error")
	}

	start := clock.Now()
	out, err := newMachine(t, clock).Login(context.Background(), page, testAccount())
	require.NoError(t, err)

	assert.Equal(t, LoggedIn, out.State)
	assert.Equal(t, []string{current, previous}, page.FillsOf("#otp"))
	assert.Equal(t, time.Duration(0), clock.Since(start))
}

func TestLogin_StaleRejectionMarkerIsNotARejection(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000025, 0))
	gen := otp.Generator{}
	current, _ := gen.Code(secret, clock.Now())
	previous, _ := gen.Code(secret, clock.Now().Add(-30*time.Second))

	page := twoStepSite("#otp")
	page.OnClick["#verify"] = func(p *browsertest.Page) {
		// the right code is only processed on the next poll
		if p.Value("#otp") != previous {
			p.Show("#otp-error")
		}
	}

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := newMachine(t, clock).Login(context.Background(), page, testAccount())
		done <- result{out, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, []string{current, previous}, page.FillsOf("#otp"))

	page.Hide("#otp", "#otp-error")
	page.Show("#dashboard")
	clock.Advance(time.Second)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, LoggedIn, res.out.State)
	assert.Equal(t, 2, res.out.CodeSubmissions)
	assert.Equal(t, []string{current, previous}, page.FillsOf("#otp"))
}

func TestLogin_CaptchaCeiling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	start := clock.Now()

	page := browsertest.NewPage()
	page.OnNavigate = func(p *browsertest.Page, url string) {
		p.Show("#captcha")
	}

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := newMachine(t, clock).Login(context.Background(), page, testAccount())
		done <- result{out, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		select {
		case <-done:
			t.Fatalf("login returned after %s, before the captcha ceiling", clock.Since(start))
		default:
		}
		clock.Advance(time.Second)
	}

	res := <-done
	require.ErrorIs(t, res.err, types.ErrChallengeTimeout)
	assert.Equal(t, types.ClassChallengeTimeout, types.Classify(res.err))
	assert.GreaterOrEqual(t, clock.Since(start), 5*time.Second)
	assert.Equal(t, Failed, res.out.State)
	assert.Contains(t, states(res.out), ResolvingCaptcha)
}

func TestLogin_CaptchaSolvedWithinCeiling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	page := browsertest.NewPage()
	page.OnNavigate = func(p *browsertest.Page, url string) {
		p.Show("#captcha")
	}

	done := make(chan error, 1)
	go func() {
		_, err := newMachine(t, clock).Login(context.Background(), page, testAccount())
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	page.Hide("#captcha")
	page.Show("#dashboard")
	clock.Advance(time.Second)

	require.NoError(t, <-done)
}

func TestLogin_RecoveryRequiredButNotConfigured(t *testing.T) {
	page := twoStepSite("#recovery")
	out, err := newMachine(t, nil).Login(context.Background(), page, testAccount())

	require.ErrorIs(t, err, types.ErrRecoveryNotConfigured)
	assert.Equal(t, "recovery required but not configured", err.Error())
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, err.Error(), out.Message)
}

func TestLogin_SubmitsRecoveryContact(t *testing.T) {
	page := twoStepSite("#recovery")
	page.OnClick["#signin"] = func(p *browsertest.Page) {
		p.Hide("#password")
		p.Show("#recovery", "#recovery-email", "#recovery-submit")
	}
	page.OnClick["#recovery-submit"] = func(p *browsertest.Page) {
		p.Hide("#recovery", "#recovery-email", "#recovery-submit")
		p.Show("#dashboard")
	}

	acct := testAccount()
	acct.RecoveryContact = "backup@example.org"
	out, err := newMachine(t, nil).Login(context.Background(), page, acct)
	require.NoError(t, err)

	assert.Equal(t, LoggedIn, out.State)
	assert.Equal(t, []string{"backup@example.org"}, page.FillsOf("#recovery-email"))
	assert.Contains(t, states(out), ResolvingRecoveryContact)
}

func TestLogin_CredentialErrorIsClassified(t *testing.T) {
	page := twoStepSite("#password-error")
	page.OnClick["#signin"] = func(p *browsertest.Page) {
		p.Hide("#password")
		p.SetText("#password-error", "Wrong password. Try again.")
	}

	out, err := newMachine(t, nil).Login(context.Background(), page, testAccount())
	require.ErrorIs(t, err, types.ErrCredentialRejected)
	assert.Contains(t, err.Error(), "Wrong password")
	assert.False(t, types.Retryable(err))
	assert.Equal(t, Failed, out.State)
}

func TestLogin_BlockedAccount(t *testing.T) {
	page := browsertest.NewPage()
	page.OnNavigate = func(p *browsertest.Page, url string) {
		p.Show("#suspended")
	}
	_, err := newMachine(t, nil).Login(context.Background(), page, testAccount())
	require.ErrorIs(t, err, ErrAccountBlocked)
	assert.Equal(t, types.ClassExternalStep, types.Classify(err))
}

func TestLogin_CodeWithoutSecret(t *testing.T) {
	page := twoStepSite("#otp")
	acct := testAccount()
	acct.OTPSecret = ""

	_, err := newMachine(t, nil).Login(context.Background(), page, acct)
	require.ErrorIs(t, err, types.ErrRecoveryNotConfigured)
	assert.Empty(t, page.FillsOf("#otp"))
}

func TestLogin_DismissesSecurityPrompt(t *testing.T) {
	page := twoStepSite("#passkey-offer")
	page.OnClick["#signin"] = func(p *browsertest.Page) {
		p.Hide("#password")
		p.Show("#passkey-offer", "#not-now")
	}
	page.OnClick["#not-now"] = func(p *browsertest.Page) {
		p.Hide("#passkey-offer", "#not-now")
		p.SetURL("https://app.example.com/welcome")
	}

	out, err := newMachine(t, nil).Login(context.Background(), page, testAccount())
	require.NoError(t, err)
	assert.Equal(t, 1, page.ClickCount("#not-now"))
	assert.Contains(t, states(out), ResolvingSecurityPrompt)
}

func TestLogin_PasswordFormKeepsComingBack(t *testing.T) {
	page := twoStepSite("#password")
	page.OnClick["#signin"] = nil

	cfg := testConfig()
	cfg.ProbeTimeout = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	m, err := New(testLocators(), cfg)
	require.NoError(t, err)

	_, err = m.Login(context.Background(), page, testAccount())
	require.ErrorIs(t, err, types.ErrCredentialRejected)
	assert.Len(t, page.FillsOf("#password"), 2)
}

func TestLogin_RoundsExhausted(t *testing.T) {
	page := browsertest.NewPage()

	cfg := testConfig()
	cfg.MaxRounds = 3
	cfg.PollInterval = time.Millisecond
	m, err := New(testLocators(), cfg)
	require.NoError(t, err)

	out, err := m.Login(context.Background(), page, testAccount())
	require.ErrorIs(t, err, types.ErrLoginTimeout)
	assert.True(t, types.Retryable(err))
	assert.Equal(t, 3, out.Rounds)
}

func TestLogin_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := newMachine(t, nil).Login(ctx, browsertest.NewPage(), testAccount())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, out.State)
}

func TestLogin_TracesThroughContextScope(t *testing.T) {
	sink := trace.NewMemorySink()
	tracer := trace.New(sink, trace.Config{})
	acct := testAccount()
	ctx := trace.WithScope(context.Background(), tracer.Scope("task-1", acct.ID, acct.Password))

	page := browsertest.NewPage()
	page.OnNavigate = func(p *browsertest.Page, url string) {
		p.SetURL("https://app.example.com/home")
	}
	_, err := newMachine(t, nil).Login(ctx, page, acct)
	require.NoError(t, err)
	tracer.Close()

	events := sink.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "logged_in", last.Action)
	assert.Equal(t, "task-1", last.TaskID)
	assert.Equal(t, acct.ID, last.AccountID)
}

func TestNew_RejectsBadSuccessPattern(t *testing.T) {
	loc := testLocators()
	loc.SuccessURLs = []string{"[unclosed"}
	_, err := New(loc, Config{})
	assert.Error(t, err)
	assert.Error(t, loc.Validate())
	assert.NoError(t, testLocators().Validate())
}
