package login

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/types"
)

// probe is one row of the action table: when selector is visible the
// machine enters state and runs act.
type probe struct {
	name     string
	action   string
	state    State
	selector string
	act      func(r *attempt, ctx context.Context) error
}

// buildProbes returns the probe table in priority order. Challenges come
// before forms because a challenge may overlay a form that is still in the
// DOM. Probes whose locator is not configured are left out.
func (m *Machine) buildProbes() []probe {
	l := m.loc
	all := []probe{
		{"captcha shown", "captcha", ResolvingCaptcha, l.Captcha, (*attempt).waitCaptcha},
		{"one-time code requested", "one_time_code", ResolvingOneTimeCode, l.OTPInput, (*attempt).resolveCode},
		{"recovery contact requested", "recovery_contact", ResolvingRecoveryContact, l.RecoveryPrompt, (*attempt).submitRecovery},
		{"security prompt shown", "security_prompt", ResolvingSecurityPrompt, l.SecurityPrompt, (*attempt).dismissSecurityPrompt},
		{"waiting for sign-in approval", "approval", AwaitingCredential, l.Approval, (*attempt).waitApproval},
		{"password form shown", "password", AwaitingCredential, l.Password, (*attempt).submitPassword},
		{"identifier form shown", "identifier", AwaitingIdentifier, l.Identifier, (*attempt).submitIdentifier},
	}
	probes := all[:0]
	for _, p := range all {
		if p.selector != "" {
			probes = append(probes, p)
		}
	}
	return probes
}

func (r *attempt) submitIdentifier(ctx context.Context) error {
	l := r.m.loc
	if err := r.fill(ctx, l.Identifier, r.account.Email); err != nil {
		return err
	}
	if err := r.click(ctx, l.IdentifierSubmit); err != nil {
		return err
	}
	return r.settle(ctx, browser.Gone(r.page, l.Identifier))
}

func (r *attempt) submitPassword(ctx context.Context) error {
	l := r.m.loc
	r.passwordSubmits++
	if r.passwordSubmits > r.m.cfg.MaxPasswordSubmits {
		return fmt.Errorf("%w: password form shown again after %d submissions",
			types.ErrCredentialRejected, r.m.cfg.MaxPasswordSubmits)
	}
	// Single-page forms carry both fields.
	if l.Identifier != "" && l.Identifier != l.Password && r.visible(ctx, l.Identifier) {
		if err := r.fill(ctx, l.Identifier, r.account.Email); err != nil {
			return err
		}
	}
	if err := r.fill(ctx, l.Password, r.account.Password); err != nil {
		return err
	}
	if err := r.click(ctx, l.PasswordSubmit); err != nil {
		return err
	}
	return r.settle(ctx, browser.Gone(r.page, l.Password))
}

func (r *attempt) waitApproval(ctx context.Context) error {
	r.scope.Info(ctx, types.StageLogin, "approval", "waiting up to %s for sign-in approval", r.m.cfg.CredentialWait)
	return r.waitGone(ctx, r.m.loc.Approval, "sign-in approval", r.m.cfg.CredentialWait, r.m.cfg.PollInterval)
}

func (r *attempt) waitCaptcha(ctx context.Context) error {
	r.scope.Warn(ctx, types.StageLogin, "captcha", "captcha shown; waiting up to %s", r.m.cfg.CaptchaWait)
	return r.waitGone(ctx, r.m.loc.Captcha, "captcha", r.m.cfg.CaptchaWait, r.m.cfg.CaptchaPoll)
}

func (r *attempt) resolveCode(ctx context.Context) error {
	if r.account.OTPSecret == "" {
		return fmt.Errorf("%w: one-time code requested but no secret on file", types.ErrRecoveryNotConfigured)
	}
	res, err := r.m.resolver.Resolve(ctx, r.account.OTPSecret, r.submitCode)
	r.out.CodeSubmissions += len(res.Submitted)
	if err != nil {
		return err
	}
	r.scope.Info(ctx, types.StageLogin, "one_time_code", "code accepted after %d submission(s)", len(res.Submitted))
	return nil
}

// submitCode is the otp.Verifier for the page: a code is accepted once the
// input goes away and rejected when the rejection marker shows up or the
// page does not react within CodeVerifyWait. A marker left over from the
// previous code only counts once it has cleared and come back.
func (r *attempt) submitCode(ctx context.Context, code string) (bool, error) {
	l := r.m.loc
	stale := r.visible(ctx, l.OTPRejected)
	if err := r.fill(ctx, l.OTPInput, code); err != nil {
		return false, err
	}
	if err := r.click(ctx, l.OTPSubmit); err != nil {
		return false, err
	}

	accepted := false
	err := browser.WaitFor(ctx, r.m.clock, func(ctx context.Context) (bool, error) {
		if !r.visible(ctx, l.OTPInput) {
			accepted = true
			return true, nil
		}
		if !r.visible(ctx, l.OTPRejected) {
			stale = false
			return false, nil
		}
		return !stale, nil
	}, r.m.cfg.CodeVerifyWait, r.m.cfg.PollInterval)
	if errors.Is(err, browser.ErrWaitTimeout) {
		return false, nil
	}
	return accepted, err
}

func (r *attempt) submitRecovery(ctx context.Context) error {
	l := r.m.loc
	if r.account.RecoveryContact == "" {
		return types.ErrRecoveryNotConfigured
	}
	if l.RecoveryChoice != "" && r.visible(ctx, l.RecoveryChoice) {
		if err := r.click(ctx, l.RecoveryChoice); err != nil {
			return err
		}
		if err := r.settle(ctx, browser.Visible(r.page, l.RecoveryInput)); err != nil {
			return err
		}
	}
	if l.RecoveryInput == "" {
		return fmt.Errorf("%w: no recovery input locator", types.ErrExternalStepFailed)
	}
	if err := r.fill(ctx, l.RecoveryInput, r.account.RecoveryContact); err != nil {
		return err
	}
	if err := r.click(ctx, l.RecoverySubmit); err != nil {
		return err
	}
	return r.settle(ctx, browser.Gone(r.page, l.RecoveryPrompt))
}

func (r *attempt) dismissSecurityPrompt(ctx context.Context) error {
	l := r.m.loc
	if l.SecurityDismiss == "" {
		return fmt.Errorf("%w: security prompt has no dismiss locator", types.ErrExternalStepFailed)
	}
	if err := r.click(ctx, l.SecurityDismiss); err != nil {
		return err
	}
	return r.settle(ctx, browser.Gone(r.page, l.SecurityPrompt))
}
