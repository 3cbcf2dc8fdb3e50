package login

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Locators describe one target site. They are configuration data: every
// selector is passed to browser.Page unchanged, and an empty selector
// disables the probe that needs it.
type Locators struct {
	LoginURL string `yaml:"login_url" json:"login_url"`

	// SuccessURLs are globs matched against the page URL.
	SuccessURLs []string `yaml:"success_urls,omitempty" json:"success_urls,omitempty"`
	// Success selectors are only visible once signed in.
	Success []string `yaml:"success,omitempty" json:"success,omitempty"`

	Identifier       string `yaml:"identifier" json:"identifier"`
	IdentifierSubmit string `yaml:"identifier_submit" json:"identifier_submit"`
	Password         string `yaml:"password" json:"password"`
	PasswordSubmit   string `yaml:"password_submit" json:"password_submit"`

	// Approval is shown while the target waits for an out-of-band approval
	// (push notification, another device).
	Approval string `yaml:"approval,omitempty" json:"approval,omitempty"`
	Captcha  string `yaml:"captcha,omitempty" json:"captcha,omitempty"`

	OTPInput    string `yaml:"otp_input,omitempty" json:"otp_input,omitempty"`
	OTPSubmit   string `yaml:"otp_submit,omitempty" json:"otp_submit,omitempty"`
	OTPRejected string `yaml:"otp_rejected,omitempty" json:"otp_rejected,omitempty"`

	RecoveryPrompt string `yaml:"recovery_prompt,omitempty" json:"recovery_prompt,omitempty"`
	RecoveryChoice string `yaml:"recovery_choice,omitempty" json:"recovery_choice,omitempty"`
	RecoveryInput  string `yaml:"recovery_input,omitempty" json:"recovery_input,omitempty"`
	RecoverySubmit string `yaml:"recovery_submit,omitempty" json:"recovery_submit,omitempty"`

	SecurityPrompt  string `yaml:"security_prompt,omitempty" json:"security_prompt,omitempty"`
	SecurityDismiss string `yaml:"security_dismiss,omitempty" json:"security_dismiss,omitempty"`

	// Error indicators, classified by what they mean for the account.
	CredentialErrors []string `yaml:"credential_errors,omitempty" json:"credential_errors,omitempty"`
	CodeErrors       []string `yaml:"code_errors,omitempty" json:"code_errors,omitempty"`
	BlockedErrors    []string `yaml:"blocked_errors,omitempty" json:"blocked_errors,omitempty"`
}

// Validate reports locators the machine cannot work without.
func (l Locators) Validate() error {
	if l.LoginURL == "" {
		return fmt.Errorf("login_url is required")
	}
	if len(l.SuccessURLs) == 0 && len(l.Success) == 0 {
		return fmt.Errorf("at least one of success_urls or success is required")
	}
	if l.Password == "" {
		return fmt.Errorf("password selector is required")
	}
	for _, p := range l.SuccessURLs {
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("invalid success url pattern '%s': %w", p, err)
		}
	}
	return nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid success url pattern '%s': %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}
