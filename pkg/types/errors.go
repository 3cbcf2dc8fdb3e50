package types

import (
	"context"
	"errors"
)

var (
	// ErrResourceUnavailable is returned when the session pool is at capacity
	// or the requested resource is busy. Retry after backoff.
	ErrResourceUnavailable = errors.New("resource unavailable")
	// ErrChallengeTimeout is returned when a captcha or manual step was not
	// completed before its ceiling. The account is not bad; retry later.
	ErrChallengeTimeout = errors.New("challenge not completed in time")
	// ErrCredentialRejected is returned when the target rejects the password
	// or does not know the account. Terminal for this run.
	ErrCredentialRejected = errors.New("credential rejected")
	// ErrCodeRejectedAfterExhaustion is returned when every one-time-code
	// candidate, including the next-window code, was rejected.
	ErrCodeRejectedAfterExhaustion = errors.New("one-time code rejected after exhausting candidates")
	// ErrExternalStepFailed is returned when a stage's own business
	// precondition failed. Terminal for that stage only.
	ErrExternalStepFailed = errors.New("external step failed")
	// ErrRecoveryNotConfigured is returned when the target asks for a recovery
	// contact and the account has none on file.
	ErrRecoveryNotConfigured = errors.New("recovery required but not configured")
	// ErrLoginTimeout is returned when the login machine exhausts its rounds
	// without reaching a terminal page.
	ErrLoginTimeout = errors.New("login did not complete within the round limit")
	// ErrWaitTimeout is returned when a long poll (mail, element) reaches
	// its ceiling.
	ErrWaitTimeout = errors.New("wait ceiling reached")
	// ErrNotFound is returned by registries when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCancelled is returned for work that was never started because the
	// run was stopped.
	ErrCancelled = errors.New("cancelled")
)

// FailureClass is the operator-facing category of a failure.
type FailureClass string

const (
	ClassNone                FailureClass = ""
	ClassResourceUnavailable FailureClass = "resource_unavailable"
	ClassChallengeTimeout    FailureClass = "challenge_timeout"
	ClassCredentialRejected  FailureClass = "credential_rejected"
	ClassCodeRejected        FailureClass = "code_rejected"
	ClassExternalStep        FailureClass = "external_step_failed"
	ClassRecoveryMissing     FailureClass = "recovery_not_configured"
	ClassTimeout             FailureClass = "timeout"
	ClassCancelled           FailureClass = "cancelled"
	ClassUnexpected          FailureClass = "unexpected"
)

// Retryable reports whether a failure of this class may succeed on a later
// attempt of the same run.
func (c FailureClass) Retryable() bool {
	switch c {
	case ClassResourceUnavailable, ClassChallengeTimeout, ClassTimeout:
		return true
	default:
		return false
	}
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrResourceUnavailable):
		return ClassResourceUnavailable
	case errors.Is(err, ErrChallengeTimeout):
		return ClassChallengeTimeout
	case errors.Is(err, ErrCredentialRejected):
		return ClassCredentialRejected
	case errors.Is(err, ErrCodeRejectedAfterExhaustion):
		return ClassCodeRejected
	case errors.Is(err, ErrRecoveryNotConfigured):
		return ClassRecoveryMissing
	case errors.Is(err, ErrExternalStepFailed):
		return ClassExternalStep
	case errors.Is(err, ErrLoginTimeout), errors.Is(err, ErrWaitTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	default:
		return ClassUnexpected
	}
}

// Retryable reports whether err belongs to a retryable failure class.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}
