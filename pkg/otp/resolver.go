package otp

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/types"
)

// Bounds on the next-window sleep.
const (
	MinWindowWait = 2 * time.Second
	MaxWindowWait = 31 * time.Second
)

// Verifier submits one code to the target and reports whether it was
// accepted. A non-nil error aborts resolution (page gone, navigation error).
type Verifier func(ctx context.Context, code string) (accepted bool, err error)

// Resolution describes how a code challenge was resolved.
type Resolution struct {
	// Code is the accepted code, empty on failure.
	Code string
	// Submitted lists every code submitted, in order.
	Submitted []string
	// Slept is the time spent waiting for the next window.
	Slept time.Duration
}

// Resolver runs the one-time-code submission protocol:
//
//  1. submit code(t)
//  2. on rejection submit the remaining codes of windows t-P, t+P, never
//     repeating a code already submitted
//  3. if all were rejected, sleep until the next window starts (2-31s) and
//     submit exactly one fresh code
//  4. otherwise fail with types.ErrCodeRejectedAfterExhaustion
type Resolver struct {
	gen    Generator
	clock  clockwork.Clock
	logger *logging.Logger
}

// NewResolver creates a resolver. A nil clock means the real clock.
func NewResolver(gen Generator, clock clockwork.Clock, logger *logging.Logger) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resolver{gen: gen, clock: clock, logger: logger}
}

// Resolve drives verify until a code is accepted or candidates run out.
func (r *Resolver) Resolve(ctx context.Context, secret string, verify Verifier) (*Resolution, error) {
	res := &Resolution{}
	now := r.clock.Now()

	current, err := r.gen.Code(secret, now)
	if err != nil {
		return res, err
	}

	submitted := make(map[string]bool, 4)
	try := func(code string) (bool, error) {
		submitted[code] = true
		res.Submitted = append(res.Submitted, code)
		ok, err := verify(ctx, code)
		if err != nil {
			return false, fmt.Errorf("submit code: %w", err)
		}
		if ok {
			res.Code = code
		}
		return ok, nil
	}

	if ok, err := try(current); ok || err != nil {
		return res, err
	}
	r.logger.Debugf("code for current window rejected; trying adjacent windows")

	// Candidates are computed from the same instant as the first code so
	// that t-P, t, t+P refer to one consistent window.
	candidates, err := r.gen.Candidates(secret, now)
	if err != nil {
		return res, err
	}
	for _, code := range candidates {
		if submitted[code] {
			continue
		}
		if ok, err := try(code); ok || err != nil {
			return res, err
		}
	}

	wait := r.windowWait(r.clock.Now())
	r.logger.Infof("all adjacent codes rejected; waiting %s for the next window", wait)
	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case <-r.clock.After(wait):
	}
	res.Slept = wait

	fresh, err := r.gen.Code(secret, r.clock.Now())
	if err != nil {
		return res, err
	}
	if ok, err := try(fresh); ok || err != nil {
		return res, err
	}

	return res, fmt.Errorf("%w after %d submissions", types.ErrCodeRejectedAfterExhaustion, len(res.Submitted))
}

// windowWait is the time until the next window opens, plus one second of
// margin, clamped to [MinWindowWait, MaxWindowWait].
func (r *Resolver) windowWait(now time.Time) time.Duration {
	wait := r.gen.NextWindow(now).Sub(now) + time.Second
	if wait < MinWindowWait {
		wait = MinWindowWait
	}
	if wait > MaxWindowWait {
		wait = MaxWindowWait
	}
	return wait
}
