package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrWaitTimeout is returned by WaitFor when the predicate never held.
var ErrWaitTimeout = errors.New("wait timed out")

// Element is a handle on one element of a page.
type Element interface {
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	Text(ctx context.Context) (string, error)
}

// Page is the capability surface business logic uses to drive a remote
// browser tab. Implementations must be safe for sequential use by one
// goroutine; the pool guarantees a page has one user at a time.
type Page interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// Find returns the first visible element matching selector, or nil
	// when there is none. Absence is not an error.
	Find(ctx context.Context, selector string) (Element, error)
	// Click clicks the element matching selector.
	Click(ctx context.Context, selector string) error
	// Fill replaces the value of the input matching selector.
	Fill(ctx context.Context, selector, value string) error
	// URL returns the current location.
	URL() string
	// Content returns the serialized DOM.
	Content(ctx context.Context) (string, error)
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
}

// Predicate is polled by WaitFor.
type Predicate func(ctx context.Context) (bool, error)

// Visible returns a predicate that holds once selector matches a visible
// element.
func Visible(page Page, selector string) Predicate {
	return func(ctx context.Context) (bool, error) {
		el, err := page.Find(ctx, selector)
		if err != nil {
			return false, err
		}
		return el != nil, nil
	}
}

// Gone returns a predicate that holds once selector no longer matches.
func Gone(page Page, selector string) Predicate {
	return func(ctx context.Context) (bool, error) {
		el, err := page.Find(ctx, selector)
		if err != nil {
			return false, err
		}
		return el == nil, nil
	}
}

// WaitFor polls pred every interval until it holds, it errors, ctx ends, or
// timeout elapses. The predicate is always evaluated at least once and is
// evaluated one last time at the deadline, so the call never returns
// ErrWaitTimeout before timeout has passed on clock.
func WaitFor(ctx context.Context, clock clockwork.Clock, pred Predicate, timeout, interval time.Duration) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := clock.Now().Add(timeout)

	for {
		ok, err := pred(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
		}
		step := interval
		if remaining < step {
			step = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(step):
		}
	}
}
