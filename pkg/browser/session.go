package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Session is a live connection to one remote browser: the Playwright
// browser, its context and the page autopilot drives.
type Session struct {
	// Browser is the Playwright browser instance
	Browser playwright.Browser

	// Context is the browser context (isolated cookie jar)
	Context playwright.BrowserContext

	// Tab is the active page
	Tab playwright.Page

	// endpoint is the CDP endpoint the session is attached to, empty for
	// locally launched browsers
	endpoint string

	// owned reports whether closing the session should close the context;
	// contexts adopted from a remote browser belong to its profile
	owned bool
}

// Endpoint returns the CDP endpoint of the session.
func (s *Session) Endpoint() string {
	return s.endpoint
}

// Page returns the Page capability surface for this session.
func (s *Session) Page() Page {
	return &playwrightPage{page: s.Tab}
}

// Close releases the Playwright resources. All steps run even when an
// earlier one fails; the first error is returned.
func (s *Session) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if s.owned {
		if s.Tab != nil {
			keep(s.Tab.Close())
		}
		if s.Context != nil {
			keep(s.Context.Close())
		}
	}
	if s.Browser != nil {
		keep(s.Browser.Close())
	}
	return first
}

// playwrightPage adapts playwright.Page to Page. Playwright calls take
// millisecond timeouts rather than contexts, so the remaining time of ctx is
// passed as the call timeout.
type playwrightPage struct {
	page playwright.Page
}

// timeoutFrom converts a context deadline into a Playwright timeout in
// milliseconds; nil leaves the page default in place.
func timeoutFrom(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return &ms
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	waitUntil := playwright.WaitUntilStateDomcontentloaded
	opts := playwright.PageGotoOptions{
		WaitUntil: waitUntil,
		Timeout:   timeoutFrom(ctx),
	}
	if _, err := p.page.Goto(url, opts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *playwrightPage) Find(ctx context.Context, selector string) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handle, err := p.page.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	if handle == nil {
		return nil, nil
	}
	visible, err := handle.IsVisible()
	if err != nil {
		return nil, fmt.Errorf("visibility check failed: %w", err)
	}
	if !visible {
		return nil, nil
	}
	return &playwrightElement{handle: handle}, nil
}

func (p *playwrightPage) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.page.Click(selector, playwright.PageClickOptions{Timeout: timeoutFrom(ctx)}); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (p *playwrightPage) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.page.Fill(selector, value, playwright.PageFillOptions{Timeout: timeoutFrom(ctx)}); err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.Content()
}

func (p *playwrightPage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.page.Screenshot(playwright.PageScreenshotOptions{Timeout: timeoutFrom(ctx)})
}

type playwrightElement struct {
	handle playwright.ElementHandle
}

func (e *playwrightElement) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.handle.Click(playwright.ElementHandleClickOptions{Timeout: timeoutFrom(ctx)})
}

func (e *playwrightElement) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.handle.Fill(value, playwright.ElementHandleFillOptions{Timeout: timeoutFrom(ctx)})
}

func (e *playwrightElement) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.handle.TextContent()
}
