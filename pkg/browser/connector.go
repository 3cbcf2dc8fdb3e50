package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// ConnectInfo tells a Connector how to reach the browser for one resource.
type ConnectInfo struct {
	// Endpoint is a CDP endpoint (ws:// or http://host:port). When empty the
	// connector provisions or launches a browser itself.
	Endpoint string `json:"endpoint,omitempty"`
	// ProfileName names the provisioner profile backing the resource.
	ProfileName string `json:"profile_name,omitempty"`
	// Proxy is an optional proxy URL for the profile.
	Proxy string `json:"proxy,omitempty"`
	// Headless applies to locally launched browsers only.
	Headless bool `json:"headless,omitempty"`
}

// Conn is a live connection owned by a Lease.
type Conn interface {
	Page() Page
	Endpoint() string
	Close() error
}

// Connector opens connections for the pool. Connect performs network I/O
// and is always called outside the pool's lock.
type Connector interface {
	Connect(ctx context.Context, resourceID string, info ConnectInfo) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, resourceID string, info ConnectInfo) (Conn, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, resourceID string, info ConnectInfo) (Conn, error) {
	return f(ctx, resourceID, info)
}

// Default values for locally launched browsers.
const (
	DefaultTimeout        = 30000.0 // 30 seconds in milliseconds
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
)

// PlaywrightConnector attaches to remote browsers over CDP, or launches a
// local Chromium when ConnectInfo has no endpoint.
type PlaywrightConnector struct {
	mu          sync.Mutex
	playwright  *playwright.Playwright
	initialized bool
	timeout     float64
}

// NewPlaywrightConnector creates a connector. Initialize must be called
// before the first Connect.
func NewPlaywrightConnector() *PlaywrightConnector {
	return &PlaywrightConnector{timeout: DefaultTimeout}
}

// Initialize installs the driver if needed and starts Playwright.
func (c *PlaywrightConnector) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	// Driver output would interleave with the CLI summary
	opts := &playwright.RunOptions{
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
		SkipInstallBrowsers: true,
	}

	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	c.playwright = pw
	c.initialized = true
	return nil
}

// Connect implements Connector.
func (c *PlaywrightConnector) Connect(ctx context.Context, resourceID string, info ConnectInfo) (Conn, error) {
	c.mu.Lock()
	pw := c.playwright
	ready := c.initialized
	c.mu.Unlock()

	if !ready {
		return nil, errors.New("playwright connector not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		session *Session
		err     error
	)
	if info.Endpoint != "" {
		session, err = c.attach(ctx, pw, info.Endpoint)
	} else {
		session, err = c.launch(pw, info)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (c *PlaywrightConnector) attach(ctx context.Context, pw *playwright.Playwright, endpoint string) (*Session, error) {
	opts := playwright.BrowserTypeConnectOverCDPOptions{Timeout: timeoutFrom(ctx)}
	browser, err := pw.Chromium.ConnectOverCDP(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect over CDP to %s: %w", endpoint, err)
	}

	// Rented profiles come with their own context and tabs; adopt them so
	// cookies from previous runs are kept.
	session := &Session{Browser: browser, endpoint: endpoint}
	if contexts := browser.Contexts(); len(contexts) > 0 {
		session.Context = contexts[0]
	} else {
		bctx, err := browser.NewContext()
		if err != nil {
			browser.Close()
			return nil, fmt.Errorf("failed to create context: %w", err)
		}
		session.Context = bctx
		session.owned = true
	}

	if pages := session.Context.Pages(); len(pages) > 0 {
		session.Tab = pages[0]
	} else {
		page, err := session.Context.NewPage()
		if err != nil {
			browser.Close()
			return nil, fmt.Errorf("failed to create page: %w", err)
		}
		session.Tab = page
	}
	session.Tab.SetDefaultTimeout(c.timeout)
	return session, nil
}

func (c *PlaywrightConnector) launch(pw *playwright.Playwright, info ConnectInfo) (*Session, error) {
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &info.Headless,
	}
	if info.Proxy != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: info.Proxy}
	}
	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(c.timeout)

	return &Session{
		Browser: browser,
		Context: bctx,
		Tab:     page,
		owned:   true,
	}, nil
}

// Shutdown stops Playwright.
func (c *PlaywrightConnector) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized && c.playwright != nil {
		if err := c.playwright.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		c.initialized = false
	}
	return nil
}
