// Package browsertest provides in-memory implementations of the browser
// interfaces for tests.
package browsertest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/entrhq/autopilot/pkg/browser"
)

// Page is a scriptable browser.Page. Selectors are matched literally; a
// comma-separated selector list matches when any member is visible.
type Page struct {
	mu      sync.Mutex
	url     string
	content string
	visible map[string]bool
	texts   map[string]string
	values  map[string]string
	clicks  []string
	fills   []Fill
	visited []string

	// OnClick runs after the selector is clicked.
	OnClick map[string]func(p *Page)
	// OnFill runs after the selector is filled.
	OnFill map[string]func(p *Page, value string)
	// OnNavigate runs after every navigation.
	OnNavigate func(p *Page, url string)

	// ScreenshotErr, when set, fails Screenshot.
	ScreenshotErr error
}

// Fill records one Fill call.
type Fill struct {
	Selector string
	Value    string
}

// NewPage returns an empty page at about:blank.
func NewPage() *Page {
	return &Page{
		url:     "about:blank",
		visible: make(map[string]bool),
		texts:   make(map[string]string),
		values:  make(map[string]string),
		OnClick: make(map[string]func(p *Page)),
		OnFill:  make(map[string]func(p *Page, value string)),
	}
}

// Show makes selectors visible.
func (p *Page) Show(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.visible[s] = true
	}
}

// Hide makes selectors invisible.
func (p *Page) Hide(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		delete(p.visible, s)
	}
}

// SetText shows selector with the given text.
func (p *Page) SetText(selector, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible[selector] = true
	p.texts[selector] = text
}

// SetContent replaces the serialized DOM.
func (p *Page) SetContent(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = html
}

// SetURL moves the page without recording a navigation.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// Value returns the last value filled into selector.
func (p *Page) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[selector]
}

// Clicks returns every clicked selector in order.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// ClickCount returns how often selector was clicked.
func (p *Page) ClickCount(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clicks {
		if c == selector {
			n++
		}
	}
	return n
}

// Fills returns every Fill call in order.
func (p *Page) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fill(nil), p.fills...)
}

// FillsOf returns the values filled into selector in order.
func (p *Page) FillsOf(selector string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, f := range p.fills {
		if f.Selector == selector {
			out = append(out, f.Value)
		}
	}
	return out
}

// Visited returns every navigated URL in order.
func (p *Page) Visited() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...)
}

func (p *Page) match(selector string) (string, bool) {
	if p.visible[selector] {
		return selector, true
	}
	if !strings.Contains(selector, ",") {
		return "", false
	}
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if p.visible[part] {
			return part, true
		}
	}
	return "", false
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.visited = append(p.visited, url)
	hook := p.OnNavigate
	p.mu.Unlock()

	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *Page) Find(ctx context.Context, selector string) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	matched, ok := p.match(selector)
	if !ok {
		return nil, nil
	}
	return &element{page: p, selector: matched}, nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	matched, ok := p.match(selector)
	if !ok {
		p.mu.Unlock()
		return errors.New("element not visible: " + selector)
	}
	p.clicks = append(p.clicks, matched)
	hook := p.OnClick[matched]
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	matched, ok := p.match(selector)
	if !ok {
		p.mu.Unlock()
		return errors.New("element not visible: " + selector)
	}
	p.values[matched] = value
	p.fills = append(p.fills, Fill{Selector: matched, Value: value})
	hook := p.OnFill[matched]
	p.mu.Unlock()

	if hook != nil {
		hook(p, value)
	}
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	return []byte("\x89PNG fake"), nil
}

type element struct {
	page     *Page
	selector string
}

func (e *element) Click(ctx context.Context) error {
	return e.page.Click(ctx, e.selector)
}

func (e *element) Fill(ctx context.Context, value string) error {
	return e.page.Fill(ctx, e.selector, value)
}

func (e *element) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.page.texts[e.selector], nil
}

// Conn is a fake browser.Conn.
type Conn struct {
	page     browser.Page
	endpoint string
	closeErr error
	closed   atomic.Bool
}

func (c *Conn) Page() browser.Page { return c.page }
func (c *Conn) Endpoint() string   { return c.endpoint }

func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.closeErr
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Connector hands out fake connections and counts them.
type Connector struct {
	mu       sync.Mutex
	connects int
	conns    []*Conn

	// NewPage builds the page for a resource; defaults to NewPage.
	NewPage func(resourceID string) browser.Page
	// Err fails every Connect when set.
	Err error
	// CloseErr is returned by every connection's Close.
	CloseErr error
	// Gate, when set, blocks Connect until it is closed or receives.
	Gate chan struct{}
}

// Connect implements browser.Connector.
func (c *Connector) Connect(ctx context.Context, resourceID string, info browser.ConnectInfo) (browser.Conn, error) {
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Err != nil {
		return nil, c.Err
	}
	c.connects++
	var page browser.Page
	if c.NewPage != nil {
		page = c.NewPage(resourceID)
	} else {
		page = NewPage()
	}
	endpoint := info.Endpoint
	if endpoint == "" {
		endpoint = "fake://" + resourceID
	}
	conn := &Conn{page: page, endpoint: endpoint, closeErr: c.CloseErr}
	c.conns = append(c.conns, conn)
	return conn, nil
}

// Connects returns how many connections were opened.
func (c *Connector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Conns returns every connection opened so far.
func (c *Connector) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conn(nil), c.conns...)
}

// ClosedCount returns how many connections have been closed.
func (c *Connector) ClosedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, conn := range c.conns {
		if conn.Closed() {
			n++
		}
	}
	return n
}
