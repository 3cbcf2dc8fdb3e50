// Package trace records the automation timeline: an append-only, correlated
// stream of events per task and account. Recording is best-effort; a broken
// sink never fails the automation that is being traced.
package trace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/types"
)

// Sink stores trace events.
type Sink interface {
	Write(ctx context.Context, event types.TraceEvent) error
}

// Reader rebuilds a per-account timeline.
type Reader interface {
	Timeline(ctx context.Context, taskID, accountID string) ([]types.TraceEvent, error)
}

// Config controls dispatching.
type Config struct {
	// Async hands events to a background writer.
	Async bool `yaml:"async"`
	// BufferSize is the async queue length.
	BufferSize int `yaml:"buffer_size"`
	// DropIfFull drops events instead of blocking when the queue is full.
	DropIfFull bool `yaml:"drop_if_full"`
	// ScreenshotDir receives screenshots referenced by events.
	ScreenshotDir string `yaml:"screenshot_dir"`
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the diagnostics logger used to report sink failures.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Logger) {
		if logger != nil {
			l.log = logger
		}
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Logger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithRedactor replaces the default redactor.
func WithRedactor(r *Redactor) Option {
	return func(l *Logger) {
		if r != nil {
			l.redactor = r
		}
	}
}

// Logger appends events to a sink.
type Logger struct {
	sink     Sink
	cfg      Config
	redactor *Redactor
	log      *logging.Logger
	clock    clockwork.Clock

	ch        chan types.TraceEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New creates a trace logger writing to sink. A nil sink discards events.
func New(sink Sink, cfg Config, opts ...Option) *Logger {
	if sink == nil {
		sink = discard{}
	}
	l := &Logger{
		sink:     sink,
		cfg:      cfg,
		redactor: NewRedactor(),
		log:      logging.Nop(),
		clock:    clockwork.NewRealClock(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.Async {
		if cfg.BufferSize <= 0 {
			cfg.BufferSize = 256
		}
		l.ch = make(chan types.TraceEvent, cfg.BufferSize)
		l.wg.Add(1)
		go l.run()
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(nil, Config{})
}

func (l *Logger) run() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.ch:
			l.write(event)
		case <-l.done:
			for {
				select {
				case event := <-l.ch:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

// Append records event. It fills the id, timestamp and level when unset and
// redacts secrets from the message and URL. Append never fails: sink errors
// and panics are counted and logged.
func (l *Logger) Append(ctx context.Context, event types.TraceEvent) {
	if l == nil || l.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock.Now().UTC()
	}
	if event.Level == "" {
		event.Level = types.TraceInfo
	}
	event.Message = l.redactor.Redact(event.Message)
	event.URL = l.redactor.Redact(event.URL)

	if l.ch == nil {
		l.write(event)
		return
	}

	if l.cfg.DropIfFull {
		select {
		case l.ch <- event:
		case <-l.done:
		default:
			l.dropped.Add(1)
		}
		return
	}

	select {
	case l.ch <- event:
	case <-ctx.Done():
		l.dropped.Add(1)
	case <-l.done:
	}
}

func (l *Logger) write(event types.TraceEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.failed.Add(1)
			l.log.Errorf("trace sink panicked: %v", r)
		}
	}()

	if err := l.sink.Write(context.Background(), event); err != nil {
		l.failed.Add(1)
		l.log.Warnf("trace sink write failed (task %s, account %s): %v", event.TaskID, event.AccountID, err)
		return
	}
	l.written.Add(1)
}

// SaveScreenshot stores png under ScreenshotDir and returns its path. It
// returns an empty path when no directory is configured.
func (l *Logger) SaveScreenshot(taskID, accountID, step string, png []byte) (string, error) {
	if l == nil || l.cfg.ScreenshotDir == "" || len(png) == 0 {
		return "", nil
	}
	dir := filepath.Join(l.cfg.ScreenshotDir, taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%d.png", accountID, step, l.clock.Now().UnixMilli())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, png, 0600); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}

// Close flushes queued events and stops the writer.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
		l.wg.Wait()
	})
}

// Written returns the number of events stored.
func (l *Logger) Written() uint64 { return l.written.Load() }

// Dropped returns the number of events dropped because the queue was full.
func (l *Logger) Dropped() uint64 { return l.dropped.Load() }

// Failed returns the number of events the sink rejected.
func (l *Logger) Failed() uint64 { return l.failed.Load() }

// Redactor returns the redactor applied to every event.
func (l *Logger) Redactor() *Redactor { return l.redactor }

type discard struct{}

func (discard) Write(context.Context, types.TraceEvent) error { return nil }
