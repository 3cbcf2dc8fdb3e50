package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/entrhq/autopilot/pkg/types"
)

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []types.TraceEvent
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, event types.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns every event in append order.
func (s *MemorySink) Events() []types.TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.TraceEvent(nil), s.events...)
}

func (s *MemorySink) Timeline(_ context.Context, taskID, accountID string) ([]types.TraceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.events, taskID, accountID), nil
}

// MultiSink writes to every sink; one failing sink does not stop the
// others.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, event types.TraceEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Timeline reads from the first sink that can rebuild timelines.
func (m MultiSink) Timeline(ctx context.Context, taskID, accountID string) ([]types.TraceEvent, error) {
	for _, s := range m {
		if r, ok := s.(Reader); ok {
			return r.Timeline(ctx, taskID, accountID)
		}
	}
	return nil, errors.New("no trace sink supports reading")
}

// JSONLSink appends events as JSON lines to one file.
type JSONLSink struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewJSONLSink opens (or creates) path for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &JSONLSink{path: path, file: f}, nil
}

// Path returns the trace file path.
func (s *JSONLSink) Path() string { return s.path }

func (s *JSONLSink) Write(_ context.Context, event types.TraceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("trace file closed")
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append trace event: %w", err)
	}
	return nil
}

// Timeline scans the file for events of taskID, optionally limited to
// accountID, ordered by timestamp. Lines that fail to parse are skipped.
func (s *JSONLSink) Timeline(ctx context.Context, taskID, accountID string) ([]types.TraceEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	var events []types.TraceEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var event types.TraceEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if matches(event, taskID, accountID) {
			events = append(events, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace file: %w", err)
	}
	sortByTime(events)
	return events, nil
}

// Close closes the file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func matches(event types.TraceEvent, taskID, accountID string) bool {
	if taskID != "" && event.TaskID != taskID {
		return false
	}
	return accountID == "" || event.AccountID == accountID
}

func filter(events []types.TraceEvent, taskID, accountID string) []types.TraceEvent {
	var out []types.TraceEvent
	for _, e := range events {
		if matches(e, taskID, accountID) {
			out = append(out, e)
		}
	}
	sortByTime(out)
	return out
}

func sortByTime(events []types.TraceEvent) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
}
