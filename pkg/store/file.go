package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileVersion = "1.0"

// FileStore keeps every record in one JSON file, rewritten atomically on
// each mutation. It suits single-process use from the CLI.
type FileStore struct {
	path string
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

type fileLayout struct {
	Version string                                `json:"version"`
	Kinds   map[string]map[string]json.RawMessage `json:"kinds"`
}

// NewFileStore opens the store at path. If path is empty, defaults to
// ~/.autopilot/state.json.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".autopilot", "state.json")
	}

	s := &FileStore{
		path: path,
		data: make(map[string]map[string]json.RawMessage),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", path, err)
	}
	return s, nil
}

// Path returns the file path of the store.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer file.Close()

	var layout fileLayout
	if err := json.NewDecoder(file).Decode(&layout); err != nil {
		return fmt.Errorf("failed to decode state file: %w", err)
	}
	if layout.Kinds != nil {
		s.data = layout.Kinds
	}
	return nil
}

// saveLocked writes the file through a temp file and rename.
func (s *FileStore) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(fileLayout{Version: fileVersion, Kinds: s.data}); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, kind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return clone(data), nil
}

func (s *FileStore) Put(_ context.Context, kind, id string, data []byte) error {
	if id == "" {
		return ErrEmptyID
	}
	if !json.Valid(data) {
		return fmt.Errorf("%s %s: record is not valid JSON", kind, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(kind, id, data)
}

func (s *FileStore) writeLocked(kind, id string, data []byte) error {
	bucket, ok := s.data[kind]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		s.data[kind] = bucket
	}
	prev, had := bucket[id]
	bucket[id] = clone(data)
	if err := s.saveLocked(); err != nil {
		if had {
			bucket[id] = prev
		} else {
			delete(bucket, id)
		}
		return err
	}
	return nil
}

func (s *FileStore) Patch(_ context.Context, kind, id string, fn PatchFunc) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[kind][id]
	var in []byte
	if ok {
		in = clone(current)
	}
	next, err := fn(in)
	if err != nil {
		return err
	}
	if !json.Valid(next) {
		return fmt.Errorf("%s %s: record is not valid JSON", kind, id)
	}
	return s.writeLocked(kind, id, next)
}

func (s *FileStore) List(_ context.Context, kind string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.data[kind]))
	for id, data := range s.data[kind] {
		out[id] = clone(data)
	}
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.data[kind][id]
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	delete(s.data[kind], id)
	if err := s.saveLocked(); err != nil {
		s.data[kind][id] = prev
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
