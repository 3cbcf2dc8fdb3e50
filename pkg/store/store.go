// Package store persists accounts and tasks as JSON records keyed by
// (kind, id). The account registry and task table are thin typed views over
// a Store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/entrhq/autopilot/pkg/types"
)

// Errors returned by stores.
var (
	ErrNotFound = types.ErrNotFound
	ErrConflict = errors.New("concurrent update conflict")
	ErrEmptyID  = errors.New("record id is empty")
)

// Record kinds.
const (
	KindAccount = "account"
	KindTask    = "task"
)

// PatchFunc receives the current record (nil when absent) and returns the
// replacement. Returning an error aborts the patch.
type PatchFunc func(current []byte) ([]byte, error)

// Store is the configuration/state store collaborator.
type Store interface {
	Get(ctx context.Context, kind, id string) ([]byte, error)
	Put(ctx context.Context, kind, id string, data []byte) error
	// Patch is a select-for-update: fn sees the latest record and its result
	// is written only if no concurrent writer changed the record meanwhile.
	Patch(ctx context.Context, kind, id string, fn PatchFunc) error
	// List returns every record of kind keyed by id.
	List(ctx context.Context, kind string) (map[string][]byte, error)
	Delete(ctx context.Context, kind, id string) error
	Close() error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, kind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return clone(data), nil
}

func (s *MemoryStore) Put(_ context.Context, kind, id string, data []byte) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(kind, id, data)
	return nil
}

func (s *MemoryStore) putLocked(kind, id string, data []byte) {
	bucket, ok := s.data[kind]
	if !ok {
		bucket = make(map[string][]byte)
		s.data[kind] = bucket
	}
	bucket[id] = clone(data)
}

func (s *MemoryStore) Patch(_ context.Context, kind, id string, fn PatchFunc) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[kind][id]
	if ok {
		current = clone(current)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	s.putLocked(kind, id, next)
	return nil
}

func (s *MemoryStore) List(_ context.Context, kind string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.data[kind]))
	for id, data := range s.data[kind] {
		out[id] = clone(data)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[kind][id]; !ok {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	delete(s.data[kind], id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Collection is a typed view over one kind of record.
type Collection[T any] struct {
	store Store
	kind  string
}

// NewCollection returns a typed view of kind.
func NewCollection[T any](s Store, kind string) *Collection[T] {
	return &Collection[T]{store: s, kind: kind}
}

// Get loads one record.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	data, err := c.store.Get(ctx, c.kind, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", c.kind, id, err)
	}
	return &v, nil
}

// Put stores v under id.
func (c *Collection[T]) Put(ctx context.Context, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", c.kind, id, err)
	}
	return c.store.Put(ctx, c.kind, id, data)
}

// Update applies fn to the stored record under select-for-update and
// returns the written value. With create, a missing record starts from the
// zero value; otherwise a missing record is ErrNotFound.
func (c *Collection[T]) Update(ctx context.Context, id string, create bool, fn func(*T) error) (*T, error) {
	var out T
	err := c.store.Patch(ctx, c.kind, id, func(current []byte) ([]byte, error) {
		var v T
		if current == nil {
			if !create {
				return nil, fmt.Errorf("%s %s: %w", c.kind, id, ErrNotFound)
			}
		} else if err := json.Unmarshal(current, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", c.kind, id, err)
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		out = v
		return json.Marshal(v)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns every record ordered by id. Undecodable records are
// skipped and reported in the error.
func (c *Collection[T]) List(ctx context.Context) ([]*T, error) {
	raw, err := c.store.List(ctx, c.kind)
	if err != nil && raw == nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Stores may return the records they could read alongside an error.
	errs := []error{err}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		var v T
		if err := json.Unmarshal(raw[id], &v); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", c.kind, id, err))
			continue
		}
		out = append(out, &v)
	}
	return out, errors.Join(errs...)
}

// Delete removes one record.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.store.Delete(ctx, c.kind, id)
}
