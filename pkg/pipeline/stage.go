// Package pipeline runs ordered stages for a batch of accounts, persisting
// per-stage status so that a later run resumes where the last one stopped.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

// Result is the payload a stage reports. A stage that returns an error is
// recorded as failed whatever Result says.
type Result struct {
	Success bool
	Message string
	Data    map[string]any
}

// OK returns a successful result carrying data.
func OK(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Stage is one named unit of work in an account's pipeline. Stages have
// external side effects, so Run is never called again once it succeeded for
// an account.
type Stage interface {
	Name() string
	Run(ctx context.Context, sc *StageContext) (Result, error)
}

// Applicable is implemented by stages that only make sense for some
// accounts, such as parent-only or child-only stages.
type Applicable interface {
	AppliesTo(account *types.Account) bool
}

type funcStage struct {
	name string
	fn   func(ctx context.Context, sc *StageContext) (Result, error)
}

func (s funcStage) Name() string { return s.name }

func (s funcStage) Run(ctx context.Context, sc *StageContext) (Result, error) {
	return s.fn(ctx, sc)
}

// Func adapts a function to Stage.
func Func(name string, fn func(ctx context.Context, sc *StageContext) (Result, error)) Stage {
	return funcStage{name: name, fn: fn}
}

// Registry maps stage names to implementations.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry creates a registry holding stages.
func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{stages: make(map[string]Stage)}
	for _, s := range stages {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a stage. Names are unique.
func (r *Registry) Register(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.Name()
	if name == "" {
		return fmt.Errorf("stage name is empty")
	}
	if _, exists := r.stages[name]; exists {
		return fmt.Errorf("stage %s already registered", name)
	}
	r.stages[name] = s
	return nil
}

// Get returns the stage registered under name.
func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the stages for names in order, failing on the first
// unknown name.
func (r *Registry) Resolve(names []string) ([]Stage, error) {
	out := make([]Stage, 0, len(names))
	for _, name := range names {
		s, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q (registered: %v)", name, r.Names())
		}
		out = append(out, s)
	}
	return out, nil
}

// StageContext is what a stage sees of the run. It belongs to one account
// and is used by one goroutine at a time.
type StageContext struct {
	TaskID string
	// Account is reloaded from the registry before every stage.
	Account  *types.Account
	Accounts *store.Accounts
	Trace    *trace.Scope
	Logger   *logging.Logger
	// Results holds the data of stages that succeeded for this account,
	// in this run or an earlier one.
	Results map[string]map[string]any

	pool    *browser.Pool
	connect browser.ConnectInfo
	lease   *browser.Lease
}

// Session returns the account's browser lease, acquiring it on first use.
// Later stages of the same account reuse the lease, and with it the
// signed-in page.
func (sc *StageContext) Session(ctx context.Context) (*browser.Lease, error) {
	if sc.lease != nil {
		return sc.lease, nil
	}
	if sc.pool == nil {
		return nil, fmt.Errorf("%w: no session pool configured", types.ErrExternalStepFailed)
	}
	lease := sc.pool.Acquire(ctx, sc.Account.ResourceID(), sc.connect, sc.holder(), false)
	if lease == nil {
		return nil, fmt.Errorf("%w: browser session for %s", types.ErrResourceUnavailable, sc.Account.ResourceID())
	}
	sc.lease = lease
	return lease, nil
}

// holder is the pool owner token: a lease is exclusive to one account of
// one task, even when accounts share a browser profile.
func (sc *StageContext) holder() string {
	return sc.TaskID + "/" + sc.Account.ID
}

// Page is a shortcut for the page of Session.
func (sc *StageContext) Page(ctx context.Context) (browser.Page, error) {
	lease, err := sc.Session(ctx)
	if err != nil {
		return nil, err
	}
	return lease.Page(), nil
}

// DropSession closes the current lease so the next Session call connects
// afresh.
func (sc *StageContext) DropSession() {
	sc.release(true)
}

func (sc *StageContext) release(close bool) {
	if sc.lease == nil || sc.pool == nil {
		return
	}
	sc.pool.Release(sc.lease.ResourceID, close)
	sc.lease = nil
}

// NewStageContext builds a context for calling a stage outside a Runner,
// for example from tests of a stage library.
func NewStageContext(taskID string, account *types.Account, accounts *store.Accounts, pool *browser.Pool) *StageContext {
	return &StageContext{
		TaskID:   taskID,
		Account:  account,
		Accounts: accounts,
		Logger:   logging.Nop(),
		Results:  make(map[string]map[string]any),
		pool:     pool,
		connect:  browser.ConnectInfo{ProfileName: account.ProfileName, Proxy: account.Proxy},
	}
}

// Close releases the lease, keeping it warm in the pool.
func (sc *StageContext) Close() {
	sc.release(false)
}
