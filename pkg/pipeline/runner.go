package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

// DefaultConcurrency is the number of accounts processed at once.
const DefaultConcurrency = 4

// Config holds runner settings.
type Config struct {
	// Concurrency bounds the accounts in flight.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// FanOutBefore names the stage before which parents grow their seats.
	FanOutBefore string `yaml:"fan_out_before" json:"fan_out_before"`
	// Headless applies to locally launched browsers.
	Headless bool `yaml:"headless" json:"headless"`
}

// ProgressFunc receives (current, total, label) after every finished
// account. total grows when fan-out adds seats.
type ProgressFunc func(current, total int, label string)

// Request is one pipeline invocation.
type Request struct {
	TaskID   string
	Accounts []string
	Stages   []string
	// Optional stages may fail without stopping the account.
	Optional []string
	Progress ProgressFunc
}

// Report is the outcome of Run. Results are per account: a failed account
// never changes another account's result.
type Report struct {
	TaskID  string                `json:"task_id"`
	Success bool                  `json:"success"`
	Results []types.AccountResult `json:"results"`
	Error   string                `json:"error,omitempty"`
}

// RetryableAccounts returns the accounts whose failure a later attempt may
// fix, in report order.
func (r *Report) RetryableAccounts() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Retryable() {
			ids = append(ids, res.AccountID)
		}
	}
	return ids
}

// Counts returns the number of succeeded, failed and cancelled accounts.
func (r *Report) Counts() (succeeded, failed, cancelled int) {
	for _, res := range r.Results {
		switch res.Status {
		case types.AccountSuccess:
			succeeded++
		case types.AccountCancelled:
			cancelled++
		default:
			failed++
		}
	}
	return succeeded, failed, cancelled
}

// Option configures a Runner.
type Option func(*Runner)

// WithPool gives stages access to browser sessions.
func WithPool(pool *browser.Pool) Option {
	return func(r *Runner) { r.pool = pool }
}

// WithTracer sets the trace logger.
func WithTracer(t *trace.Logger) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithFanOut enables seat creation before Config.FanOutBefore.
func WithFanOut(policy FanOutPolicy, seats SeatFactory) Option {
	return func(r *Runner) {
		r.fanOut = policy
		r.seats = seats
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock sets the clock used for stage timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Runner executes pipelines. It is safe for concurrent use.
type Runner struct {
	registry *Registry
	accounts *store.Accounts
	cfg      Config
	pool     *browser.Pool
	tracer   *trace.Logger
	fanOut   FanOutPolicy
	seats    SeatFactory
	logger   *logging.Logger
	clock    clockwork.Clock
}

// NewRunner creates a runner over registry and accounts.
func NewRunner(registry *Registry, accounts *store.Accounts, cfg Config, opts ...Option) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.FanOutBefore == "" {
		cfg.FanOutBefore = types.StageInvite
	}
	r := &Runner{
		registry: registry,
		accounts: accounts,
		cfg:      cfg,
		tracer:   trace.Nop(),
		logger:   logging.Nop(),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes req. Stage failures are reported per account in the report;
// the error is reserved for failures of the run itself (unknown stage,
// unknown account, a panic outside any stage).
//
// ctx is only checked between accounts. An account that has started runs
// all its stages to completion; accounts not started when ctx ends are
// reported as cancelled.
func (r *Runner) Run(ctx context.Context, req Request) (rep *Report, err error) {
	rep = &Report{TaskID: req.TaskID}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pipeline panic: %v", p)
			r.logger.Errorf("task %s: %v\n%s", req.TaskID, err, debug.Stack())
		}
		if err != nil {
			rep.Success = false
			rep.Error = err.Error()
			r.tracer.Scope(req.TaskID, "").Error(context.WithoutCancel(ctx), "pipeline", "failed", "%v", err)
		}
	}()

	stages, err := r.registry.Resolve(req.Stages)
	if err != nil {
		return rep, err
	}
	ids := dedupe(req.Accounts)
	if _, err := r.accounts.Resolve(ctx, ids); err != nil {
		return rep, err
	}
	optional := make(map[string]bool, len(req.Optional))
	for _, name := range req.Optional {
		optional[name] = true
	}

	r.logger.Infof("task %s: %d account(s), stages %v", req.TaskID, len(ids), req.Stages)
	p := &progress{fn: req.Progress, total: len(ids)}
	for wave := ids; len(wave) > 0; {
		results, children := r.runWave(ctx, req.TaskID, wave, stages, optional, p)
		rep.Results = append(rep.Results, results...)
		wave = children
	}

	rep.Success = true
	for _, res := range rep.Results {
		if res.Status != types.AccountSuccess {
			rep.Success = false
		}
	}
	s, f, c := rep.Counts()
	r.logger.Infof("task %s finished: %d succeeded, %d failed, %d cancelled", req.TaskID, s, f, c)
	return rep, nil
}

// runWave processes ids with bounded concurrency and returns their results
// in input order together with the seats created on the way.
func (r *Runner) runWave(ctx context.Context, taskID string, ids []string, stages []Stage, optional map[string]bool, p *progress) ([]types.AccountResult, []string) {
	results := make([]types.AccountResult, len(ids))
	var (
		mu       sync.Mutex
		children []string
	)

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for i, id := range ids {
		if ctx.Err() != nil {
			results[i] = cancelled(id)
			p.step(id + ": cancelled")
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = cancelled(id)
				p.step(id + ": cancelled")
				return nil
			}
			res, created := r.runAccount(ctx, taskID, id, stages, optional, p)
			results[i] = res
			if len(created) > 0 {
				mu.Lock()
				children = append(children, created...)
				mu.Unlock()
			}
			p.step(id + ": " + string(res.Status))
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(children)
	return results, children
}

func cancelled(id string) types.AccountResult {
	return types.AccountResult{
		AccountID: id,
		Status:    types.AccountCancelled,
		Message:   "cancelled before start",
		Class:     types.ClassCancelled,
	}
}

func (r *Runner) runAccount(ctx context.Context, taskID, id string, stages []Stage, optional map[string]bool, p *progress) (res types.AccountResult, created []string) {
	res = types.AccountResult{AccountID: id, Status: types.AccountSuccess}

	acct, err := r.accounts.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		res.Status = types.AccountFailed
		res.Message = err.Error()
		res.Class = types.Classify(err)
		return res, nil
	}

	scope := r.tracer.Scope(taskID, id, acct.Password, acct.OTPSecret, acct.MailPassword)
	// Started accounts run to completion.
	actx := trace.WithScope(context.WithoutCancel(ctx), scope)

	sc := &StageContext{
		TaskID:   taskID,
		Account:  acct,
		Accounts: r.accounts,
		Trace:    scope,
		Logger:   r.logger.With(id),
		Results:  make(map[string]map[string]any),
		pool:     r.pool,
		connect: browser.ConnectInfo{
			ProfileName: acct.ProfileName,
			Proxy:       acct.Proxy,
			Headless:    r.cfg.Headless,
		},
	}
	defer sc.Close()
	for name, rec := range acct.Stages {
		if rec.Status == types.StageStatusSuccess {
			sc.Results[name] = rec.Result
		}
	}

	scope.Info(actx, "pipeline", "start", "running %d stage(s)", len(stages))
	blocked := ""
	for _, st := range stages {
		name := st.Name()
		if blocked != "" {
			res.Stages = append(res.Stages, types.StageOutcome{
				Stage:   name,
				Status:  types.StageStatusSkipped,
				Skipped: true,
				Message: "skipped after " + blocked + " failed",
			})
			continue
		}

		if cur, err := r.accounts.Get(actx, id); err == nil {
			sc.Account = cur
		}

		var before func(context.Context) error
		if name == r.cfg.FanOutBefore && r.fanOut != nil && r.seats != nil && sc.Account.IsParent() {
			before = func(ctx context.Context) error {
				ids, err := r.growSeats(ctx, sc, p)
				created = append(created, ids...)
				return err
			}
		}

		out := r.runStage(actx, st, sc, before)
		res.Stages = append(res.Stages, out)
		if out.Status == types.StageStatusFailed && !optional[name] {
			blocked = name
			res.Status = types.AccountFailed
			res.Message = name + ": " + out.Message
			res.Class = out.Class
		}
	}

	scope.Info(actx, "pipeline", "done", "account %s", res.Status)
	return res, created
}

// runStage runs one stage unless it already succeeded, persisting running
// and terminal status around it.
func (r *Runner) runStage(ctx context.Context, st Stage, sc *StageContext, before func(context.Context) error) types.StageOutcome {
	name := st.Name()
	acct := sc.Account
	out := types.StageOutcome{Stage: name}

	if ap, ok := st.(Applicable); ok && !ap.AppliesTo(acct) {
		out.Status = types.StageStatusSkipped
		out.Skipped = true
		out.Message = "not applicable"
		return out
	}

	prev := acct.Stage(name)
	if prev.Status == types.StageStatusSuccess {
		sc.Trace.Debug(ctx, name, "skip", "already succeeded")
		out.Status = types.StageStatusSuccess
		out.Skipped = true
		out.Message = "already succeeded"
		out.Result = prev.Result
		return out
	}

	start := r.clock.Now()
	rec := types.StageRecord{
		Status:    types.StageStatusRunning,
		StartedAt: start.UTC(),
		Attempts:  prev.Attempts + 1,
		TaskID:    sc.TaskID,
	}
	cur, err := r.accounts.SetStage(ctx, acct.ID, name, rec)
	if err != nil {
		out.Status = types.StageStatusFailed
		out.Message = fmt.Sprintf("record stage start: %v", err)
		out.Class = types.Classify(err)
		return out
	}
	sc.Account = cur
	sc.Trace.Info(ctx, name, "start", "attempt %d", rec.Attempts)

	var result Result
	if before != nil {
		err = before(ctx)
	}
	if err == nil {
		result, err = r.execute(ctx, st, sc)
	}
	if err == nil && !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "stage reported failure"
		}
		err = fmt.Errorf("%w: %s", types.ErrExternalStepFailed, msg)
	}

	rec.CompletedAt = r.clock.Now().UTC()
	rec.Result = result.Data
	if err != nil {
		rec.Status = types.StageStatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = types.StageStatusSuccess
	}
	if cur, perr := r.accounts.SetStage(ctx, acct.ID, name, rec); perr != nil {
		r.logger.Errorf("account %s: failed to record %s as %s: %v", acct.ID, name, rec.Status, perr)
		if err == nil {
			err = fmt.Errorf("record stage result: %w", perr)
			rec.Status = types.StageStatusFailed
		}
	} else {
		sc.Account = cur
	}

	out.Status = rec.Status
	out.Result = result.Data
	out.Duration = r.clock.Since(start)
	if err != nil {
		out.Message = err.Error()
		out.Class = types.Classify(err)
		sc.Trace.Error(ctx, name, "failed", "%v", err)
		return out
	}
	out.Message = result.Message
	sc.Results[name] = result.Data
	sc.Trace.Info(ctx, name, "success", "%s", result.Message)
	return out
}

// execute calls the stage, turning a panic into an error.
func (r *Runner) execute(ctx context.Context, st Stage, sc *StageContext) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorf("stage %s panicked for %s: %v\n%s", st.Name(), sc.Account.ID, p, debug.Stack())
			res = Result{}
			err = fmt.Errorf("stage %s panicked: %v", st.Name(), p)
		}
	}()
	return st.Run(ctx, sc)
}

// growSeats creates the seats the fan-out policy asks for and links them
// to the parent.
func (r *Runner) growSeats(ctx context.Context, sc *StageContext, p *progress) ([]string, error) {
	parent := sc.Account
	n, err := r.fanOut.Seats(parent)
	if err != nil {
		return nil, err
	}
	var ids []string
	defer func() {
		if len(ids) > 0 {
			p.add(len(ids), fmt.Sprintf("%s: %d new seat(s)", parent.ID, len(ids)))
		}
	}()
	for i := 0; i < n; i++ {
		seat, err := r.seats.NewSeat(ctx, parent)
		if err != nil {
			return ids, fmt.Errorf("create seat %d of %d: %w", i+1, n, err)
		}
		saved, err := r.accounts.AddChild(ctx, parent.ID, seat)
		if err != nil {
			return ids, fmt.Errorf("store seat %s: %w", seat.ID, err)
		}
		ids = append(ids, saved.ID)
		sc.Trace.Info(ctx, "fan_out", "seat", "created seat %s", saved.ID)
	}
	if cur, err := r.accounts.Get(ctx, parent.ID); err == nil {
		sc.Account = cur
	}
	return ids, nil
}

type progress struct {
	mu      sync.Mutex
	fn      ProgressFunc
	current int
	total   int
}

func (p *progress) step(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current++
	if p.fn != nil {
		p.fn(p.current, p.total, label)
	}
}

func (p *progress) add(n int, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total += n
	if p.fn != nil {
		p.fn(p.current, p.total, label)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
