package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/config"
	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/login"
	"github.com/entrhq/autopilot/pkg/mail"
	"github.com/entrhq/autopilot/pkg/otp"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/queue"
	"github.com/entrhq/autopilot/pkg/report"
	"github.com/entrhq/autopilot/pkg/stages"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/trace"
)

// state is the persistence layer: enough for commands that only touch
// accounts.
type state struct {
	redis    redis.UniversalClient
	store    store.Store
	accounts *store.Accounts
	tasks    *store.Tasks
}

func openState(cfg *config.Config, clock clockwork.Clock) (*state, error) {
	st := &state{}
	if cfg.UsesRedis() {
		st.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var backend store.Store
	switch cfg.Store.Backend {
	case config.BackendFile:
		fs, err := store.NewFileStore(cfg.Store.Path)
		if err != nil {
			st.close()
			return nil, err
		}
		backend = fs
	case config.BackendRedis:
		backend = store.NewRedisStore(st.redis, cfg.Store.Prefix)
	default:
		backend = store.NewMemoryStore()
	}

	identity, err := cfg.Store.Identity()
	if err != nil {
		st.close()
		return nil, err
	}
	if identity != "" {
		sealed, err := store.NewSealedStore(backend, identity, cfg.Store.AgeRecipients, store.KindAccount)
		if err != nil {
			st.close()
			return nil, err
		}
		backend = sealed
	}

	st.store = backend
	st.accounts = store.NewAccounts(backend, clock)
	st.tasks = store.NewTasks(backend, clock)
	return st, nil
}

func (s *state) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

// app is a fully wired runtime: browsers, tracing, mail, the pipeline and
// the task queue on top of the persisted state.
type app struct {
	*state

	cfg        *config.Config
	logger     *logging.Logger
	playwright *browser.PlaywrightConnector
	pool       *browser.Pool
	tracer     *trace.Logger
	traces     trace.Reader
	closeSink  func() error
	mail       mail.Provider
	deliverer  mail.Deliverer
	queue      *queue.Queue
}

//nolint:gocyclo
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	clock := clockwork.NewRealClock()

	st, err := openState(cfg, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a := &app{state: st, cfg: cfg, logger: logger}

	if st.redis != nil {
		if err := st.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err)
		}
	}

	// Browsers
	a.playwright = browser.NewPlaywrightConnector()
	if err := a.playwright.Initialize(); err != nil {
		a.Close()
		return nil, err
	}
	var connector browser.Connector = a.playwright
	if cfg.Browser.Provisioner == config.ProvisionerStatic {
		provisioned := browser.NewProvisionedConnector(
			browser.NewStaticProvisioner(cfg.Browser.Endpoints), a.playwright, logger.With("browser"))
		if err := provisioned.HealthCheck(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("browser provisioner unhealthy: %w", err)
		}
		connector = provisioned
	}
	a.pool = browser.NewPool(connector, cfg.Pool,
		browser.WithPoolLogger(logger.With("pool")),
		browser.WithPoolClock(clock))

	// Tracing
	var sink trace.Sink
	switch cfg.Trace.Sink {
	case config.BackendJSONL:
		jsonl, err := trace.NewJSONLSink(cfg.Trace.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		sink, a.traces, a.closeSink = jsonl, jsonl, jsonl.Close
	case config.BackendRedis:
		rs := trace.NewRedisStreamSink(st.redis, cfg.Store.Prefix, cfg.Trace.StreamMaxLen)
		sink, a.traces = rs, rs
	default:
		mem := trace.NewMemorySink()
		sink, a.traces = mem, mem
	}
	a.tracer = trace.New(sink, cfg.Trace.Config,
		trace.WithLogger(logger.With("trace")),
		trace.WithClock(clock),
		trace.WithRedactor(trace.NewRedactor(cfg.RedactPatterns()...)))

	// Mail
	switch cfg.Mail.Backend {
	case config.BackendRedis:
		inbox := mail.NewRedisInbox(st.redis, cfg.Mail.Prefix, cfg.Mail.Retention)
		a.mail = mail.NewPollingProvider(inbox, clock, cfg.Mail.PollInterval, logger.With("mail"))
		a.deliverer = inbox
	default:
		mp := mail.NewMemoryProvider(clock, cfg.Mail.PollInterval, logger.With("mail"))
		a.mail, a.deliverer = mp, mp
	}

	// Stages
	deps := stages.Deps{Mail: a.mail, Clock: clock}
	if cfg.Site.Validate() == nil {
		resolver := otp.NewResolver(cfg.OTP, clock, logger.With("otp"))
		machine, err := login.New(cfg.Site, cfg.Login,
			login.WithClock(clock),
			login.WithLogger(logger.With("login")),
			login.WithResolver(resolver))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("login: %w", err)
		}
		deps.Login = machine
	}
	registry, err := stages.NewRegistry(deps, cfg.Scripts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("stages: %w", err)
	}

	// Pipeline and queue
	runnerCfg := cfg.Pipeline.Config
	runnerCfg.Headless = cfg.Browser.Headless
	runner := pipeline.NewRunner(registry, st.accounts, runnerCfg,
		pipeline.WithPool(a.pool),
		pipeline.WithTracer(a.tracer),
		pipeline.WithFanOut(fanOutPolicy(cfg.Pipeline.FanOut), pipeline.MailSeats{Provider: a.mail, Domain: cfg.Pipeline.FanOut.Domain}),
		pipeline.WithLogger(logger.With("pipeline")),
		pipeline.WithClock(clock))

	qopts := []queue.Option{queue.WithLogger(logger.With("queue")), queue.WithClock(clock)}
	if cfg.Artifacts.Enabled {
		writer := report.NewWriter(cfg.Artifacts.OutputDir, a.traces)
		qopts = append(qopts, queue.WithOnComplete(writer.Hook(logger.With("report"))))
	}
	a.queue = queue.New(runner, st.tasks, cfg.Queue, qopts...)

	if cfg.Browser.SweepInterval > 0 {
		go a.pool.Sweep(ctx, cfg.Browser.SweepInterval)
	}
	return a, nil
}

func fanOutPolicy(c config.FanOutConfig) pipeline.FanOutPolicy {
	switch c.Policy {
	case config.FanOutFill:
		return pipeline.FillToCapacity()
	case config.FanOutRequire:
		return pipeline.RequireCapacity(c.Require)
	default:
		return pipeline.NoFanOut()
	}
}

// Close tears the runtime down in dependency order. Queued tasks stay
// queued in the store for the next serve to resume.
func (a *app) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		a.tracer.Close()
	}
	if a.closeSink != nil {
		if err := a.closeSink(); err != nil {
			a.logger.Warnf("closing trace sink: %v", err)
		}
	}
	if a.playwright != nil {
		if err := a.playwright.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warnf("stopping playwright: %v", err)
		}
	}
	a.state.close()
}
