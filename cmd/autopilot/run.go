package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/entrhq/autopilot/pkg/config"
	"github.com/entrhq/autopilot/pkg/executor/headless"
	"github.com/entrhq/autopilot/pkg/executor/tui"
	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/queue"
	"github.com/entrhq/autopilot/pkg/report"
	"github.com/entrhq/autopilot/pkg/types"
)

const monitorCancelGrace = 30 * time.Second

type runFlags struct {
	config       string
	accounts     []string
	accountsFile string
	stages       []string
	optional     []string
	timeout      time.Duration
	output       string
	monitor      bool
	quiet        bool
	verbose      bool
}

func runCommand(ctx context.Context, args []string) error {
	var f runFlags
	fs := newFlagSet("run", &f.config)
	fs.StringSliceVarP(&f.accounts, "account", "a", nil, "account id to run (repeatable)")
	fs.StringVar(&f.accountsFile, "accounts-file", "", "import accounts from this file first; runs all of them when no --account is given")
	fs.StringSliceVar(&f.stages, "stages", nil, "stages to run (default: pipeline.stages)")
	fs.StringSliceVar(&f.optional, "optional", nil, "stages whose failure does not block later ones (default: pipeline.optional)")
	fs.DurationVar(&f.timeout, "timeout", 0, "cancel the run after this long (default: pipeline.timeout)")
	fs.StringVarP(&f.output, "output", "o", "", "write the run summary as JSON to this file")
	fs.BoolVar(&f.monitor, "tui", false, "show an interactive progress monitor")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "print only warnings, errors and the summary")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "print every account in the summary")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(f.config)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyRunFlags(cfg, &f)

	logger := newLogger(cfg, "run")
	defer logger.Close()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if f.accountsFile != "" {
		ids, err := importAccounts(ctx, a.state, f.accountsFile)
		if err != nil {
			return err
		}
		if len(f.accounts) == 0 {
			f.accounts = ids
		}
	}
	if len(f.accounts) == 0 {
		return fmt.Errorf("no accounts given: use --account or --accounts-file")
	}

	if f.monitor {
		return runMonitored(ctx, a, f.accounts)
	}

	level := consoleLevel(cfg, &f)
	console := headless.NewConsole(os.Stdout, level)
	executor, err := headless.NewExecutor(a.queue, headless.Config{
		Stages:     cfg.Pipeline.Stages,
		Optional:   cfg.Pipeline.Optional,
		Timeout:    cfg.Pipeline.Timeout,
		OutputFile: f.output,
	}, console)
	if err != nil {
		return fmt.Errorf("invalid run configuration: %w", err)
	}

	_, err = executor.Run(ctx, f.accounts)
	return err
}

func applyRunFlags(cfg *config.Config, f *runFlags) {
	if len(f.stages) > 0 {
		cfg.Pipeline.Stages = f.stages
	}
	if len(f.optional) > 0 {
		cfg.Pipeline.Optional = f.optional
	}
	if f.timeout > 0 {
		cfg.Pipeline.Timeout = f.timeout
	}
}

func consoleLevel(cfg *config.Config, f *runFlags) logging.Level {
	switch {
	case f.quiet:
		return logging.LevelQuiet
	case f.verbose:
		return logging.LevelVerbose
	}
	level, err := logging.ParseLevel(cfg.Logging.Verbosity)
	if err != nil {
		return logging.LevelNormal
	}
	return level
}

// runMonitored submits the task and hands the terminal to the monitor.
func runMonitored(ctx context.Context, a *app, accounts []string) error {
	if len(a.cfg.Pipeline.Stages) == 0 {
		return fmt.Errorf("no stages to run: set pipeline.stages or --stages")
	}
	if a.cfg.Pipeline.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Pipeline.Timeout)
		defer cancel()
	}

	id, err := a.queue.Submit(ctx, queue.Request{
		Accounts: accounts,
		Stages:   a.cfg.Pipeline.Stages,
		Optional: a.cfg.Pipeline.Optional,
	})
	if err != nil {
		return err
	}

	task, err := tui.NewExecutor(a.queue, 0).Run(ctx, id)
	if err != nil {
		// Detached or interrupted: stop the task before the runtime closes
		_ = a.queue.Cancel(context.Background(), id)
		waitCtx, cancel := context.WithTimeout(context.Background(), monitorCancelGrace)
		defer cancel()
		if final, waitErr := a.queue.Wait(waitCtx, id); waitErr == nil {
			task = final
		}
		if task == nil {
			return err
		}
	}
	summary := report.FromTask(task)
	headless.NewConsole(os.Stdout, logging.LevelQuiet).Summary(summary)
	if summary.Status != types.TaskSuccess {
		return fmt.Errorf("%w: %s", headless.ErrRunFailed, summary.Status)
	}
	return nil
}
