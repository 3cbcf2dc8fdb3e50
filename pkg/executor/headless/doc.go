// Package headless runs one pipeline task to completion without user
// interaction, for cron jobs and CI.
//
// The executor submits the run to the task queue, prints progress while
// workers process the accounts, and prints a summary once the task is
// terminal:
//
//	┌──────────────────────┐     ┌──────────────┐     ┌──────────────┐
//	│  headless.Executor   │────▶│ queue.Queue  │────▶│ pipeline     │
//	│  progress + summary  │◀────│ task record  │◀────│ Runner       │
//	└──────────────────────┘     └──────────────┘     └──────────────┘
//
// Example usage:
//
//	exec, _ := headless.NewExecutor(q, headless.Config{
//	    Stages:  []string{"login", "verify"},
//	    Timeout: 30 * time.Minute,
//	}, headless.NewConsole(os.Stdout, logging.LevelNormal))
//
//	summary, err := exec.Run(ctx, []string{"acct-1", "acct-2"})
//
// A timeout or a cancelled context cancels the task; accounts already in
// progress finish their stages, the ones not yet started are reported as
// cancelled. Run returns an error wrapping ErrRunFailed whenever the task
// is not successful, so callers can map it to a non-zero exit code.
package headless
