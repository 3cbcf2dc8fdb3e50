// Package main provides the autopilot command: it runs account pipelines
// from the terminal, serves the status API and carries the small operator
// tools (OTP codes, tokens, keys, trace viewing).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/entrhq/autopilot/pkg/config"
	"github.com/entrhq/autopilot/pkg/logging"
)

const (
	version = "0.1.0"

	defaultConfigFile = "autopilot.yaml"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"run", "run stages for accounts and print a summary", runCommand},
	{"serve", "serve the status API and process submitted tasks", serveCommand},
	{"import", "import accounts from a YAML or JSONC file", importCommand},
	{"code", "print the current OTP code for a secret or account", codeCommand},
	{"token", "issue an API token", tokenCommand},
	{"keygen", "generate an age identity for the sealed store", keygenCommand},
	{"trace", "print a task trace", traceCommand},
	{"version", "print the version", func(context.Context, []string) error {
		fmt.Printf("autopilot v%s\n", version)
		return nil
	}},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		printUsage()
		return
	}
	if name == "--version" {
		name = "version"
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		printUsage()
		os.Exit(2)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
	}()

	err := cmd.run(ctx, os.Args[2:])
	cancel()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "autopilot - browser account automation\n\n")
	fmt.Fprintf(os.Stderr, "Usage: autopilot <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  # Log in two accounts with the stages from autopilot.yaml\n")
	fmt.Fprintf(os.Stderr, "  autopilot run --account acct-1 --account acct-2\n\n")
	fmt.Fprintf(os.Stderr, "  # Import accounts and run a custom stage list with a live monitor\n")
	fmt.Fprintf(os.Stderr, "  autopilot run --accounts-file accounts.yaml --stages login,verify --tui\n\n")
	fmt.Fprintf(os.Stderr, "  # Serve the API\n")
	fmt.Fprintf(os.Stderr, "  autopilot serve --config autopilot.yaml\n\n")
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("autopilot "+name, pflag.ContinueOnError)
	if configPath != nil {
		fs.StringVarP(configPath, "config", "c", "", "configuration file (default: ./"+defaultConfigFile+" when present)")
	}
	return fs
}

// loadConfig reads path, falling back to ./autopilot.yaml and then to the
// defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			cfg := config.DefaultConfig()
			return cfg, cfg.Validate()
		}
		path = defaultConfigFile
	}
	return config.Load(path)
}

// newLogger opens the run log file at the configured verbosity.
func newLogger(cfg *config.Config, component string) *logging.Logger {
	logging.SetLogDirectory(cfg.Logging.Dir)
	// On error NewLogger already returns a stderr fallback
	logger, _ := logging.NewLogger(component)
	if level, err := logging.ParseLevel(cfg.Logging.Verbosity); err == nil {
		logger.SetLevel(level)
	}
	return logger
}
