package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/atotto/clipboard"
	"github.com/jonboulle/clockwork"
	"golang.org/x/term"

	"github.com/entrhq/autopilot/pkg/api"
	"github.com/entrhq/autopilot/pkg/config"
	"github.com/entrhq/autopilot/pkg/report"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

// importAccounts saves every account in path and returns their ids.
func importAccounts(ctx context.Context, st *state, path string) ([]string, error) {
	accts, err := config.LoadAccounts(path)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(accts))
	for _, acct := range accts {
		if _, err := st.accounts.Save(ctx, acct); err != nil {
			return ids, fmt.Errorf("saving account %s: %w", acct.ID, err)
		}
		ids = append(ids, acct.ID)
	}
	return ids, nil
}

func importCommand(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("import", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: autopilot import [--config file] <accounts.yaml|accounts.jsonc>...")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Store.Backend == config.BackendMemory {
		return errors.New("store.backend is memory: imported accounts would be lost on exit")
	}
	st, err := openState(cfg, clockwork.NewRealClock())
	if err != nil {
		return err
	}
	defer st.close()

	total := 0
	for _, path := range fs.Args() {
		ids, err := importAccounts(ctx, st, path)
		total += len(ids)
		if err != nil {
			return err
		}
	}
	fmt.Printf("imported %d account(s)\n", total)
	return nil
}

func codeCommand(ctx context.Context, args []string) error {
	var configPath, accountID string
	var copyCode bool
	fs := newFlagSet("code", &configPath)
	fs.StringVarP(&accountID, "account", "a", "", "read the secret from this stored account")
	fs.BoolVar(&copyCode, "copy", false, "copy the code to the clipboard")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var secret string
	switch {
	case accountID != "":
		st, err := openState(cfg, clockwork.NewRealClock())
		if err != nil {
			return err
		}
		defer st.close()
		acct, err := st.accounts.Get(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.OTPSecret == "" {
			return fmt.Errorf("account %s has no otp secret", accountID)
		}
		secret = acct.OTPSecret
	case fs.NArg() == 1:
		secret = fs.Arg(0)
	default:
		return errors.New("usage: autopilot code (<secret> | --account id) [--copy]")
	}

	now := time.Now()
	code, err := cfg.OTP.Code(secret, now)
	if err != nil {
		return err
	}
	remaining := cfg.OTP.NextWindow(now).Sub(now).Round(time.Second)
	fmt.Printf("%s (valid for %s)\n", code, remaining)

	if copyCode {
		if err := clipboard.WriteAll(code); err != nil {
			return fmt.Errorf("copy to clipboard: %w", err)
		}
		fmt.Println("copied to clipboard")
	}
	return nil
}

func tokenCommand(_ context.Context, args []string) error {
	var configPath, subject, scope string
	fs := newFlagSet("token", &configPath)
	fs.StringVar(&subject, "subject", currentUser(), "token subject")
	fs.StringVar(&scope, "scope", api.ScopeRead, "token scope: read or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is not configured")
	}
	auth, err := api.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.JWTIssuer, cfg.Server.TokenTTL)
	if err != nil {
		return err
	}
	token, err := auth.Issue(subject, scope)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

func keygenCommand(_ context.Context, args []string) error {
	var output string
	fs := newFlagSet("keygen", nil)
	fs.StringVarP(&output, "output", "o", "", "write the identity to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret, public, err := store.GenerateIdentity()
	if err != nil {
		return err
	}
	content := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n", time.Now().Format(time.RFC3339), public, secret)
	if output == "" {
		fmt.Print(content)
		return nil
	}
	if err := os.WriteFile(output, []byte(content), 0600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Public key: %s\n", public)
	return nil
}

func traceCommand(ctx context.Context, args []string) error {
	var configPath, taskID, accountID, file string
	fs := newFlagSet("trace", &configPath)
	fs.StringVarP(&taskID, "task", "t", "", "task id")
	fs.StringVarP(&accountID, "account", "a", "", "limit to one account")
	fs.StringVarP(&file, "file", "f", "", "read an archived trace (trace.jsonl.zst) instead of the configured sink")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var events []types.TraceEvent
	switch {
	case file != "":
		all, err := report.ReadTrace(file)
		if err != nil {
			return err
		}
		for _, e := range all {
			if accountID == "" || e.AccountID == accountID {
				events = append(events, e)
			}
		}
	case taskID != "":
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		events, err = readTimeline(ctx, cfg, taskID, accountID)
		if err != nil {
			return err
		}
	default:
		return errors.New("usage: autopilot trace (--task id | --file trace.jsonl.zst) [--account id]")
	}

	return printEvents(os.Stdout, events, term.IsTerminal(int(os.Stdout.Fd())))
}

func readTimeline(ctx context.Context, cfg *config.Config, taskID, accountID string) ([]types.TraceEvent, error) {
	switch cfg.Trace.Sink {
	case config.BackendJSONL:
		sink, err := trace.NewJSONLSink(cfg.Trace.Path)
		if err != nil {
			return nil, err
		}
		defer sink.Close()
		return sink.Timeline(ctx, taskID, accountID)
	case config.BackendRedis:
		st, err := openState(cfg, clockwork.NewRealClock())
		if err != nil {
			return nil, err
		}
		defer st.close()
		return trace.NewRedisStreamSink(st.redis, cfg.Store.Prefix, cfg.Trace.StreamMaxLen).Timeline(ctx, taskID, accountID)
	default:
		return nil, errors.New("the memory trace sink keeps nothing between runs: use --file with an archived trace")
	}
}

// printEvents writes one JSON object per line, highlighted on terminals.
func printEvents(w io.Writer, events []types.TraceEvent, color bool) error {
	var b strings.Builder
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	if !color {
		_, err := io.WriteString(w, b.String())
		return err
	}
	return quick.Highlight(w, b.String(), "json", "terminal256", "monokai")
}
