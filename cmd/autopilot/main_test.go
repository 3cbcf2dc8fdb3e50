package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autopilot/pkg/config"
	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/types"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
}

func TestLoadConfig_PicksUpLocalFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultConfigFile), []byte("logging:\n  verbosity: debug\n"), 0600))

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Verbosity)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback(config.DefaultConfig().Server.Addr))
	assert.True(t, isLoopback("localhost:8080"))
	assert.True(t, isLoopback("[::1]:8080"))

	assert.False(t, isLoopback(":8080"))
	assert.False(t, isLoopback("0.0.0.0:8080"))
	assert.False(t, isLoopback("10.0.0.5:8080"))
	assert.False(t, isLoopback("example.com:8080"))
	assert.False(t, isLoopback("8080"))
}

func TestServe_RefusesOpenAPIOnAllInterfaces(t *testing.T) {
	t.Chdir(t.TempDir())

	err := serveCommand(context.Background(), []string{"--addr", ":0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.jwt_secret")
}

func TestApplyRunFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.Stages = []string{"login"}
	cfg.Pipeline.Timeout = time.Minute

	applyRunFlags(cfg, &runFlags{stages: []string{"login", "verify"}, timeout: 2 * time.Minute})
	assert.Equal(t, []string{"login", "verify"}, cfg.Pipeline.Stages)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.Timeout)

	applyRunFlags(cfg, &runFlags{})
	assert.Equal(t, []string{"login", "verify"}, cfg.Pipeline.Stages)
}

func TestConsoleLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Verbosity = "debug"

	assert.Equal(t, logging.LevelQuiet, consoleLevel(cfg, &runFlags{quiet: true}))
	assert.Equal(t, logging.LevelVerbose, consoleLevel(cfg, &runFlags{verbose: true}))
	assert.Equal(t, logging.LevelDebug, consoleLevel(cfg, &runFlags{}))
}

func TestFanOutPolicy(t *testing.T) {
	parent := &types.Account{ID: "p", SeatCapacity: 3, Children: []string{"c1"}}

	n, err := fanOutPolicy(config.FanOutConfig{Policy: config.FanOutFill}).Seats(parent)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = fanOutPolicy(config.FanOutConfig{Policy: config.FanOutNone}).Seats(parent)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`accounts:
  - id: a1
    email: a1@example.com
    password: pw
  - id: a2
    email: a2@example.com
    password: pw
`), 0600))

	st, err := openState(config.DefaultConfig(), clockwork.NewFakeClock())
	require.NoError(t, err)
	defer st.close()

	ids, err := importAccounts(context.Background(), st, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids)

	acct, err := st.accounts.Get(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, "a2@example.com", acct.Email)
}

func TestOpenState_FileBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = config.BackendFile
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.json")

	st, err := openState(cfg, clockwork.NewFakeClock())
	require.NoError(t, err)
	defer st.close()
	assert.Nil(t, st.redis)

	_, err = st.accounts.Save(context.Background(), &types.Account{ID: "a1", Email: "a1@example.com"})
	require.NoError(t, err)
}

func TestOpenState_BadIdentity(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.AgeIdentity = "AGE-SECRET-KEY-1NOTAKEY"

	_, err := openState(cfg, clockwork.NewFakeClock())
	assert.Error(t, err)
}

func TestKeygen_WritesIdentityFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.txt")
	require.NoError(t, keygenCommand(context.Background(), []string{"--output", path}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "AGE-SECRET-KEY-1")

	cfg := config.DefaultConfig()
	cfg.Store.AgeIdentity = path
	st, err := openState(cfg, clockwork.NewFakeClock())
	require.NoError(t, err)
	st.close()
}

func TestPrintEvents_Plain(t *testing.T) {
	events := []types.TraceEvent{
		{TaskID: "t1", AccountID: "a1", Step: "login", Message: "signed in"},
		{TaskID: "t1", AccountID: "a2", Step: "login", Message: "blocked"},
	}
	var buf bytes.Buffer
	require.NoError(t, printEvents(&buf, events, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"message":"signed in"`)
	assert.Contains(t, lines[1], `"account_id":"a2"`)
}
