// Package config loads the autopilot YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/login"
	"github.com/entrhq/autopilot/pkg/otp"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/queue"
	"github.com/entrhq/autopilot/pkg/stages"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

// Config is the complete autopilot configuration.
type Config struct {
	Browser   BrowserConfig       `yaml:"browser" json:"browser"`
	Pool      browser.PoolConfig  `yaml:"pool" json:"pool"`
	Login     login.Config        `yaml:"login" json:"login"`
	Site      login.Locators      `yaml:"site" json:"site"`
	OTP       otp.Generator       `yaml:"otp" json:"otp"`
	Pipeline  PipelineConfig      `yaml:"pipeline" json:"pipeline"`
	Scripts   []stages.ScriptSpec `yaml:"scripts" json:"scripts"`
	Queue     queue.Config        `yaml:"queue" json:"queue"`
	Trace     TraceConfig         `yaml:"trace" json:"trace"`
	Store     StoreConfig         `yaml:"store" json:"store"`
	Mail      MailConfig          `yaml:"mail" json:"mail"`
	Redis     RedisConfig         `yaml:"redis" json:"redis"`
	Server    ServerConfig        `yaml:"server" json:"server"`
	Artifacts ArtifactConfig      `yaml:"artifacts" json:"artifacts"`
	Logging   LoggingConfig       `yaml:"logging" json:"logging"`
}

// BrowserConfig selects how browsers are reached.
type BrowserConfig struct {
	// Provisioner is "local" (launch Chromium through Playwright) or
	// "static" (attach to the fixed CDP endpoints below).
	Provisioner string `yaml:"provisioner" json:"provisioner"`
	// Endpoints maps profile names to CDP endpoints; "*" matches any.
	Endpoints map[string]string `yaml:"endpoints" json:"endpoints"`
	Headless  bool              `yaml:"headless" json:"headless"`
	// SweepInterval is how often idle leases are expired.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// PipelineConfig is the runner configuration plus the default stage set.
type PipelineConfig struct {
	pipeline.Config `yaml:",inline"`
	Stages          []string      `yaml:"stages" json:"stages"`
	Optional        []string      `yaml:"optional" json:"optional"`
	FanOut          FanOutConfig  `yaml:"fan_out" json:"fan_out"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
}

// FanOutConfig selects the seat creation policy.
type FanOutConfig struct {
	// Policy is "none", "fill" or "require".
	Policy string `yaml:"policy" json:"policy"`
	// Require is the seat count for the "require" policy.
	Require int `yaml:"require" json:"require"`
	// Domain is the mail domain new seats get their mailbox in.
	Domain string `yaml:"domain" json:"domain"`
}

// TraceConfig selects the trace sink.
type TraceConfig struct {
	trace.Config `yaml:",inline"`
	// Sink is "memory", "jsonl" or "redis".
	Sink string `yaml:"sink" json:"sink"`
	// Path is the JSONL file for the jsonl sink.
	Path string `yaml:"path" json:"path"`
	// StreamMaxLen caps each redis stream.
	StreamMaxLen int64 `yaml:"stream_max_len" json:"stream_max_len"`
	// Redact lists extra regular expressions whose matches are scrubbed.
	Redact []string `yaml:"redact" json:"redact"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	// Backend is "memory", "file" or "redis".
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
	Prefix  string `yaml:"prefix" json:"prefix"`
	// AgeIdentity is an AGE-SECRET-KEY-1... string or a path to a file
	// holding one. When set, account records are encrypted at rest.
	AgeIdentity   string   `yaml:"age_identity" json:"age_identity"`
	AgeRecipients []string `yaml:"age_recipients" json:"age_recipients"`
}

// MailConfig selects the mail provider.
type MailConfig struct {
	// Backend is "memory" or "redis".
	Backend      string        `yaml:"backend" json:"backend"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	Retention    time.Duration `yaml:"retention" json:"retention"`
	Prefix       string        `yaml:"prefix" json:"prefix"`
}

// RedisConfig is shared by every redis-backed component.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// JWTSecret signs operator tokens (HS256). An empty secret disables
	// authentication, which serve only allows on a loopback address.
	JWTSecret string        `yaml:"jwt_secret" json:"jwt_secret"`
	JWTIssuer string        `yaml:"jwt_issuer" json:"jwt_issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl" json:"token_ttl"`
	// InboundToken guards the inbound mail webhook.
	InboundToken string `yaml:"inbound_token" json:"inbound_token"`
}

// ArtifactConfig defines artifact generation.
type ArtifactConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// LoggingConfig defines logging configuration.
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`
	// Dir overrides ~/.autopilot/logs.
	Dir string `yaml:"dir" json:"dir"`
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendJSONL  = "jsonl"

	ProvisionerLocal  = "local"
	ProvisionerStatic = "static"

	FanOutNone    = "none"
	FanOutFill    = "fill"
	FanOutRequire = "require"
)

// DefaultConfig returns a configuration suitable for local use: memory
// backends, a locally launched headless browser and the default bounds of
// every component.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			Provisioner:   ProvisionerLocal,
			Headless:      true,
			SweepInterval: time.Minute,
		},
		Pool:  browser.DefaultPoolConfig(),
		Login: login.DefaultConfig(),
		Pipeline: PipelineConfig{
			Config: pipeline.Config{
				Concurrency:  pipeline.DefaultConcurrency,
				FanOutBefore: types.StageInvite,
				Headless:     true,
			},
			FanOut: FanOutConfig{Policy: FanOutNone},
		},
		Queue: queue.DefaultConfig(),
		Trace: TraceConfig{
			Config: trace.Config{Async: true, BufferSize: 1024},
			Sink:   BackendMemory,
		},
		Store: StoreConfig{Backend: BackendMemory, Prefix: "autopilot"},
		Mail: MailConfig{
			Backend:      BackendMemory,
			PollInterval: 5 * time.Second,
			Retention:    24 * time.Hour,
			Prefix:       "autopilot",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8080",
			JWTIssuer: "autopilot",
			TokenTTL:  12 * time.Hour,
		},
		Artifacts: ArtifactConfig{
			Enabled:   true,
			OutputDir: ".autopilot/artifacts",
		},
		Logging: LoggingConfig{Verbosity: "normal"},
	}
}

// Load reads path over the defaults and validates the result. Environment
// variables in the file (${VAR}) are expanded first so secrets can stay
// out of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration and fills derived defaults.
func (c *Config) Validate() error {
	switch c.Browser.Provisioner {
	case ProvisionerLocal:
	case ProvisionerStatic:
		if len(c.Browser.Endpoints) == 0 {
			return fmt.Errorf("browser.endpoints is required for the static provisioner")
		}
	default:
		return fmt.Errorf("invalid browser provisioner: %s (must be 'local' or 'static')", c.Browser.Provisioner)
	}

	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive")
	}
	if c.Pool.MaxAge < 0 || c.Pool.IdleTimeout < 0 {
		return fmt.Errorf("pool durations cannot be negative")
	}
	if c.Pipeline.Concurrency < 0 {
		return fmt.Errorf("pipeline.concurrency cannot be negative")
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers cannot be negative")
	}
	if c.Queue.Retry.MaxAttempts < 0 {
		return fmt.Errorf("queue.retry.max_attempts cannot be negative")
	}

	switch c.Pipeline.FanOut.Policy {
	case "", FanOutNone:
		c.Pipeline.FanOut.Policy = FanOutNone
	case FanOutFill:
	case FanOutRequire:
		if c.Pipeline.FanOut.Require <= 0 {
			return fmt.Errorf("pipeline.fan_out.require must be positive for the require policy")
		}
	default:
		return fmt.Errorf("invalid fan-out policy: %s (must be 'none', 'fill' or 'require')", c.Pipeline.FanOut.Policy)
	}

	known := map[string]bool{types.StageLogin: true}
	for i, s := range c.Scripts {
		if s.Name == "" {
			return fmt.Errorf("scripts[%d]: name is required", i)
		}
		if known[s.Name] {
			return fmt.Errorf("scripts[%d]: duplicate stage %s", i, s.Name)
		}
		known[s.Name] = true
	}
	for _, name := range append(append([]string(nil), c.Pipeline.Stages...), c.Pipeline.Optional...) {
		if !known[name] {
			return fmt.Errorf("pipeline stage %s has no script", name)
		}
	}
	if err := c.OTP.Validate(); err != nil {
		return fmt.Errorf("otp: %w", err)
	}
	if c.usesLogin() {
		if err := c.Site.Validate(); err != nil {
			return fmt.Errorf("site: %w", err)
		}
	}

	if err := oneOf("store.backend", c.Store.Backend, BackendMemory, BackendFile, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("mail.backend", c.Mail.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("trace.sink", c.Trace.Sink, BackendMemory, BackendJSONL, BackendRedis); err != nil {
		return err
	}
	if c.Trace.Sink == BackendJSONL && c.Trace.Path == "" {
		return fmt.Errorf("trace.path is required for the jsonl sink")
	}
	for _, expr := range c.Trace.Redact {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("trace.redact: invalid pattern %q: %w", expr, err)
		}
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a redis backend is selected")
	}
	if c.Mail.PollInterval <= 0 {
		return fmt.Errorf("mail.poll_interval must be positive")
	}

	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}
	if _, err := logging.ParseLevel(c.Logging.Verbosity); err != nil {
		return err
	}
	return nil
}

func (c *Config) usesLogin() bool {
	for _, s := range c.Pipeline.Stages {
		if s == types.StageLogin {
			return true
		}
	}
	return false
}

// UsesRedis reports whether any component is redis-backed.
func (c *Config) UsesRedis() bool {
	return c.Store.Backend == BackendRedis || c.Mail.Backend == BackendRedis || c.Trace.Sink == BackendRedis
}

// RedactPatterns compiles the extra redaction patterns.
func (c *Config) RedactPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(c.Trace.Redact))
	for _, expr := range c.Trace.Redact {
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

// Identity returns the configured age identity, reading it from a file
// when the setting is a path.
func (s StoreConfig) Identity() (string, error) {
	v := s.AgeIdentity
	if v == "" || strings.HasPrefix(v, ageKeyPrefix) {
		return v, nil
	}
	data, err := os.ReadFile(v)
	if err != nil {
		return "", fmt.Errorf("failed to read age identity: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, ageKeyPrefix) {
			return line, nil
		}
	}
	return "", fmt.Errorf("no AGE-SECRET-KEY in %s", v)
}

const ageKeyPrefix = "AGE-SECRET-KEY-"

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of %v)", field, value, allowed)
}
