package main

import (
	"context"
	"fmt"
	"net"

	"github.com/entrhq/autopilot/pkg/api"
)

func serveCommand(ctx context.Context, args []string) error {
	var configPath, addr string
	fs := newFlagSet("serve", &configPath)
	fs.StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if cfg.Server.JWTSecret == "" && !isLoopback(addr) {
		return fmt.Errorf("refusing to serve the unauthenticated API on %s: set server.jwt_secret or listen on a loopback address", addr)
	}

	logger := newLogger(cfg, "serve")
	defer logger.Close()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	resumed, err := a.queue.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume tasks: %w", err)
	}
	if resumed > 0 {
		logger.Infof("resumed %d unfinished task(s)", resumed)
	}

	opts := []api.Option{
		api.WithLogger(logger.With("api")),
		api.WithDefaultStages(cfg.Pipeline.Stages, cfg.Pipeline.Optional),
		api.WithInboundToken(cfg.Server.InboundToken),
	}
	if cfg.Server.JWTSecret != "" {
		auth, err := api.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.JWTIssuer, cfg.Server.TokenTTL)
		if err != nil {
			return fmt.Errorf("server.jwt_secret: %w", err)
		}
		opts = append(opts, api.WithAuth(auth))
	} else {
		logger.Warnf("server.jwt_secret is empty: the API is unauthenticated on %s", addr)
	}

	server := api.New(api.Deps{
		Tasks:    a.queue,
		Accounts: a.accounts,
		Traces:   a.traces,
		Pool:     a.pool,
		Mail:     a.deliverer,
	}, opts...)

	fmt.Printf("autopilot v%s listening on %s\n", version, addr)
	return server.ListenAndServe(ctx, addr)
}

// isLoopback reports whether addr only accepts local connections. An empty
// host listens on every interface.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
