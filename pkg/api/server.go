// Package api serves the operator HTTP interface: task submission and
// status polling, traces, pool statistics and the inbound mail webhook.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/logging"
	"github.com/entrhq/autopilot/pkg/mail"
	"github.com/entrhq/autopilot/pkg/queue"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

// Tasks is the queue surface the API drives. *queue.Queue implements it.
type Tasks interface {
	Submit(ctx context.Context, req queue.Request) (string, error)
	Status(ctx context.Context, id string) (*types.Task, error)
	List(ctx context.Context) ([]*types.Task, error)
	Cancel(ctx context.Context, id string) error
	Stats() queue.Stats
}

// Accounts lists account records. *store.Accounts implements it.
type Accounts interface {
	Get(ctx context.Context, id string) (*types.Account, error)
	List(ctx context.Context) ([]*types.Account, error)
}

// PoolInspector exposes pool bookkeeping. *browser.Pool implements it.
type PoolInspector interface {
	Stats() browser.PoolStats
	Leases() []browser.LeaseInfo
}

// Deps are the components behind the routes. Nil components disable their
// routes.
type Deps struct {
	Tasks    Tasks
	Accounts Accounts
	Traces   trace.Reader
	Pool     PoolInspector
	Mail     mail.Deliverer
}

// Option configures a Server.
type Option func(*Server)

// WithAuth protects every /api route with operator tokens.
func WithAuth(a *Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithInboundToken sets the shared secret the inbound mail webhook expects
// in the X-Inbound-Token header. Without one the webhook is not routed.
func WithInboundToken(token string) Option {
	return func(s *Server) { s.inboundToken = token }
}

// WithDefaultStages sets the stages used when a submission names none.
func WithDefaultStages(stages, optional []string) Option {
	return func(s *Server) {
		s.defaultStages = stages
		s.defaultOptional = optional
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server is the operator API.
type Server struct {
	deps            Deps
	auth            *Authenticator
	inboundToken    string
	defaultStages   []string
	defaultOptional []string
	logger          *logging.Logger
	engine          *gin.Engine
}

// New builds the router.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, logger: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)

	read := func(c *gin.Context) { c.Next() }
	admin := read
	if s.auth != nil {
		read = s.auth.Require(ScopeRead)
		admin = s.auth.Require(ScopeAdmin)
	}

	v1 := r.Group("/api")
	if s.deps.Tasks != nil {
		v1.GET("/tasks", read, s.listTasks)
		v1.POST("/tasks", admin, s.submitTask)
		v1.GET("/tasks/:id", read, s.getTask)
		v1.POST("/tasks/:id/cancel", admin, s.cancelTask)
	}
	if s.deps.Traces != nil {
		v1.GET("/tasks/:id/trace", read, s.taskTrace)
	}
	if s.deps.Accounts != nil {
		v1.GET("/accounts", read, s.listAccounts)
		v1.GET("/accounts/:id", read, s.getAccount)
	}
	if s.deps.Pool != nil {
		v1.GET("/pool", read, s.pool)
	}
	if s.deps.Mail != nil && s.inboundToken != "" {
		v1.POST("/mail/inbound", s.inboundMail)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Verbosef("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("api listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	out := gin.H{"status": "ok"}
	if s.deps.Tasks != nil {
		out["queue"] = s.deps.Tasks.Stats()
	}
	if s.deps.Pool != nil {
		out["pool"] = s.deps.Pool.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) inboundMail(c *gin.Context) {
	token := c.GetHeader("X-Inbound-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.inboundToken)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid inbound token"})
		return
	}
	var msg mail.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to is required"})
		return
	}
	known, err := s.knownAddress(c, msg.To)
	if err != nil {
		writeError(c, err)
		return
	}
	if !known {
		writeError(c, fmt.Errorf("%s: %w", msg.To, mail.ErrNoMailbox))
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	if err := s.deps.Mail.Deliver(c.Request.Context(), msg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "delivered"})
}
