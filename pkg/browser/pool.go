package browser

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/entrhq/autopilot/pkg/logging"
)

// Default pool settings.
const (
	DefaultMaxSize     = 10
	DefaultMaxAge      = 5 * time.Minute
	DefaultIdleTimeout = 30 * time.Minute
)

// PoolConfig bounds the pool.
type PoolConfig struct {
	// MaxSize is the global number of live connections, including connects
	// in flight.
	MaxSize int `yaml:"max_size" json:"max_size"`
	// MaxAge is how long a lease must have been idle before it may be
	// evicted to make room when the pool is full.
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
	// IdleTimeout is how long an idle lease stays warm before
	// CleanupExpired closes it. Zero disables expiry.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultPoolConfig returns the default pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:     DefaultMaxSize,
		MaxAge:      DefaultMaxAge,
		IdleTimeout: DefaultIdleTimeout,
	}
}

// Lease is a pooled connection to the browser of one resource. ResourceID,
// Endpoint and CreatedAt never change; the remaining state is owned by the
// pool and can be read through Pool.Leases.
type Lease struct {
	ResourceID string
	Endpoint   string
	CreatedAt  time.Time

	conn Conn

	// guarded by Pool.mu
	busy       bool
	holder     string
	acquiredAt time.Time
	lastUsedAt time.Time
}

// Page returns the page of the leased browser.
func (l *Lease) Page() Page {
	return l.conn.Page()
}

// LeaseInfo is a point-in-time copy of a lease's bookkeeping.
type LeaseInfo struct {
	ResourceID string    `json:"resource_id"`
	Endpoint   string    `json:"endpoint,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	AcquiredAt time.Time `json:"acquired_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Busy       bool      `json:"busy"`
	Holder     string    `json:"holder,omitempty"`
}

// PoolStats summarises the pool.
type PoolStats struct {
	Size            int   `json:"size"`
	Busy            int   `json:"busy"`
	Idle            int   `json:"idle"`
	Connecting      int   `json:"connecting"`
	Capacity        int   `json:"capacity"`
	Connects        int64 `json:"connects"`
	Reuses          int64 `json:"reuses"`
	Evictions       int64 `json:"evictions"`
	Expired         int64 `json:"expired"`
	ConnectFailures int64 `json:"connect_failures"`
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger *logging.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPoolClock sets the clock used for lease ages.
func WithPoolClock(clock clockwork.Clock) PoolOption {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// Pool shares a bounded number of browser connections between workers,
// keyed by resource id. At most one holder owns a busy resource at a time.
//
// mu guards only the maps and counters. Connector.Connect and Conn.Close run
// outside of it, so a slow remote browser never blocks unrelated acquires.
type Pool struct {
	connector Connector
	cfg       PoolConfig
	logger    *logging.Logger
	clock     clockwork.Clock

	mu      sync.Mutex
	leases  map[string]*Lease
	pending map[string]string // resource id -> holder of an in-flight connect
	closed  bool

	connects        int64
	reuses          int64
	evictions       int64
	expired         int64
	connectFailures int64
}

// NewPool creates a pool. A non-positive MaxSize falls back to
// DefaultMaxSize.
func NewPool(connector Connector, cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	p := &Pool{
		connector: connector,
		cfg:       cfg,
		logger:    logging.Nop(),
		clock:     clockwork.NewRealClock(),
		leases:    make(map[string]*Lease),
		pending:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a lease on resourceID for holder, or nil when the
// resource is temporarily unavailable: busy under another holder,
// connecting, pool full, or the connection failed. A nil result is not an
// error; callers retry later.
//
// holder identifies one exclusive user of the lease (the pipeline passes
// task/account). Only the current holder may re-acquire a busy lease.
//
// An idle lease that has not expired is reused without a new connection.
// forceNew discards any existing idle lease and connects afresh.
func (p *Pool) Acquire(ctx context.Context, resourceID string, info ConnectInfo, holder string, forceNew bool) *Lease {
	now := p.clock.Now()
	var stale []*Lease

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if owner, ok := p.pending[resourceID]; ok {
		p.mu.Unlock()
		p.logger.Debugf("resource %s is connecting for %s", resourceID, owner)
		return nil
	}
	if l, ok := p.leases[resourceID]; ok {
		if l.busy && l.holder != holder {
			p.mu.Unlock()
			p.logger.Debugf("resource %s is busy under %s", resourceID, l.holder)
			return nil
		}
		if !forceNew && !p.expiredLocked(l, now) {
			l.busy = true
			l.holder = holder
			l.acquiredAt = now
			l.lastUsedAt = now
			p.reuses++
			p.mu.Unlock()
			return l
		}
		delete(p.leases, resourceID)
		stale = append(stale, l)
	}
	if p.sizeLocked() >= p.cfg.MaxSize {
		if victim := p.evictLocked(now); victim != nil {
			stale = append(stale, victim)
		}
	}
	if p.sizeLocked() >= p.cfg.MaxSize {
		p.mu.Unlock()
		p.closeAll(stale, "replaced")
		p.logger.Warnf("pool full (%d); refusing resource %s", p.cfg.MaxSize, resourceID)
		return nil
	}
	p.pending[resourceID] = holder
	p.mu.Unlock()

	p.closeAll(stale, "replaced")

	conn, err := p.connector.Connect(ctx, resourceID, info)

	p.mu.Lock()
	delete(p.pending, resourceID)
	if err != nil {
		p.connectFailures++
		p.mu.Unlock()
		p.logger.Errorf("connect to resource %s failed: %v", resourceID, err)
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		p.closeConn(resourceID, conn)
		return nil
	}
	connected := p.clock.Now()
	lease := &Lease{
		ResourceID: resourceID,
		Endpoint:   conn.Endpoint(),
		CreatedAt:  connected,
		conn:       conn,
		busy:       true,
		holder:     holder,
		acquiredAt: connected,
		lastUsedAt: connected,
	}
	p.leases[resourceID] = lease
	p.connects++
	p.mu.Unlock()

	p.logger.Debugf("connected resource %s for %s", resourceID, holder)
	return lease
}

// Release hands a lease back. With close the connection is closed and
// forgotten; otherwise it stays warm for reuse. It reports whether the
// resource had a lease.
func (p *Pool) Release(resourceID string, close bool) bool {
	p.mu.Lock()
	l, ok := p.leases[resourceID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if close {
		delete(p.leases, resourceID)
	} else {
		l.busy = false
		l.holder = ""
		l.lastUsedAt = p.clock.Now()
	}
	p.mu.Unlock()

	if close {
		p.closeConn(resourceID, l.conn)
	}
	return true
}

// CleanupExpired closes idle leases that have been unused for longer than
// IdleTimeout and returns how many were closed.
func (p *Pool) CleanupExpired() int {
	now := p.clock.Now()
	var expired []*Lease

	p.mu.Lock()
	for id, l := range p.leases {
		if !l.busy && p.expiredLocked(l, now) {
			delete(p.leases, id)
			expired = append(expired, l)
		}
	}
	p.expired += int64(len(expired))
	p.mu.Unlock()

	p.closeAll(expired, "expired")
	return len(expired)
}

// Sweep runs CleanupExpired every interval until ctx is done.
func (p *Pool) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := p.CleanupExpired(); n > 0 {
				p.logger.Infof("closed %d expired browser sessions", n)
			}
		}
	}
}

// Close closes every lease and refuses further acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	all := make([]*Lease, 0, len(p.leases))
	for id, l := range p.leases {
		all = append(all, l)
		delete(p.leases, id)
	}
	p.mu.Unlock()

	p.closeAll(all, "shutdown")
}

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Size:            len(p.leases),
		Connecting:      len(p.pending),
		Capacity:        p.cfg.MaxSize,
		Connects:        p.connects,
		Reuses:          p.reuses,
		Evictions:       p.evictions,
		Expired:         p.expired,
		ConnectFailures: p.connectFailures,
	}
	for _, l := range p.leases {
		if l.busy {
			stats.Busy++
		} else {
			stats.Idle++
		}
	}
	return stats
}

// Leases returns a snapshot of every lease ordered by resource id.
func (p *Pool) Leases() []LeaseInfo {
	p.mu.Lock()
	infos := make([]LeaseInfo, 0, len(p.leases))
	for _, l := range p.leases {
		infos = append(infos, LeaseInfo{
			ResourceID: l.ResourceID,
			Endpoint:   l.Endpoint,
			CreatedAt:  l.CreatedAt,
			AcquiredAt: l.acquiredAt,
			LastUsedAt: l.lastUsedAt,
			Busy:       l.busy,
			Holder:     l.holder,
		})
	}
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ResourceID < infos[j].ResourceID })
	return infos
}

func (p *Pool) sizeLocked() int {
	return len(p.leases) + len(p.pending)
}

func (p *Pool) expiredLocked(l *Lease, now time.Time) bool {
	return p.cfg.IdleTimeout > 0 && !l.busy && now.Sub(l.lastUsedAt) > p.cfg.IdleTimeout
}

// evictLocked removes the longest-idle lease that has been idle for more
// than MaxAge, if any.
func (p *Pool) evictLocked(now time.Time) *Lease {
	var victim *Lease
	for _, l := range p.leases {
		if l.busy || now.Sub(l.lastUsedAt) <= p.cfg.MaxAge {
			continue
		}
		if victim == nil || l.lastUsedAt.Before(victim.lastUsedAt) {
			victim = l
		}
	}
	if victim != nil {
		delete(p.leases, victim.ResourceID)
		p.evictions++
	}
	return victim
}

func (p *Pool) closeAll(leases []*Lease, reason string) {
	for _, l := range leases {
		p.logger.Debugf("closing resource %s (%s)", l.ResourceID, reason)
		p.closeConn(l.ResourceID, l.conn)
	}
}

// closeConn closes a connection; errors are logged and swallowed.
func (p *Pool) closeConn(resourceID string, conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.logger.Warnf("closing resource %s: %v", resourceID, err)
	}
}
