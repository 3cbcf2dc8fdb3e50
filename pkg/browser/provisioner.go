package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/autopilot/pkg/logging"
)

// ErrUnknownProfile is returned by provisioners that cannot resolve a profile.
var ErrUnknownProfile = errors.New("unknown browser profile")

// Profile is a browser profile held by a provisioner.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Proxy string `json:"proxy,omitempty"`
}

// Launched describes a running browser started by a provisioner.
type Launched struct {
	Endpoint  string `json:"endpoint"`
	DebugPort int    `json:"debug_port"`
	PID       int    `json:"pid"`
}

// Provisioner rents remote browsers: it keeps named profiles (cookies,
// fingerprint, proxy) and starts a browser for one on demand.
type Provisioner interface {
	CreateOrUpdateProfile(ctx context.Context, name, proxy string) (Profile, error)
	Launch(ctx context.Context, profile Profile) (Launched, error)
	Close(ctx context.Context, profile Profile) error
	HealthCheck(ctx context.Context) error
}

// ProvisionedConnector launches a browser through a Provisioner and attaches
// to it with another Connector. ConnectInfo values that already carry an
// endpoint bypass the provisioner.
type ProvisionedConnector struct {
	provisioner Provisioner
	attach      Connector
	logger      *logging.Logger
}

// NewProvisionedConnector composes provisioner and attach.
func NewProvisionedConnector(provisioner Provisioner, attach Connector, logger *logging.Logger) *ProvisionedConnector {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ProvisionedConnector{provisioner: provisioner, attach: attach, logger: logger}
}

// HealthCheck reports whether the provisioner is reachable.
func (c *ProvisionedConnector) HealthCheck(ctx context.Context) error {
	return c.provisioner.HealthCheck(ctx)
}

// Connect implements Connector.
func (c *ProvisionedConnector) Connect(ctx context.Context, resourceID string, info ConnectInfo) (Conn, error) {
	if info.Endpoint != "" {
		return c.attach.Connect(ctx, resourceID, info)
	}

	name := info.ProfileName
	if name == "" {
		name = resourceID
	}
	profile, err := c.provisioner.CreateOrUpdateProfile(ctx, name, info.Proxy)
	if err != nil {
		return nil, fmt.Errorf("prepare profile %s: %w", name, err)
	}
	launched, err := c.provisioner.Launch(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("launch profile %s: %w", name, err)
	}

	info.Endpoint = launched.Endpoint
	if info.Endpoint == "" && launched.DebugPort > 0 {
		info.Endpoint = fmt.Sprintf("http://127.0.0.1:%d", launched.DebugPort)
	}
	c.logger.Debugf("profile %s launched (pid %d) at %s", name, launched.PID, info.Endpoint)

	conn, err := c.attach.Connect(ctx, resourceID, info)
	if err != nil {
		if cerr := c.provisioner.Close(context.WithoutCancel(ctx), profile); cerr != nil {
			c.logger.Warnf("closing profile %s after failed attach: %v", name, cerr)
		}
		return nil, err
	}
	return &provisionedConn{Conn: conn, provisioner: c.provisioner, profile: profile}, nil
}

// provisionedConn stops the provisioned browser after the attached
// connection is closed.
type provisionedConn struct {
	Conn
	provisioner Provisioner
	profile     Profile
}

func (c *provisionedConn) Close() error {
	err := c.Conn.Close()
	if perr := c.provisioner.Close(context.Background(), c.profile); perr != nil && err == nil {
		err = fmt.Errorf("close profile %s: %w", c.profile.Name, perr)
	}
	return err
}

// StaticProvisioner serves fixed endpoints per profile name, for browsers
// started outside autopilot (a local Chrome with --remote-debugging-port, a
// container grid).
type StaticProvisioner struct {
	mu        sync.Mutex
	endpoints map[string]string
	profiles  map[string]Profile
}

// NewStaticProvisioner creates a provisioner over name -> endpoint. The key
// "*" matches any profile.
func NewStaticProvisioner(endpoints map[string]string) *StaticProvisioner {
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &StaticProvisioner{endpoints: eps, profiles: make(map[string]Profile)}
}

func (s *StaticProvisioner) CreateOrUpdateProfile(_ context.Context, name, proxy string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[name]; !ok {
		if _, wildcard := s.endpoints["*"]; !wildcard {
			return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
		}
	}
	profile := Profile{ID: name, Name: name, Proxy: proxy}
	s.profiles[name] = profile
	return profile, nil
}

func (s *StaticProvisioner) Launch(_ context.Context, profile Profile) (Launched, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoint, ok := s.endpoints[profile.Name]
	if !ok {
		endpoint, ok = s.endpoints["*"]
	}
	if !ok {
		return Launched{}, fmt.Errorf("%w: %s", ErrUnknownProfile, profile.Name)
	}
	return Launched{Endpoint: endpoint}, nil
}

// Close is a no-op; static browsers outlive the run.
func (s *StaticProvisioner) Close(context.Context, Profile) error {
	return nil
}

func (s *StaticProvisioner) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.endpoints) == 0 {
		return errors.New("no browser endpoints configured")
	}
	return nil
}
