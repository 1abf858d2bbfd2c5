package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/tool"
)

// TransportFactory builds the transport for a server.
type TransportFactory func(cfg ServerConfig, logger logging.Logger) (Transport, error)

// DefaultTransportFactory maps pipe servers to StdioTransport and stream
// servers to SSETransport.
func DefaultTransportFactory(cfg ServerConfig, logger logging.Logger) (Transport, error) {
	switch cfg.Transport {
	case TransportPipe:
		return NewStdioTransport(cfg, logger), nil
	case TransportStream:
		return NewSSETransport(cfg, func(o *SSEOptions) { o.Logger = logger }), nil
	default:
		return nil, fmt.Errorf("server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger           logging.Logger
	ClientInfo       Implementation
	TransportFactory TransportFactory
	// ConnectTimeout bounds startup, handshake and catalogue listing per
	// server unless the server config sets its own Timeout (default: 30s).
	ConnectTimeout time.Duration
	// RequestTimeout bounds individual requests after connection.
	RequestTimeout time.Duration
}

// Manager owns the clients of every configured server for one session.
type Manager struct {
	cfg    *Config
	opts   ManagerOptions
	logger logging.Logger

	mu       sync.Mutex
	clients  map[string]*Client
	registry *tool.Registry
}

// NewManager creates a manager for cfg.
func NewManager(cfg *Config, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		ClientInfo:       Implementation{Name: "taskmesh", Version: "0.1.0"},
		TransportFactory: DefaultTransportFactory,
		ConnectTimeout:   30 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TransportFactory == nil {
		opts.TransportFactory = DefaultTransportFactory
	}
	if cfg == nil {
		cfg = &Config{}
	}

	return &Manager{
		cfg:     cfg,
		opts:    opts,
		logger:  logging.OrNoOp(opts.Logger),
		clients: map[string]*Client{},
	}
}

// Connect starts every enabled server concurrently and registers its tools
// in registry tagged with the server name. Disabled servers contribute no
// tools. A server that fails is disabled in registry and its error is
// included in the joined result; the remaining servers stay usable.
func (m *Manager) Connect(ctx context.Context, registry *tool.Registry) error {
	m.mu.Lock()
	m.registry = registry
	m.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, name := range m.cfg.Names() {
		s := m.cfg.Servers[name]
		if !s.IsEnabled() {
			registry.DisableServer(name)
			m.logger.Info("mcp.server.state", "server", name, "state", "disabled", "tools", 0)
			continue
		}

		g.Go(func() error {
			if err := m.connectServer(ctx, s, registry); err != nil {
				var rsErr *core.RemoteServerUnavailableError
				if !errors.As(err, &rsErr) {
					err = &core.RemoteServerUnavailableError{Server: s.Name, Err: err}
				}
				registry.DisableServer(s.Name)
				m.logger.Warn("mcp.server.unavailable",
					"server", s.Name,
					"transport", string(s.Transport),
					"error", err.Error(),
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (m *Manager) connectServer(ctx context.Context, s ServerConfig, registry *tool.Registry) error {
	timeout := m.opts.ConnectTimeout
	if s.Timeout > 0 {
		timeout = s.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tr, err := m.opts.TransportFactory(s, m.logger)
	if err != nil {
		return err
	}

	client := NewClient(s.Name, tr, func(o *ClientOptions) {
		o.ClientInfo = m.opts.ClientInfo
		o.Logger = m.logger
		o.RequestTimeout = m.opts.RequestTimeout
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}

	infos, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return &core.RemoteServerUnavailableError{Server: s.Name, Err: err}
	}

	registered := 0
	for _, info := range infos {
		if err := registry.Register(NewRemoteTool(client, info)); err != nil {
			m.logger.Warn("mcp.tool.rejected", "server", s.Name, "tool", info.Name, "error", err.Error())
			continue
		}
		registered++
	}

	m.mu.Lock()
	m.clients[s.Name] = client
	m.mu.Unlock()

	m.logger.Info("mcp.server.state",
		"server", s.Name,
		"transport", string(s.Transport),
		"state", client.State().String(),
		"tools", registered,
	)
	return nil
}

// HandleUnavailable disables a server's tools for the rest of the session
// and closes its client. Its signature matches the dispatcher hook.
func (m *Manager) HandleUnavailable(server string, err error) {
	m.mu.Lock()
	registry := m.registry
	client := m.clients[server]
	delete(m.clients, server)
	m.mu.Unlock()

	removed := 0
	if registry != nil {
		removed = registry.DisableServer(server)
	}
	if client != nil {
		_ = client.Close()
	}

	args := []any{"server", server, "tools_removed", removed}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	m.logger.Warn("mcp.server.unavailable", args...)
}

// Client returns the connected client for server.
func (m *Manager) Client(server string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[server]
	return c, ok
}

// Servers returns the names of connected servers.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.clients))
	for n := range m.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every client.
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = map[string]*Client{}
	m.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
