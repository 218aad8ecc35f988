package zombieclaw

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/babybirdprd/zombieclaw/internal/agent"
	cfg "github.com/babybirdprd/zombieclaw/internal/config"
	"github.com/babybirdprd/zombieclaw/internal/events"
	"github.com/babybirdprd/zombieclaw/internal/history"
	hfactory "github.com/babybirdprd/zombieclaw/internal/history/factory"
	"github.com/babybirdprd/zombieclaw/internal/logger"
	"github.com/babybirdprd/zombieclaw/internal/metrics"
	"github.com/babybirdprd/zombieclaw/internal/pairing"
	"github.com/babybirdprd/zombieclaw/internal/server"
	"github.com/babybirdprd/zombieclaw/internal/store"
	sfactory "github.com/babybirdprd/zombieclaw/internal/store/factory"
	itls "github.com/babybirdprd/zombieclaw/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = agent.Spec

type Status = agent.Status

type Notification = events.Notification

type Config = cfg.Config

type HistorySink = history.Sink

// Error sentinels forwarded from the supervisor.
var (
	ErrDisposed      = agent.ErrDisposed
	ErrNotRunning    = agent.ErrNotRunning
	ErrCallTimeout   = agent.ErrCallTimeout
	ErrProcessExited = agent.ErrProcessExited
)

// Bridge wires one supervised agent process to a pairing guard, an event
// broadcaster and the HTTP surface. It is the embeddable entry point; the
// zombieclaw binary is a thin shell around it.
type Bridge struct {
	cfg   *Config
	log   *slog.Logger
	guard *pairing.Guard
	bus   *events.Broadcaster
	sup   *agent.Supervisor
	sinks []history.Sink
	st    store.Store

	closeOnce sync.Once
	closeErr  error
}

// New builds a Bridge from a loaded config. The agent process is not
// spawned until Start or the first Call.
func New(c *Config) (*Bridge, error) {
	return NewWithLogger(c, logger.DefaultConfig().NewSlogger())
}

// NewWithLogger is New with a caller-supplied slog logger.
func NewWithLogger(c *Config, log *slog.Logger) (*Bridge, error) {
	spec, err := c.AgentSpec()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	b := &Bridge{
		cfg:   c,
		log:   log,
		guard: pairing.New(c.PairingGuardConfig()),
		bus:   events.NewBroadcaster(),
	}
	b.sup = agent.NewSupervisor(spec, b.bus, log)

	if c.History.DSN != "" {
		sink, err := hfactory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			b.bus.Close()
			return nil, err
		}
		b.sinks = append(b.sinks, sink)
		b.sup.SetHistory(b.sinks...)
	}
	if c.Store.DSN != "" {
		st, err := sfactory.NewFromDSN(c.Store.DSN)
		if err != nil {
			b.closeSinks()
			b.bus.Close()
			return nil, err
		}
		if err := st.EnsureSchema(context.Background()); err != nil {
			_ = st.Close()
			b.closeSinks()
			b.bus.Close()
			return nil, err
		}
		b.st = st
		b.sup.SetStore(st)
		if rec, err := st.GetByName(context.Background(), spec.Name); err == nil {
			log.Info("recovered agent state", "name", rec.Name, "last_status", rec.LastStatus, "pid", rec.PID, "updated_at", rec.UpdatedAt)
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Warn("read agent state", "error", err)
		}
	}
	return b, nil
}

// Start spawns the agent if it is not already running. Concurrent and
// repeated calls are safe.
func (b *Bridge) Start(ctx context.Context) error { return b.sup.EnsureStarted(ctx) }

// Call forwards one command to the agent and waits for its response.
// A zero timeout selects the configured default.
func (b *Bridge) Call(ctx context.Context, command string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	return b.sup.Call(ctx, command, params, timeout)
}

// Health returns a snapshot of the supervised process.
func (b *Bridge) Health() Status { return b.sup.Health() }

// Subscribe attaches a notification consumer. The second return cancels
// the subscription.
func (b *Bridge) Subscribe() (<-chan Notification, func()) { return b.bus.Subscribe() }

// Guard exposes the pairing guard for embedders that mount their own auth.
func (b *Bridge) Guard() *pairing.Guard { return b.guard }

// Handler returns the bridge HTTP surface for mounting in an existing
// server or mux.
func (b *Bridge) Handler() http.Handler {
	return server.NewRouter(b.sup, b.guard, b.bus, b.cfg.Server.BasePath, b.serverOptions()).Handler()
}

// NewHTTPServer starts a standalone HTTP server on the configured listen
// address. Shut it down via http.Server's Shutdown or Close.
func (b *Bridge) NewHTTPServer() (*http.Server, error) {
	return server.NewServer(b.cfg.Server.Listen, b.cfg.Server.BasePath, b.sup, b.guard, b.bus, b.serverOptions())
}

// NewTLSServer starts a standalone HTTPS server using the [server.tls]
// config block. Certificates are auto-generated when so configured.
func (b *Bridge) NewTLSServer() (*http.Server, error) {
	tcfg, err := itls.SetupTLS(b.cfg.Server)
	if err != nil {
		return nil, err
	}
	if tcfg == nil {
		return b.NewHTTPServer()
	}
	srv := &http.Server{
		Addr:              b.cfg.Server.Listen,
		Handler:           b.Handler(),
		TLSConfig:         tcfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServeTLS("", "") }()
	return srv, nil
}

// Close disposes the agent process and releases the broadcaster and any
// history or state backends. It is idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.sup.Dispose()
		b.bus.Close()
		b.closeSinks()
		if b.st != nil {
			if err := b.st.Close(); err != nil {
				b.closeErr = err
			}
		}
	})
	return b.closeErr
}

func (b *Bridge) closeSinks() {
	for _, s := range b.sinks {
		closer, ok := s.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			b.log.Warn("close history sink", "error", err)
		}
	}
	b.sinks = nil
}

func (b *Bridge) serverOptions() server.Options {
	return server.Options{
		StatusInterval:    b.cfg.Stream.StatusInterval,
		KeepAliveInterval: b.cfg.Stream.KeepAliveInterval,
		Logger:            b.log,
	}
}

// LoadConfig reads a TOML config file and applies defaults.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// LoadEnvFile parses a .env file into KEY=VALUE entries.
func LoadEnvFile(path string) ([]string, error) { return cfg.LoadEnvFile(path) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
