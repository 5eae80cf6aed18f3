package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/peerlink-network/peerlink/internal/api"
	"github.com/peerlink-network/peerlink/internal/app/groups"
	"github.com/peerlink-network/peerlink/internal/app/messaging"
	"github.com/peerlink-network/peerlink/internal/app/peers"
	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/health"
	"github.com/peerlink-network/peerlink/internal/infra/eventbus"
	"github.com/peerlink-network/peerlink/internal/infra/redisbus"
	"github.com/peerlink-network/peerlink/internal/infra/sqlite"
	"github.com/peerlink-network/peerlink/internal/infra/transport"
)

// Daemon is the core PeerLink runtime. It wires together all services.
type Daemon struct {
	Config     Config
	DB         *sqlite.DB
	Bus        *eventbus.Bus
	Transports *transport.Registry
	Peers      *peers.Service
	Messages   *messaging.Service
	Groups     *groups.Service
	Health     *health.Checker
	Relay      *api.RelayHub
	Server     *api.Server

	home    string
	logFile io.Closer
	cancel  context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration, storing its
// data under PeerlinkHome().
func NewWithConfig(cfg Config) (*Daemon, error) {
	return newDaemon(cfg, peerlinkHome())
}

func newDaemon(cfg Config, home string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logFile, err := setupLogging(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	db, err := sqlite.Open(home)
	if err != nil {
		closeLog(logFile)
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.EnsureSelf(context.Background(), cfg.Node.DisplayName); err != nil {
		_ = db.Close()
		closeLog(logFile)
		return nil, fmt.Errorf("ensure self peer: %w", err)
	}

	clk := clock.New()
	bus := eventbus.New()

	// ─── Transports ────────────────────────────────────────────────────

	reg := transport.NewRegistry(bus, clk)
	loopback := transport.NewMemoryNetwork()
	reg.Register(domain.TransportWeb, func() domain.Transport { return transport.NewRelayTransport() })
	reg.Register(domain.TransportMemory, func() domain.Transport {
		return transport.NewMemoryTransport(domain.TransportMemory, loopback, cfg.Transports.Memory.Address)
	})
	priority, _ := cfg.Transports.PriorityTypes() // validated above
	if len(priority) > 0 {
		reg.SetPriority(priority)
	}

	// ─── Services ──────────────────────────────────────────────────────

	peerSvc := peers.NewService(db, reg, bus, clk, peers.Config{
		CacheSize:           cfg.Peers.CacheSize,
		DefaultTransferPage: cfg.Peers.TransferPageSize,
	})
	msgSvc := messaging.NewService(db, peerSvc, reg, bus, clk, messaging.Config{
		DefaultPageSize: cfg.Messaging.DefaultPageSize,
		MaxPageSize:     cfg.Messaging.MaxPageSize,
	})
	groupSvc := groups.NewService(db, msgSvc, peerSvc, bus, clk, groups.Config{
		FanoutConcurrency: cfg.Groups.FanoutConcurrency,
	})

	d := &Daemon{
		Config:     cfg,
		DB:         db,
		Bus:        bus,
		Transports: reg,
		Peers:      peerSvc,
		Messages:   msgSvc,
		Groups:     groupSvc,
		home:       home,
		logFile:    logFile,
	}
	reg.OnInbound(d.handleInbound)

	d.Health = health.NewChecker(db, home, reg)
	d.Health.SetInterval(parseDuration(cfg.Telemetry.HealthInterval, health.DefaultInterval))

	if cfg.Transports.Web.ServeHub {
		d.Relay = api.NewRelayHub()
	}

	srv := api.NewServer(api.Services{
		Peers:      peerSvc,
		Messages:   msgSvc,
		Groups:     groupSvc,
		Transports: reg,
		Health:     d.Health,
		Relay:      d.Relay,
	})
	srv.SetCORSOrigin(cfg.API.CORSOrigin)

	// Enable Prometheus /metrics if configured
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

// handleInbound routes a payload from any transport to the owning service.
// Payloads from blocked peers are dropped.
func (d *Daemon) handleInbound(ctx context.Context, t domain.TransportType, p domain.Payload) {
	sender, err := d.Peers.ResolveSender(ctx, t, p.From)
	if err != nil {
		if errors.Is(err, domain.ErrPeerBlocked) {
			log.Printf("[daemon] dropped %s %s from blocked sender %s", p.Kind, p.ID, p.From)
			return
		}
		log.Printf("[daemon] resolve sender %s via %s: %v", p.From, t, err)
		return
	}

	switch p.Kind {
	case domain.PayloadMessage:
		_, err = d.Messages.ReceiveMessage(ctx, messaging.Inbound{
			ID:        p.ID,
			From:      sender.ID,
			Transport: t,
			Content:   string(p.Body),
		})
	default:
		err = d.Peers.ReceiveTransfer(ctx, sender.ID, t, p)
	}
	if err != nil {
		log.Printf("[daemon] inbound %s %s from %s: %v", p.Kind, p.ID, sender.ID, err)
	}
}

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	// Listen before initializing transports so the local relay hub is reachable.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	d.startTransports(ctx)

	// Health checker (always runs)
	go d.Health.Run(ctx)

	if d.Config.Redis.Enabled {
		go d.runRedisBridge(ctx)
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fmt.Printf("PeerLink serving on http://%s\n", addr)
	fmt.Printf("  Transports: %v\n", d.Transports.Active())
	if d.Relay != nil {
		fmt.Printf("  Relay: %s\n", localRelayURL(d.Config.API.Host, d.Config.API.Port))
	}
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-serveErr:
		d.shutdown(httpServer)
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	}

	d.shutdown(httpServer)
	if err := <-serveErr; err != http.ErrServerClosed {
		return err
	}
	return nil
}

// startTransports brings up the enabled transports. An empty web URL points
// the relay transport at this daemon's own hub.
func (d *Daemon) startTransports(ctx context.Context) {
	types, _ := d.Config.Transports.EnabledTypes()
	settings := d.Config.Transports.Settings()
	if d.Relay != nil && d.Config.Transports.Web.URL == "" {
		settings[domain.TransportWeb]["url"] = localRelayURL(d.Config.API.Host, d.Config.API.Port)
	}
	initCtx, cancel := context.WithTimeout(ctx, parseDuration(d.Config.Transports.InitTimeout, 30*time.Second))
	defer cancel()

	res := d.Transports.Initialize(initCtx, types, settings)
	for _, typ := range types {
		if st := res.Transports[typ]; st.State != domain.TransportActive {
			log.Printf("[daemon] transport %s: %s %s", typ, st.State, st.Error)
		}
	}
	if !res.Initialized {
		log.Printf("[daemon] WARNING: no transport is active; sends will fail until one recovers")
	}
}

func localRelayURL(host string, port int) string {
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s/relay", net.JoinHostPort(host, fmt.Sprint(port)))
}

func (d *Daemon) runRedisBridge(ctx context.Context) {
	rc := redisbus.Config{
		Addr:     d.Config.Redis.Addr,
		Password: d.Config.Redis.Password,
		DB:       d.Config.Redis.DB,
		Prefix:   d.Config.Redis.Prefix,
	}
	client, err := redisbus.Dial(ctx, rc)
	if err != nil {
		log.Printf("[daemon] redis bridge disabled: %v", err)
		return
	}
	defer client.Close()

	if err := redisbus.New(d.Bus, client, rc.Prefix).Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[daemon] redis bridge stopped: %v", err)
	}
}

func (d *Daemon) shutdown(httpServer *http.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if d.cancel != nil {
		d.cancel()
	}
	if err := d.Transports.Shutdown(shutdownCtx); err != nil {
		log.Printf("[daemon] transport shutdown: %v", err)
	}
	if d.Relay != nil {
		d.Relay.Close()
	}
	_ = httpServer.Shutdown(shutdownCtx)
	d.Bus.Close()
	_ = d.DB.Close()
	closeLog(d.logFile)
	d.logFile = nil
}

// Close shuts down all daemon resources without a running server.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if d.Transports != nil {
		_ = d.Transports.Shutdown(ctx)
	}
	if d.Relay != nil {
		d.Relay.Close()
	}
	if d.Bus != nil {
		d.Bus.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
	closeLog(d.logFile)
	d.logFile = nil
}

// setupLogging tees the standard logger into the configured file.
func setupLogging(cfg LoggingConfig) (io.Closer, error) {
	if cfg.Level == "debug" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}
	if cfg.File == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// closeLog points the standard logger back at stderr and closes the file.
func closeLog(f io.Closer) {
	if f == nil {
		return
	}
	log.SetOutput(os.Stderr)
	_ = f.Close()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
