// ABOUTME: Gateway orchestrator that wires the store, rooms and sessions behind one HTTP server
// ABOUTME: Manages TCP or tailscale listeners, health endpoints and the shutdown order

package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-rooms/internal/attachments"
	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/authz"
	"github.com/2389/coven-rooms/internal/backplane"
	"github.com/2389/coven-rooms/internal/config"
	"github.com/2389/coven-rooms/internal/metrics"
	"github.com/2389/coven-rooms/internal/presence"
	"github.com/2389/coven-rooms/internal/room"
	"github.com/2389/coven-rooms/internal/session"
	"github.com/2389/coven-rooms/internal/store"
)

// ChatRoute is the WebSocket endpoint pattern. The conversation segment is
// read by the session handler.
const ChatRoute = "GET /ws/chat/{conversation}/"

// Gateway owns every server component of coven-rooms.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	backplane   backplane.Backplane
	metrics     *metrics.Metrics
	registry    *room.Registry
	sessions    *session.Handler
	attachments *attachments.LocalStorage
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the SQLite store, honouring COVEN_ROOMS_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_ROOMS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// initBackplane picks the fan-out used for notifications and presence.
func initBackplane(cfg *config.Config, logger *slog.Logger) backplane.Backplane {
	if cfg.Backplane.Mode == "none" {
		return backplane.Nop{}
	}
	return backplane.NewLocal(logger)
}

// registerBackplaneMetrics exposes the local backplane counters when both
// are in use.
func registerBackplaneMetrics(m *metrics.Metrics, bp backplane.Backplane) {
	local, ok := bp.(*backplane.Local)
	if !ok {
		return
	}
	m.CounterFunc("backplane_published_total", "Frames published on the backplane.",
		func() float64 { return float64(local.Published()) })
	m.CounterFunc("backplane_dropped_total", "Frames dropped because a subscriber was full.",
		func() float64 { return float64(local.Dropped()) })
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	bp := initBackplane(cfg, logger)
	registerBackplaneMetrics(m, bp)

	oracle := authz.NewStoreOracle(s)
	registry := room.NewRegistry(room.Config{
		Store:               s,
		Authorizer:          oracle,
		Presence:            presence.NewTracker(),
		Backplane:           bp,
		Metrics:             m,
		Logger:              logger,
		HistoryLimit:        cfg.Rooms.HistoryLimit,
		ReplayWait:          cfg.Rooms.ReplayWait,
		DedupeTTL:           cfg.Rooms.DedupeTTL,
		DedupeSize:          cfg.Rooms.DedupeSize,
		AttachmentURLPrefix: cfg.Attachments.URLPrefix,
	})

	sessions := session.NewHandler(session.HandlerConfig{
		Registry:   registry,
		Store:      s,
		Verifier:   verifier,
		Authorizer: oracle,
		Backplane:  bp,
		Metrics:    m,
		Logger:     logger,
		Session: session.Config{
			SendBuffer:    cfg.Rooms.SendBuffer,
			RatePerSecond: cfg.Rooms.RatePerSecond,
			RateBurst:     cfg.Rooms.RateBurst,
			PongWait:      cfg.Rooms.PongWait,
			WriteWait:     cfg.Rooms.WriteWait,
			MaxFrameSize:  cfg.Rooms.MaxFrameSize,
		},
	})

	gw := &Gateway{
		config:    cfg,
		store:     s,
		backplane: bp,
		metrics:   m,
		registry:  registry,
		sessions:  sessions,
		logger:    logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	mux.Handle(ChatRoute, sessions)

	if cfg.Attachments.Dir != "" {
		storage, err := attachments.NewLocalStorage(cfg.Attachments.Dir, cfg.Attachments.URLPrefix, cfg.Attachments.MaxSize)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		gw.attachments = storage
		requireAuth := auth.HTTPMiddleware(s, verifier, logger)
		mux.Handle("/api/attachments", requireAuth(attachments.UploadHandler(storage, storage.MaxSize(), logger)))
		mux.Handle("GET "+storage.URLPrefix(), storage.Handler())
		gw.logger.Info("attachments enabled", "dir", cfg.Attachments.Dir, "url_prefix", storage.URLPrefix())
	}

	if m != nil {
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
		gw.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Registry returns the live room registry.
func (g *Gateway) Registry() *room.Registry { return g.registry }

// setupTCPListener creates the plain TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts serving and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-rooms", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks funnel, TLS or plain HTTP on the tailnet.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return g.createTailscaleTLSListener(tsCfg.CertFile, tsCfg.KeyFile)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener serves HTTPS with the configured certificate,
// falling back to tailscale-provisioned certs for other server names.
func (g *Gateway) createTailscaleTLSListener(certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tailscale TLS certificate: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}

	g.logger.Info("enabling HTTPS on :443", "cert_file", certFile)
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.SupportsCertificate(&cert) == nil {
				return &cert, nil
			}
			return lc.GetCertificate(hello)
		},
		MinVersion: tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every live session, then
// releases the backplane, tailnet node and store in that order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "sessions", g.sessions.Len())

	var errs []error
	// Hijacked WebSocket connections are not tracked by http.Server.
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "session shutdown", g.sessions.Shutdown(ctx))

	g.registry.Close()
	errs = appendCloseError(errs, "backplane close", g.backplane.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 with live room stats once the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.registry.Stats())
}
