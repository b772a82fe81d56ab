// ABOUTME: Gateway orchestrator that owns the TCP session listener, HTTP shim, and gRPC health
// ABOUTME: Serializes all device access through one arbiter and manages listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/FayCarsons/pidgeon/internal/config"
	"github.com/FayCarsons/pidgeon/internal/session"
	"github.com/FayCarsons/pidgeon/internal/store"
	"github.com/FayCarsons/pidgeon/internal/web"
)

// HealthService is the gRPC health service name that tracks device
// availability: SERVING while free, NOT_SERVING while a session holds it.
const HealthService = "pidgeon.Gateway"

const (
	tailscaleHTTPPort = ":80"
	tailscaleGRPCPort = ":50051"
)

// Gateway orchestrates the pidgeon server components.
// It owns the session listener and, when configured, the HTTP and gRPC servers.
type Gateway struct {
	config      *config.Config
	arbiter     *session.Arbiter
	store       store.Store
	web         *web.Handler
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// slots bounds connections that are handshaking or in a session
	slots *semaphore.Weighted

	// connCtx is canceled on shutdown to close live connections
	connCtx     context.Context
	cancelConns context.CancelFunc
	conns       sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// listeners holds the bound listeners; HTTP and gRPC are nil when disabled.
type listeners struct {
	gateway net.Listener
	http    net.Listener
	grpc    net.Listener
}

// New creates a Gateway for dev. The device handle is owned by the caller.
func New(cfg *config.Config, dev session.Device, logger *slog.Logger) (*Gateway, error) {
	st, err := store.NewMemoryStore(logger)
	if err != nil {
		return nil, fmt.Errorf("creating session ledger: %w", err)
	}

	arbiter := session.NewArbiter(dev, session.Options{
		ReplyWindow: cfg.Session.ReplyWindow,
		Store:       st,
		Logger:      logger,
	})

	connCtx, cancelConns := context.WithCancel(context.Background())
	gw := &Gateway{
		config:      cfg,
		arbiter:     arbiter,
		store:       st,
		logger:      logger.With("component", "gateway"),
		slots:       semaphore.NewWeighted(int64(cfg.Server.MaxConns)),
		connCtx:     connCtx,
		cancelConns: cancelConns,
		ready:       make(chan struct{}),
	}

	if cfg.Server.HTTPAddr != "" {
		gw.web, err = web.New(arbiter, st, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("creating web handler: %w", err)
		}
		mux := http.NewServeMux()
		gw.web.RegisterRoutes(mux)
		gw.httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if cfg.Server.GRPCAddr != "" {
		gw.health = health.NewServer()
		gw.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
		gw.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(gw.grpcServer, gw.health)

		arbiter.OnChange(func(busy bool) {
			status := healthpb.HealthCheckResponse_SERVING
			if busy {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			gw.health.SetServingStatus(HealthService, status)
		})
	}

	return gw, nil
}

// Arbiter returns the arbiter guarding the device.
func (g *Gateway) Arbiter() *session.Arbiter {
	return g.arbiter
}

// Ready is closed once the session listener is bound.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Addr returns the session listener's address, or nil before Ready.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// setupTCPListeners binds the session listener and any enabled side listeners.
func (g *Gateway) setupTCPListeners(ctx context.Context) (*listeners, error) {
	addr := g.config.Server.Addr()
	g.logger.Info("starting gateway",
		"addr", addr,
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	lc := net.ListenConfig{Control: reuseAddrControl}
	gwLn, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on gateway address: %w", err)
	}
	ls := &listeners{gateway: gwLn}

	if g.httpServer != nil {
		ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
		if err != nil {
			ls.close()
			return nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}

	if g.grpcServer != nil {
		ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			ls.close()
			return nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return ls, nil
}

func (ls *listeners) close() {
	for _, ln := range []net.Listener{ls.gateway, ls.http, ls.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (*listeners, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners(ctx)
}

// startServers starts every bound server in a goroutine, returning the error channel.
func (g *Gateway) startServers(ls *listeners) chan error {
	errCh := make(chan error, 3)

	g.mu.Lock()
	g.listener = ls.gateway
	g.mu.Unlock()
	close(g.ready)

	go func() {
		g.logger.Info("session listener ready", "addr", ls.gateway.Addr().String())
		if err := g.serve(ls.gateway); err != nil {
			errCh <- fmt.Errorf("session listener: %w", err)
		}
	}()

	if ls.http != nil {
		go func() {
			g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
			if err := g.httpServer.Serve(ls.http); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	if ls.grpc != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// serve accepts connections until the listener is closed.
func (g *Gateway) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || g.connCtx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		if !g.slots.TryAcquire(1) {
			g.logger.Warn("connection limit reached, rejecting",
				"remote", conn.RemoteAddr().String(),
				"max_conns", g.config.Server.MaxConns,
			)
			_ = conn.Close()
			continue
		}

		g.conns.Add(1)
		go func() {
			defer g.conns.Done()
			defer g.slots.Release(1)
			g.handleConn(conn)
		}()
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	for {
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
			return
		}
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(ls)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "pidgeon", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens there instead of on
// local addresses. server.http_addr and server.grpc_addr only switch those
// servers on; their ports on the tailnet are fixed.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (*listeners, error) {
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

	ls := &listeners{}
	fail := func(what string, err error) (*listeners, error) {
		ls.close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale %s port: %w", what, err)
	}

	ls.gateway, err = g.tsnetServer.Listen("tcp", fmt.Sprintf(":%d", g.config.Server.Port))
	if err != nil {
		return fail("gateway", err)
	}
	if g.httpServer != nil {
		ls.http, err = g.tsnetServer.Listen("tcp", tailscaleHTTPPort)
		if err != nil {
			return fail("HTTP", err)
		}
	}
	if g.grpcServer != nil {
		ls.grpc, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
		if err != nil {
			return fail("gRPC", err)
		}
	}
	return ls, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// waitForConns waits for connection goroutines to finish releasing the device.
func (g *Gateway) waitForConns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops all gateway servers, ends live sessions, and releases resources.
// It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error

	g.mu.Lock()
	ln := g.listener
	g.mu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = appendCloseError(errs, "session listener close", err)
		}
	}

	g.cancelConns()

	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}
	if g.web != nil {
		g.web.Close()
	}
	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}

	errs = appendCloseError(errs, "draining sessions", g.waitForConns(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
