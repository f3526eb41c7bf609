package txnd

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/claims"
	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/httpapi"
	"pkt.systems/txnd/internal/registry"
	"pkt.systems/txnd/internal/store"
	"pkt.systems/txnd/internal/txncoord"
)

// Server wraps the HTTP dispatcher, transaction registry, state store, and
// commit coordinator for one host.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	clock        clock.Clock
	bundle       *IdentityBundle
	authority    *claims.Authority
	registry     *registry.Registry
	store        *store.Store
	coordinator  *txncoord.Coordinator
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	Bundle       *IdentityBundle
	OTLPEndpoint string
	PeerKeys     map[string]ed25519.PublicKey
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithIdentityBundle injects a pre-parsed identity bundle, bypassing
// Config.BundlePath and Config.BundlePEM.
func WithIdentityBundle(b *IdentityBundle) Option {
	return func(o *options) {
		o.Bundle = b
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithPeerKey trusts an additional host verification key on top of the ones
// carried by the bundle.
func WithPeerKey(host string, key ed25519.PublicKey) Option {
	return func(o *options) {
		if o.PeerKeys == nil {
			o.PeerKeys = make(map[string]ed25519.PublicKey)
		}
		o.PeerKeys[host] = key
	}
}

// NewServer constructs a txnd server according to cfg.
// Example:
//
//	cfg := txnd.Config{BundlePath: "identity.pem", Listen: ":9410"}
//	srv, err := txnd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bundle := o.Bundle
	var err error
	if bundle == nil {
		switch {
		case len(cfg.BundlePEM) > 0:
			bundle, err = ParseIdentityBundle(cfg.BundlePEM)
			if err != nil {
				return nil, fmt.Errorf("config: bundle pem: %w", err)
			}
		case cfg.BundlePath != "":
			bundle, err = LoadIdentityBundle(cfg.BundlePath)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("config: identity bundle required (set BundlePath or BundlePEM)")
		}
	}
	if cfg.StorageEncryptionEnabled() {
		if bundle.RootKey == (keymgmt.RootKey{}) {
			return nil, fmt.Errorf("config: identity bundle for %q missing kryptograf root key (reissue with 'txnd bundle new')", bundle.Host)
		}
		if bundle.Descriptor == (keymgmt.Descriptor{}) {
			return nil, fmt.Errorf("config: identity bundle for %q missing value descriptor (reissue with 'txnd bundle new')", bundle.Host)
		}
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.StorageEncryptionEnabled() {
		logger.Info("storage encryption enabled")
	} else {
		logger.Warn("storage encryption disabled", "impact", "values at rest are stored in plaintext")
	}
	var telemetry *telemetryBundle
	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err = setupTelemetry(context.Background(), otlpEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	keyring := claims.StaticKeyring{}
	for host, key := range bundle.Peers {
		keyring[host] = key
	}
	for host, key := range o.PeerKeys {
		keyring[host] = key
	}
	authority, err := claims.New(claims.Config{
		Host:    bundle.Host,
		SignKey: bundle.SignKey,
		Keyring: keyring,
		Clock:   serverClock,
	})
	if err != nil {
		return nil, shutdownTelemetryOnErr(telemetry, err)
	}
	var crypto *store.Crypto
	if cfg.StorageEncryptionEnabled() {
		crypto, err = store.NewCrypto(store.CryptoConfig{
			Enabled: true,
			RootKey: bundle.RootKey,
			Context: []byte(bundle.Host),
		})
		if err != nil {
			return nil, shutdownTelemetryOnErr(telemetry, err)
		}
	}
	st := store.New(store.Config{
		Crypto:        crypto,
		MaxValueBytes: cfg.MaxValueBytes,
	})
	reg := registry.New(registry.Config{
		Clock:  serverClock,
		Grace:  cfg.RegistryGrace,
		Logger: logger,
	})
	coordinator, err := txncoord.New(txncoord.Config{
		Registry:          reg,
		Store:             st,
		Logger:            logger,
		FanoutTimeout:     cfg.FanoutTimeout,
		FanoutMaxAttempts: cfg.FanoutMaxAttempts,
		FanoutBaseDelay:   cfg.FanoutBaseDelay,
		FanoutMaxDelay:    cfg.FanoutMaxDelay,
		FanoutMultiplier:  cfg.FanoutMultiplier,
	})
	if err != nil {
		return nil, shutdownTelemetryOnErr(telemetry, err)
	}
	readyCh := make(chan struct{})
	httpTracing := otlpEndpoint != "" && !cfg.DisableHTTPTracing
	handler, err := httpapi.New(httpapi.Config{
		Authority:   authority,
		Registry:    reg,
		Store:       st,
		Coordinator: coordinator,
		Logger:      logger,
		Clock:       serverClock,
		DefaultTTL:  cfg.DefaultTTL,
		MaxTTL:      cfg.MaxTTL,
		Ready: func() bool {
			select {
			case <-readyCh:
				return true
			default:
				return false
			}
		},
		Tracer:             otel.Tracer("pkt.systems/txnd/httpapi"),
		HTTPTracingEnabled: httpTracing,
	})
	if err != nil {
		return nil, shutdownTelemetryOnErr(telemetry, err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	return &Server{
		cfg:         cfg,
		logger:      logger.With("svc", "server"),
		clock:       serverClock,
		bundle:      bundle,
		authority:   authority,
		registry:    reg,
		store:       st,
		coordinator: coordinator,
		handler:     handler,
		httpSrv:     httpSrv,
		telemetry:   telemetry,
		readyCh:     readyCh,
	}, nil
}

func shutdownTelemetryOnErr(telemetry *telemetryBundle, err error) error {
	if telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telemetry.Shutdown(shutdownCtx)
		cancel()
	}
	return err
}

// Host returns the host identity this server signs claims as.
func (s *Server) Host() string {
	return s.bundle.Host
}

// Handler returns the underlying HTTP handler so txnd can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"host", s.bundle.Host,
		"peers", len(s.bundle.Peers)-1,
	)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopSweeper()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError reports the most recent error returned by the HTTP serve loop.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

func (s *Server) startSweeper() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweeperStop != nil {
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweepInterval
	sweeperCtx := context.Background()
	go func() {
		defer s.sweeperDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.sweepExpired(sweeperCtx)
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

// sweepExpired rolls back transactions whose deadlines elapsed without a
// finalize decision and lets the registry reclaim settled records.
func (s *Server) sweepExpired(ctx context.Context) {
	expired := s.registry.Sweep(s.clock.Now())
	for _, txnID := range expired {
		if _, err := s.coordinator.Finalize(ctx, txnID, store.DecisionRollback); err != nil {
			s.logger.Warn("sweeper rollback failed", "txn_id", txnID, "error", err)
		}
	}
}

// StartServer constructs the server, begins serving in the background, and
// waits until the listener is ready. The returned stop function shuts the
// server down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil, nil, ctx.Err()
	case err := <-errCh:
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-srv.readyCh:
	}
	stop := func(stopCtx context.Context) error {
		return srv.Shutdown(stopCtx)
	}
	return srv, stop, nil
}
