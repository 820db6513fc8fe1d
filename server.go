package syncd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/syncd/internal/clock"
	"pkt.systems/syncd/internal/core"
	"pkt.systems/syncd/internal/loggingutil"
	"pkt.systems/syncd/internal/storage"
	storelogging "pkt.systems/syncd/internal/storage/logging"
	"pkt.systems/syncd/internal/wsapi"
)

// IdentityFunc resolves the creator identity and default ACL for an
// incoming sync session. The zero behaviour reads the X-Syncd-Creator and
// X-Syncd-Acl headers.
type IdentityFunc func(r *http.Request) (creator, defaultACL string)

// Server wires the sync engine, its storage backend, and the websocket
// surface behind one HTTP listener.
type Server struct {
	cfg         Config
	logger      pslog.Logger
	backend     storage.Backend
	ownsBackend bool
	engine      *core.Service
	handler     *wsapi.Handler
	httpSrv     *http.Server
	listener    net.Listener
	clock       clock.Clock
	telemetry   *telemetry

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Backend  storage.Backend
	Clock    clock.Clock
	Identity IdentityFunc
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend. The caller keeps ownership:
// Shutdown will not close an injected backend.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithIdentity replaces the header-based session identity resolution.
func WithIdentity(fn IdentityFunc) Option {
	return func(o *options) {
		o.Identity = fn
	}
}

// NewServer constructs a syncd server according to cfg.
// Example:
//
//	cfg := syncd.Config{Store: "mem://", Listen: ":9741"}
//	srv, err := syncd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfgCopy := cfg
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy

	logger := loggingutil.EnsureLogger(o.Logger)

	tel, err := initTelemetry(context.Background(), cfg, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	backend := o.Backend
	ownsBackend := false
	if backend == nil {
		backend, err = openBackend(cfg)
		if err != nil {
			if tel != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = tel.Shutdown(shutdownCtx)
				cancel()
			}
			return nil, err
		}
		ownsBackend = true
	}
	backend = storelogging.Wrap(backend, loggingutil.WithSubsystem(logger, "storage"))

	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	engine := core.New(core.Config{
		Store:           backend,
		Logger:          loggingutil.WithSubsystem(logger, "engine"),
		Clock:           serverClock,
		DefaultACL:      cfg.DefaultACL,
		ACLTickOnCreate: cfg.ACLTickOnCreate,
		DispatchQueue:   cfg.DispatchQueue,
	})

	identity := wsapi.HeaderIdentity
	if o.Identity != nil {
		identity = wsapi.IdentityFunc(o.Identity)
	}
	handler := wsapi.New(wsapi.Config{
		Core:            engine,
		Logger:          logger,
		Identity:        identity,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		SendBuffer:      cfg.SessionSendBuffer,
		WriteTimeout:    cfg.WriteTimeout,
		PingInterval:    cfg.PingInterval,
		TracingEnabled:  cfg.OTLPEndpoint != "" && !cfg.DisableHTTPTracing,
	})

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
		logger:      loggingutil.WithSubsystem(logger, "server"),
		backend:     backend,
		ownsBackend: ownsBackend,
		engine:      engine,
		handler:     handler,
		httpSrv:     httpSrv,
		clock:       serverClock,
		telemetry:   tel,
		readyCh:     make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so syncd can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving sync sessions and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.signalReady()
	s.logger.Info("server.listening", "address", ln.Addr().String(), "store", s.cfg.Store)
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

// Shutdown gracefully stops the server: the listener closes, open sync
// sessions receive a going-away close frame, queued Data events drain, and
// owned resources are released. The returned error is nil for clean
// shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	// Close websocket sessions first; hijacked connections are invisible
	// to http.Server.Shutdown and would hold it until ctx expires.
	s.handler.Shutdown()
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.engine.Close()
	if s.ownsBackend {
		if err := s.backend.Close(); err != nil {
			return err
		}
	}
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
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server.stopped")
	return nil
}

// Close gracefully shuts the server down, bounded by the configured
// shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or ctx ends.
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

// SessionCount reports the number of open sync sessions.
func (s *Server) SessionCount() int {
	return s.handler.SessionCount()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server. Shutdown already surfaces fatal serve errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer launches a server in a goroutine and waits until it accepts
// connections. The returned stop function shuts the server down and joins
// the serve loop; it is idempotent. A ctx deadline bounds the wait for
// readiness, and cancelling ctx after startup triggers an automatic stop.
// Example:
//
//	cfg := syncd.Config{Store: "mem://", Listen: "127.0.0.1:0"}
//	srv, stop, err := syncd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	waitCtx, cancelWait := context.WithCancel(waitCtx)
	defer cancelWait()
	ready := make(chan error, 1)
	go func() {
		ready <- srv.WaitUntilReady(waitCtx)
	}()
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	select {
	case err := <-errCh:
		cleanup()
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case err := <-ready:
		if err != nil {
			cleanup()
			<-errCh
			return nil, nil, err
		}
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
