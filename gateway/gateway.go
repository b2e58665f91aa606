// Gateway module - HTTP server for the front-end and the backend relay

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config for Gateway
type Config struct {
	Addr              string
	Root              string
	Backend           *url.URL
	ProxyPrefixes     []string
	LegacyPrefixMatch bool
	ExtraMIMETypes    map[string]string

	FlushInterval         time.Duration
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	ShutdownTimeout       time.Duration
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRecorder journals every handled request.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithForwarder replaces the reverse proxy used for API requests.
func WithForwarder(f Forwarder) Option {
	return func(g *Gateway) { g.forwarder = f }
}

// WithFileReader replaces filesystem access for static files.
func WithFileReader(f FileReader) Option {
	return func(g *Gateway) { g.files = f }
}

type Gateway struct {
	cfg       Config
	logger    *zap.Logger
	router    *Router
	forwarder Forwarder
	static    *StaticResolver
	recorder  Recorder
	files     FileReader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func New(cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8082"
	}
	if cfg.Backend == nil {
		cfg.Backend = &url.URL{Scheme: "http", Host: "localhost:5000"}
	}
	if len(cfg.ProxyPrefixes) == 0 {
		cfg.ProxyPrefixes = DefaultProxyPrefixes
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	g := &Gateway{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}

	router, err := NewRouter(cfg.ProxyPrefixes, cfg.LegacyPrefixMatch)
	if err != nil {
		return nil, err
	}
	g.router = router

	static, err := NewStaticResolver(cfg.Root, StaticOptions{
		ExtraMIMETypes: cfg.ExtraMIMETypes,
		Files:          g.files,
		Logger:         g.logger.Named("static"),
	})
	if err != nil {
		return nil, err
	}
	g.static = static

	if g.forwarder == nil {
		g.forwarder = NewBackendProxy(cfg.Backend, ProxyOptions{
			FlushInterval:         cfg.FlushInterval,
			DialTimeout:           cfg.DialTimeout,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			Logger:                g.logger.Named("proxy"),
		})
	}
	return g, nil
}

func (g *Gateway) Config() Config {
	return g.cfg
}

// Root returns the absolute document root.
func (g *Gateway) Root() string {
	return g.static.Root()
}

// Backend returns the address API requests are forwarded to.
func (g *Gateway) Backend() *url.URL {
	return g.forwarder.Target()
}

// ServeHTTP classifies the path before any filesystem access and dispatches.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.router.Classify(r.URL.Path) == RouteProxy {
		g.forwarder.ServeHTTP(w, r)
		return
	}
	g.static.ServeHTTP(w, r)
}

// Handler returns the gateway wrapped in access logging.
func (g *Gateway) Handler() http.Handler {
	return g.accessLog(g)
}

// Listen binds the configured address. Failing here (port in use) is the
// only fatal condition of the gateway.
func (g *Gateway) Listen() error {
	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.cfg.Addr, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.listener = ln
	// WriteTimeout stays zero so long video streams are not cut off
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
		ErrorLog:          zap.NewStdLog(g.logger.Named("http")),
	}
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return g.cfg.Addr
}

// Serve accepts connections until Shutdown or Stop. It returns nil after a
// graceful shutdown.
func (g *Gateway) Serve() error {
	g.mu.Lock()
	srv, ln := g.server, g.listener
	g.mu.Unlock()
	if srv == nil {
		return errors.New("gateway: Serve called before Listen")
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests, up to
// ShutdownTimeout.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	if g.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := srv.Shutdown(ctx)
	g.closeIdleBackendConns()
	return err
}

// Stop closes the server immediately.
func (g *Gateway) Stop() {
	g.mu.Lock()
	srv, ln := g.server, g.listener
	g.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
	// Serve may never have taken ownership of the listener
	if ln != nil {
		_ = ln.Close()
	}
	g.closeIdleBackendConns()
}

func (g *Gateway) closeIdleBackendConns() {
	if c, ok := g.forwarder.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
