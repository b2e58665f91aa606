package gateway

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// backendUnavailableBody is the exact body the front-end expects when the
// backend cannot be reached.
const backendUnavailableBody = `{"error": "Backend service unavailable"}`

var forwardingHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

// Forwarder relays a request to the backend and streams the answer back.
// Transport failures must be turned into a response, never returned.
type Forwarder interface {
	http.Handler
	Target() *url.URL
}

// ProxyOptions tunes the default Forwarder.
type ProxyOptions struct {
	// FlushInterval between body writes to the client. Negative flushes after
	// every write; zero leaves flushing to the copy buffer.
	FlushInterval time.Duration
	// DialTimeout and ResponseHeaderTimeout bound the single attempt. Zero keeps
	// the transport defaults.
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	// Transport replaces the default transport (tests).
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// BackendProxy is the default Forwarder, built on httputil.ReverseProxy.
type BackendProxy struct {
	target    *url.URL
	proxy     *httputil.ReverseProxy
	transport http.RoundTripper
	logger    *zap.Logger
}

// NewBackendProxy forwards to target. Method, path, query, headers and body
// pass through unchanged, including the client's Host header; only
// hop-by-hop headers are dropped. Each request gets exactly one attempt.
func NewBackendProxy(target *url.URL, opts ProxyOptions) *BackendProxy {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := opts.Transport
	if transport == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.DialTimeout > 0 {
			tr.DialContext = (&net.Dialer{
				Timeout:   opts.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext
		}
		tr.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
		// keep Accept-Encoding and Content-Encoding exactly as the peers sent them
		tr.DisableCompression = true
		transport = tr
	}

	p := &BackendProxy{
		target:    target,
		transport: transport,
		logger:    logger.With(zap.String("backend", target.String())),
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			// ReverseProxy strips these before Rewrite runs
			for _, h := range forwardingHeaders {
				if v, ok := pr.In.Header[h]; ok {
					pr.Out.Header[h] = v
				}
			}
		},
		Transport:     transport,
		FlushInterval: opts.FlushInterval,
		ErrorHandler:  p.handleError,
		ErrorLog:      zap.NewStdLog(p.logger),
	}
	return p
}

// Target returns the backend base URL.
func (p *BackendProxy) Target() *url.URL {
	u := *p.target
	return &u
}

func (p *BackendProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

// CloseIdleConnections releases pooled backend connections.
func (p *BackendProxy) CloseIdleConnections() {
	if c, ok := p.transport.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func (p *BackendProxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if ctxErr := r.Context().Err(); ctxErr != nil {
		// client went away; nobody is left to read a response
		p.logger.Debug("proxy request abandoned",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(ctxErr))
		return
	}
	p.logger.Error("proxy error",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeBackendUnavailable(w)
}

func writeBackendUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(backendUnavailableBody))
}
