package gateway

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gliderlab/animgate/storage"
)

// recordTimeout bounds a journal write; the request context may already be gone.
const recordTimeout = 2 * time.Second

// Recorder persists one line per handled request.
type Recorder interface {
	Record(ctx context.Context, e storage.Entry) error
}

// responseRecorder captures status and size while keeping Flush and Hijack
// reachable for streamed and upgraded responses.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	// 1xx informational headers may precede the final status
	if !rr.wroteHeader && (code >= 200 || code == http.StatusSwitchingProtocols) {
		rr.status = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.status = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

func (rr *responseRecorder) Flush() {
	_ = http.NewResponseController(rr.ResponseWriter).Flush()
}

func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(rr.ResponseWriter).Hijack()
	if err == nil && !rr.wroteHeader {
		rr.status = http.StatusSwitchingProtocols
		rr.wroteHeader = true
	}
	return conn, brw, err
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// accessLog logs every request and, when a recorder is set, journals it.
// The request id stays local; it is not added to the forwarded request.
func (g *Gateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		route := g.router.Classify(r.URL.Path)
		rec := &responseRecorder{ResponseWriter: w}

		g.logger.Debug("request received",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.RequestURI()))

		defer func() {
			if p := recover(); p != nil {
				// a stream broken mid-copy aborts the handler; log it and let net/http finish
				g.logger.Info("request aborted",
					zap.String("request_id", id),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("route", route.String()),
					zap.Int64("bytes", rec.bytes),
					zap.Duration("duration", time.Since(start)))
				panic(p)
			}
		}()
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			// nothing written: either the client left or net/http sends an empty 200
			status = http.StatusOK
			if r.Context().Err() != nil {
				status = 499
			}
		}
		dur := time.Since(start)

		g.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route.String()),
			zap.Int("status", status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("duration", dur))

		if g.recorder == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		err := g.recorder.Record(ctx, storage.Entry{
			RequestID:  id,
			Method:     r.Method,
			Path:       r.URL.Path,
			Route:      route.String(),
			Status:     status,
			Bytes:      rec.bytes,
			DurationMS: dur.Milliseconds(),
			RemoteAddr: r.RemoteAddr,
			CreatedAt:  start,
		})
		if err != nil {
			g.logger.Warn("journal write failed", zap.String("request_id", id), zap.Error(err))
		}
	})
}
