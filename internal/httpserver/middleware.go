package httpserver

import (
	"context"
	"crypto/rand"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"ganymede/internal/auth"
	"ganymede/internal/logger"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one is outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type ctxKey string

const requestIDKey ctxKey = "ganymede.request_id"

// RequestIDFromContext returns the id assigned by withRequestID.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ulid.MustNew(ulid.Now(), rand.Reader).String()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(&cacheWriter{ResponseWriter: w, policy: cachePolicy(r.URL.Path)}, r)
	})
}

// cachePolicy is the Cache-Control value for a successful response. Assets
// are the same for everyone; thumbnails sit behind auth and must stay out of
// shared caches.
func cachePolicy(path string) string {
	switch {
	case strings.HasPrefix(path, "/assets/"):
		return "public, max-age=3600"
	case strings.HasPrefix(path, "/thumb/"):
		return "private, max-age=3600"
	default:
		return "no-store"
	}
}

// cacheWriter sets Cache-Control once the status is known. Errors are never
// cacheable.
type cacheWriter struct {
	http.ResponseWriter
	policy string
	wrote  bool
}

func (c *cacheWriter) WriteHeader(code int) {
	if !c.wrote {
		c.wrote = true
		if code >= http.StatusBadRequest {
			c.Header().Set("Cache-Control", "no-store")
		} else {
			c.Header().Set("Cache-Control", c.policy)
		}
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *cacheWriter) Write(b []byte) (int, error) {
	if !c.wrote {
		c.WriteHeader(http.StatusOK)
	}
	return c.ResponseWriter.Write(b)
}

func (c *cacheWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

// statusRecorder remembers the status code and body size written.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// routeLabel keeps metric cardinality bounded: one label per route, never
// the raw path.
func routeLabel(path string) string {
	switch {
	case path == "/":
		return "index"
	case strings.HasPrefix(path, "/download/"):
		return "download"
	case strings.HasPrefix(path, "/preview/"):
		return "preview"
	case strings.HasPrefix(path, "/thumb/"):
		return "thumb"
	case strings.HasPrefix(path, "/assets/"):
		return "assets"
	case path == "/favicon.ico":
		return "favicon"
	case path == "/metrics":
		return "metrics"
	default:
		return "other"
	}
}

// withAccessLog logs one line per request and feeds the request metrics.
// The user is read from the context set by the auth gate, which runs inside
// this middleware, so it is captured through a shared pointer.
func withAccessLog(log logger.Logger, m *metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			var user string
			r = r.WithContext(withUserSink(r.Context(), &user))

			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			route := routeLabel(r.URL.Path)
			m.observe(route, rec.status, time.Since(start))
			log.Info("request",
				"id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"user", user,
				"remote", r.RemoteAddr,
				"duration", time.Since(start).String(),
			)
		})
	}
}

const userSinkKey ctxKey = "ganymede.user_sink"

func withUserSink(ctx context.Context, p *string) context.Context {
	return context.WithValue(ctx, userSinkKey, p)
}

// recordUser copies the authenticated user into the access log sink.
func recordUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := r.Context().Value(userSinkKey).(*string); ok {
			*p = auth.UserFromContext(r.Context())
		}
		next.ServeHTTP(w, r)
	})
}
