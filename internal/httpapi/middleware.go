package httpapi

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RequestLogger logs basic structured request/response metadata.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startedAt := time.Now()
			wrapped := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			logger.Info(
				"http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"bytes", wrapped.size,
				"duration_ms", time.Since(startedAt).Milliseconds(),
			)
		})
	}
}

// RecoverJSON converts a panic into a structured JSON error response.
func RecoverJSON(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					logger.Error("panic recovered", "panic", fmt.Sprint(recovered), "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit applies a per-client token bucket keyed by remote address.
// chi's RealIP middleware runs first, so RemoteAddr is the client address
// even behind a proxy.
func RateLimit(limit rate.Limit, burst int) func(http.Handler) http.Handler {
	var mu sync.Mutex
	limiters := map[string]*rate.Limiter{}
	get := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		limiter, ok := limiters[ip]
		if !ok {
			limiter = rate.NewLimiter(limit, burst)
			limiters[ip] = limiter
		}
		return limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !get(r.RemoteAddr).Allow() {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many commands, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// Cache serves repeated GET requests from an in-memory cache for the given
// duration. Only successful responses are cached.
func Cache(store *gocache.Cache, duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := r.URL.RequestURI()
			if hit, found := store.Get(key); found {
				cached := hit.(cachedResponse)
				for k, v := range cached.header {
					w.Header()[k] = v
				}
				w.WriteHeader(cached.status)
				_, _ = w.Write(cached.body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK, body: &bytes.Buffer{}}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(key, cachedResponse{
					status: capture.statusCode,
					header: w.Header().Clone(),
					body:   capture.body.Bytes(),
				}, duration)
			}
		})
	}
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	size       int
	body       *bytes.Buffer
}

func (w *responseCapture) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.NewResponseController reach the underlying writer, which
// the websocket upgrade needs to hijack the connection.
func (w *responseCapture) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseCapture) Write(body []byte) (int, error) {
	size, err := w.ResponseWriter.Write(body)
	w.size += size
	if w.body != nil {
		w.body.Write(body[:size])
	}
	return size, err
}
