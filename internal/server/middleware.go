package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/internal/security"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

type contextKey string

const (
	deviceKeyCtx contextKey = "device_key"
	userKeyCtx   contextKey = "user_key"
)

// DeviceFromContext extracts the authenticated device key set by
// deviceAuthMiddleware.
func DeviceFromContext(ctx context.Context) (keys.SigningPublicKey, bool) {
	v, ok := ctx.Value(deviceKeyCtx).(keys.SigningPublicKey)
	return v, ok
}

// UserFromContext extracts the device's owning user key, resolved by
// deviceAuthMiddleware alongside the device key.
func UserFromContext(ctx context.Context) (keys.SigningPublicKey, bool) {
	v, ok := ctx.Value(userKeyCtx).(keys.SigningPublicKey)
	return v, ok
}

// deviceAuthMiddleware validates the "device" and "auth" headers carried by
// every device-gated endpoint and injects the resolved device/user keys
// into the request context.
func (s *Server) deviceAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceRaw, err := base64.URLEncoding.DecodeString(r.Header.Get("device"))
		if err != nil {
			writeEmpty(w, http.StatusBadRequest)
			return
		}
		deviceKey, ok := keys.SigningPublicKeyFromBytes(deviceRaw)
		if !ok {
			writeEmpty(w, http.StatusBadRequest)
			return
		}

		authRaw, err := base64.StdEncoding.DecodeString(r.Header.Get("auth"))
		if err != nil || len(authRaw) != protocol.AuthTokenSize {
			writeEmpty(w, http.StatusUnauthorized)
			return
		}
		var token [protocol.AuthTokenSize]byte
		copy(token[:], authRaw)

		if err := s.repo.CheckAuthToken(r.Context(), deviceKey, token); err != nil {
			writeEmpty(w, http.StatusUnauthorized)
			return
		}

		userKey, err := s.repo.UserKeyForDevice(r.Context(), deviceKey)
		if err != nil {
			writeEmpty(w, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), deviceKeyCtx, deviceKey)
		ctx = context.WithValue(ctx, userKeyCtx, userKey)
		next(w, r.WithContext(ctx))
	}
}

// adminAuthMiddleware validates the "auth" header against the currently
// active admin token.
func (s *Server) adminAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := base64.StdEncoding.DecodeString(r.Header.Get("auth"))
		if err != nil {
			writeEmpty(w, http.StatusUnauthorized)
			return
		}
		active, err := s.repo.CheckAdminToken(r.Context(), token)
		if err != nil || !active {
			writeEmpty(w, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// requestLogger logs each request with method, path, status, and duration.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("http request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// securityHeaders adds standard hardening headers to every response.
func securityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

// maxBodySize caps the request body at maxBytes; every legitimate body is
// far smaller, so an unbounded read buys nothing.
func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the originating address for rate limiting and
// brute-force tracking, preferring a forwarded header over RemoteAddr so a
// reverse-proxied deployment keys on the real client rather than the proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	}
	return r.RemoteAddr
}

// rateLimitByIP wraps security.RateLimiter in a per-IP token bucket with
// standard X-RateLimit-* headers (used on user/allow and user/register,
// the registration endpoints most exposed to abuse).
func rateLimitByIP(rps int) func(http.Handler) http.Handler {
	limiter := security.NewRateLimiter(rps, time.Minute, rps)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rps))

			if !limiter.Allow(clientIP(r)) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeEmpty(w, http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rps-1))
			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware records HTTP request counts and latency.
func metricsMiddleware(metrics *metricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)
			metrics.observe(r.Method, r.URL.Path, ww.statusCode, time.Since(start))
		})
	}
}
