package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openctemio/scanregistry/internal/config"
	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// RequestIDKey is the context key of the request id. It is shared with the
// logger so WithContext picks it up.
const RequestIDKey = logger.ContextKeyRequestID

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 128
)

// RequestID propagates the caller's X-Request-ID or assigns a new one.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(requestIDHeader)
			if !validRequestID(requestID) {
				requestID = uuid.NewString()
			}

			w.Header().Set(requestIDHeader, requestID)
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validRequestID accepts short printable ASCII ids so caller input cannot
// inject control characters into log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggerConfig configures HTTP request logging behavior.
type LoggerConfig struct {
	// SkipPaths are never logged.
	SkipPaths []string

	// SlowRequestThreshold logs slower requests as warnings. Zero disables it.
	SlowRequestThreshold time.Duration
}

// DefaultLoggerConfig skips health and metrics scrapes.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		SkipPaths:            []string{"/health", "/metrics"},
		SlowRequestThreshold: 5 * time.Second,
	}
}

// LoggerWithConfig logs one line per request. The level follows the outcome:
// 5xx is an error, 4xx and slow requests are warnings.
func LoggerWithConfig(log *logger.Logger, cfg LoggerConfig) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration", elapsed,
				"remote_addr", r.RemoteAddr,
			}
			if rec.subject != "" {
				attrs = append(attrs, "subject", rec.subject)
			}

			reqLog := log.WithContext(r.Context())
			switch {
			case rec.status >= http.StatusInternalServerError:
				reqLog.Error("http request", attrs...)
			case rec.status >= http.StatusBadRequest:
				reqLog.Warn("http request", attrs...)
			case cfg.SlowRequestThreshold > 0 && elapsed > cfg.SlowRequestThreshold:
				reqLog.Warn("slow http request", attrs...)
			default:
				reqLog.Info("http request", attrs...)
			}
		})
	}
}

// Recovery turns a handler panic into an unexpected_error envelope. Stack
// traces are logged outside production only.
func Recovery(log *logger.Logger, isProduction bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				panicsRecovered.Inc()
				attrs := []any{"panic", rec, "path", r.URL.Path}
				if !isProduction {
					attrs = append(attrs, "stack", string(debug.Stack()))
				}
				log.WithContext(r.Context()).Error("panic recovered", attrs...)

				apierror.Unexpected("Internal server error", fmt.Errorf("panic: %v", rec)).
					WriteJSONWithRequestID(w, "", GetRequestID(r.Context()))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests and sets the allow headers for configured
// origins. A "*" entry allows any origin without credentials.
func CORS(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	wildcard := false
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			wildcard = true
			continue
		}
		allowed[origin] = struct{}{}
	}

	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; ok && origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			} else if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			}
			h.Set("Access-Control-Expose-Headers", requestIDHeader)

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Max-Age", maxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
