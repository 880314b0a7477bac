package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"omen-backend/internal/apperr"
	"omen-backend/internal/lifecycle"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	adminActorKey
)

// RequestID returns the correlation id assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// adminActor returns the authenticated admin identity, if any.
func adminActor(ctx context.Context) lifecycle.Actor {
	actor, _ := ctx.Value(adminActorKey).(lifecycle.Actor)
	return actor
}

// withRequestID adopts the inbound x-request-id or generates one, stamps it
// on the context and echoes it in the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("x-request-id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestID(r.Context()))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// rateLimiter is a fixed-window per-client limit backed by Redis, so the
// count holds across replicas.
type rateLimiter struct {
	rdb    *redis.Client
	window time.Duration
	max    int
	logger *slog.Logger
}

func newRateLimiter(rdb *redis.Client, window time.Duration, max int, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{rdb: rdb, window: window, max: max, logger: logger}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.max <= 0 || exemptFromRateLimit(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		bucket := time.Now().UnixMilli() / rl.window.Milliseconds()
		key := fmt.Sprintf("ratelimit:%s:%d", clientIP(r), bucket)

		pipe := rl.rdb.Pipeline()
		count := pipe.Incr(r.Context(), key)
		pipe.Expire(r.Context(), key, rl.window)
		if _, err := pipe.Exec(r.Context()); err != nil {
			// Fail open: a Redis outage must not take the API down with it.
			rl.logger.Warn("rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if count.Val() > int64(rl.max) {
			writeError(w, r, rl.logger, apperr.New(apperr.CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Operational endpoints and the long-lived WebSocket upgrade are not
// throttled.
func exemptFromRateLimit(path string) bool {
	return path == "/healthz" || path == "/metrics" || path == "/ws"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// adminAuth guards admin endpoints with either a static API key or an
// RS256 bearer token, whichever the deployment configured.
type adminAuth struct {
	apiKey string
	jwtKey *rsa.PublicKey
	logger *slog.Logger
}

func newAdminAuth(apiKey, jwtPublicKeyPEM string, logger *slog.Logger) (*adminAuth, error) {
	a := &adminAuth{apiKey: apiKey, logger: logger}
	if jwtPublicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(jwtPublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse admin JWT public key: %w", err)
		}
		a.jwtKey = key
	}
	return a, nil
}

func (a *adminAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.authenticate(r)
		if err != nil {
			writeError(w, r, a.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminActorKey, actor)))
	})
}

func (a *adminAuth) authenticate(r *http.Request) (lifecycle.Actor, error) {
	if a.apiKey != "" {
		got := r.Header.Get("x-api-key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.apiKey)) == 1 {
			return lifecycle.Actor{ID: "admin", Roles: []string{"admin"}}, nil
		}
		return lifecycle.Actor{}, apperr.New(apperr.CodeUnauthorized, "invalid admin API key")
	}

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || a.jwtKey == nil {
		return lifecycle.Actor{}, apperr.New(apperr.CodeUnauthorized, "missing admin credentials")
	}
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.jwtKey, nil
	})
	if err != nil {
		return lifecycle.Actor{}, apperr.Wrap(apperr.CodeUnauthorized, "invalid admin token", err)
	}
	if claims.Subject == "" {
		return lifecycle.Actor{}, apperr.New(apperr.CodeUnauthorized, "admin token missing subject")
	}
	return lifecycle.Actor{ID: claims.Subject, Roles: []string{"admin"}}, nil
}
