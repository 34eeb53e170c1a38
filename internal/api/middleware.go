package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/auth"
	"github.com/owenbray/pulse/internal/redis"
)

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFrom returns the authenticated caller's claims, or nil when the
// request did not pass AuthMiddleware.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// AuthMiddleware validates the bearer token and stores the caller's
// claims on the request context. Requests without a valid token get a
// problem+json unauthenticated response.
func AuthMiddleware(tokens *auth.TokenService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				writeProblem(w, http.StatusUnauthorized, "unauthenticated",
					"Missing bearer token", "Authorization header with a bearer token is required")
				return
			}

			claims, err := tokens.Validate(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				logger.Debug("token validation failed", zap.Error(err))
				writeProblem(w, http.StatusUnauthorized, "unauthenticated",
					"Invalid bearer token", "")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireDispatchRole rejects callers whose claims do not authorize
// push dispatch.
func RequireDispatchRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if claims == nil {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated",
				"Missing bearer token", "")
			return
		}
		if !claims.CanDispatch() {
			writeProblem(w, http.StatusForbidden, "permission-denied",
				"Insufficient permissions",
				"Dispatching push notifications requires a privileged committee rank or tech committee membership")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware enforces a sliding-window rate limit keyed by the
// authenticated caller. Falls open when the limiter is unavailable.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			claims := ClaimsFrom(r.Context())
			if claims == nil {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), "caller:"+claims.UserID)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Remaining+1))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				retryAfter := time.Until(result.ResetAt).Seconds()
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))
				writeProblem(w, http.StatusTooManyRequests, "rate-limit-exceeded",
					"Too Many Requests", "Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
