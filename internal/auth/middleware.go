package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/observability"
	"github.com/VitoHuang720618/bojiu/internal/ratelimit"
)

const DefaultPasswordChangePath = "/auth/change-password"

// RouteOptions describe what a route demands of its caller. An empty Role
// admits any authenticated user.
type RouteOptions struct {
	Optional bool
	Role     Role
}

type Gate struct {
	tokens              *TokenService
	limiter             ratelimit.Limiter
	keys                *ratelimit.ClientKeys
	logger              *observability.Logger
	passwordChangePaths map[string]struct{}
	nearExpiry          time.Duration
}

func NewGate(tokens *TokenService, limiter ratelimit.Limiter, keys *ratelimit.ClientKeys, logger *observability.Logger, passwordChangePaths ...string) *Gate {
	if len(passwordChangePaths) == 0 {
		passwordChangePaths = []string{DefaultPasswordChangePath}
	}
	paths := make(map[string]struct{}, len(passwordChangePaths))
	for _, p := range passwordChangePaths {
		paths[p] = struct{}{}
	}
	return &Gate{
		tokens:              tokens,
		limiter:             limiter,
		keys:                keys,
		logger:              logger,
		passwordChangePaths: paths,
		nearExpiry:          DefaultNearExpiry,
	}
}

func (g *Gate) Optional(next http.Handler) http.Handler {
	return g.Require(RouteOptions{Optional: true}, next)
}

func (g *Gate) Authenticated(next http.Handler) http.Handler {
	return g.Require(RouteOptions{}, next)
}

func (g *Gate) RequireUser(next http.Handler) http.Handler {
	return g.Require(RouteOptions{Role: RoleUser}, next)
}

func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return g.Require(RouteOptions{Role: RoleAdmin}, next)
}

func (g *Gate) Require(opts RouteOptions, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if opts.Optional {
			if token, ok := bearerToken(r); ok {
				if user, err := g.tokens.ValidateToken(ctx, token); err == nil {
					ctx = ContextWithUser(ctx, user)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		clientKey := g.keys.Key(r)

		var limited RateLimitedError
		if err := checkLimiter(ctx, g.limiter, g.logger, clientKey); errors.As(err, &limited) {
			writeRateLimited(w, limited)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			g.recordFailure(ctx, clientKey)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Authentication token required", Code: "TOKEN_MISSING"})
			return
		}

		user, err := g.tokens.ValidateToken(ctx, token)
		if err != nil {
			status, body, counted := tokenFailure(err)
			if !counted {
				sentry.CaptureException(err)
				g.logger.Error("token_validation_failed", map[string]any{"error": err.Error()})
			} else {
				g.recordFailure(ctx, clientKey)
			}
			writeJSON(w, status, body)
			return
		}

		if !user.Role.Satisfies(opts.Role) {
			writeJSON(w, http.StatusForbidden, errorBody{
				Error: fmt.Sprintf("Access denied. %s role required.", opts.Role),
				Code:  "FORBIDDEN",
			})
			return
		}

		if user.MustChangePassword && !g.isPasswordChangePath(r.URL.Path) {
			writeJSON(w, http.StatusForbidden, errorBody{
				Error:              "Password change required",
				Code:               "PASSWORD_CHANGE_REQUIRED",
				MustChangePassword: true,
			})
			return
		}

		if err := g.limiter.Reset(ctx, clientKey); err != nil {
			g.logger.Warn("rate_limit_reset_failed", map[string]any{"error": err.Error()})
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(ctx, user)))
	})
}

// ExpiryHint tells clients to refresh when the presented token is close to
// expiry. It never blocks the request.
func (g *Gate) ExpiryHint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); ok {
			if token, ok := bearerToken(r); ok && g.tokens.IsNearExpiry(token, g.nearExpiry) {
				w.Header().Set("X-Token-Refresh-Suggested", "true")
				if exp, ok := g.tokens.ExpiryOf(token); ok {
					w.Header().Set("X-Token-Expires-At", exp.Format(time.RFC3339))
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) Protect(opts RouteOptions, next http.Handler) http.Handler {
	return g.Require(opts, g.ExpiryHint(next))
}

func (g *Gate) isPasswordChangePath(path string) bool {
	_, ok := g.passwordChangePaths[strings.TrimSuffix(path, "/")]
	return ok
}

func (g *Gate) recordFailure(ctx context.Context, key string) {
	if err := g.limiter.RecordFailure(ctx, key); err != nil {
		g.logger.Warn("rate_limit_record_failed", map[string]any{"error": err.Error()})
	}
}

// tokenFailure maps a validation error to a response. counted is false for
// infrastructure errors, which are not the caller's fault.
func tokenFailure(err error) (int, errorBody, bool) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized, errorBody{Error: "Token expired", Code: "TOKEN_EXPIRED"}, true
	case errors.Is(err, ErrAccountDisabled):
		return http.StatusUnauthorized, errorBody{Error: "Account disabled", Code: "ACCOUNT_DISABLED"}, true
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrUserNotFound):
		return http.StatusUnauthorized, errorBody{Error: "Invalid authentication token", Code: "TOKEN_INVALID"}, true
	default:
		return http.StatusInternalServerError, errorBody{Error: "authentication failed"}, false
	}
}

// AuditTrail writes one audit line per authenticated call and per call to
// an /auth/ endpoint, tagged with the response status.
func AuditTrail(recorder audit.Recorder, keys *ratelimit.ClientKeys, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := &identitySlot{}
		ctx := audit.WithClient(r.Context(), audit.Client{
			IP:        keys.Key(r),
			UserAgent: r.UserAgent(),
		})
		ctx = context.WithValue(ctx, identitySlotKey{}, slot)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		details := fmt.Sprintf("%s %s -> %d", r.Method, r.URL.Path, rec.status)
		switch {
		case slot.user != nil:
			recorder.Record(ctx, audit.Entry{
				UserID:  audit.UserRef(slot.user.ID),
				Action:  audit.ActionAuthEvent,
				Details: details,
			})
		case strings.HasPrefix(r.URL.Path, "/auth/"):
			recorder.Record(ctx, audit.Entry{
				Action:  audit.ActionAuthAttempt,
				Details: details,
			})
		}
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

type identityKey struct{}

type identitySlotKey struct{}

type identitySlot struct {
	user *User
}

func ContextWithUser(ctx context.Context, user User) context.Context {
	noteIdentity(ctx, user)
	return context.WithValue(ctx, identityKey{}, user)
}

// noteIdentity lets outer middleware learn who the caller turned out to be.
func noteIdentity(ctx context.Context, user User) {
	if slot, ok := ctx.Value(identitySlotKey{}).(*identitySlot); ok {
		u := user
		slot.user = &u
	}
}

func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(identityKey{}).(User)
	return user, ok
}
