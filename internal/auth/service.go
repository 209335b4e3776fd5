package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/observability"
	"github.com/VitoHuang720618/bojiu/internal/ratelimit"
)

type Service struct {
	users   *UserService
	tokens  *TokenService
	limiter ratelimit.Limiter
	auditor audit.Recorder
	logger  *observability.Logger
}

func NewService(users *UserService, tokens *TokenService, limiter ratelimit.Limiter, auditor audit.Recorder, logger *observability.Logger) *Service {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Service{
		users:   users,
		tokens:  tokens,
		limiter: limiter,
		auditor: auditor,
		logger:  logger,
	}
}

type LoginResult struct {
	User   User
	Tokens TokenPair
}

// Login checks the limiter before looking at credentials, so a throttled
// client is refused even with the right password.
func (s *Service) Login(ctx context.Context, username, password, clientKey string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := s.checkLimiter(ctx, clientKey); err != nil {
		return LoginResult{}, err
	}

	user, ok, err := s.users.VerifyPassword(ctx, username, password)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		s.recordFailure(ctx, clientKey)
		return LoginResult{}, ErrInvalidCredentials
	}

	s.resetLimiter(ctx, clientKey)

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return LoginResult{}, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("update_last_login_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	} else {
		now := s.users.now()
		user.LastLogin = &now
	}

	return LoginResult{User: user, Tokens: pair}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, _, err := s.tokens.Refresh(ctx, refreshToken)
	return pair, err
}

func (s *Service) ChangePassword(ctx context.Context, user User, current, next string) (User, error) {
	ok, err := s.users.checkPassword(ctx, user.ID, current)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrIncorrectPassword
	}

	if violations := ValidatePasswordStrength(next); len(violations) > 0 {
		return User{}, PolicyError{Violations: violations}
	}

	cleared := false
	updated, err := s.users.UpdateUser(ctx, user.ID, UserUpdate{
		Password:           &next,
		MustChangePassword: &cleared,
	})
	if err != nil {
		return User{}, err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:  audit.UserRef(updated.ID),
		Action:  audit.ActionPasswordChanged,
		Details: fmt.Sprintf("User %s changed password", updated.Username),
	})

	return updated, nil
}

type DefaultAdmin struct {
	Username string
	Email    string
	Password string
}

// EnsureDefaultAdmin seeds an admin with a forced password change when the
// store is empty. Safe to call on every start and from several instances.
func (s *Service) EnsureDefaultAdmin(ctx context.Context, admin DefaultAdmin) (bool, error) {
	count, err := s.users.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	user, err := s.users.CreateUser(ctx, NewUser{
		Username:           admin.Username,
		Email:              admin.Email,
		Password:           admin.Password,
		Role:               RoleAdmin,
		MustChangePassword: true,
	})
	if err != nil {
		var dup DuplicateError
		if errors.As(err, &dup) {
			return false, nil
		}
		return false, fmt.Errorf("create default admin: %w", err)
	}

	s.logger.Info("default_admin_created", map[string]any{"user_id": user.ID, "username": user.Username})
	return true, nil
}

// Limiter failures are logged and treated as "not limited" so an outage of
// the counter store does not lock everyone out.
func (s *Service) checkLimiter(ctx context.Context, key string) error {
	return checkLimiter(ctx, s.limiter, s.logger, key)
}

func (s *Service) recordFailure(ctx context.Context, key string) {
	if err := s.limiter.RecordFailure(ctx, key); err != nil {
		s.logger.Warn("rate_limit_record_failed", map[string]any{"error": err.Error()})
	}
}

func (s *Service) resetLimiter(ctx context.Context, key string) {
	if err := s.limiter.Reset(ctx, key); err != nil {
		s.logger.Warn("rate_limit_reset_failed", map[string]any{"error": err.Error()})
	}
}

func checkLimiter(ctx context.Context, limiter ratelimit.Limiter, logger *observability.Logger, key string) error {
	limited, retryAfter, err := limiter.Limited(ctx, key)
	if err != nil {
		logger.Warn("rate_limit_check_failed", map[string]any{"error": err.Error()})
		return nil
	}
	if limited {
		return RateLimitedError{RetryAfter: retryAfter}
	}
	return nil
}
