package auth

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/observability"
	"github.com/VitoHuang720618/bojiu/internal/ratelimit"
)

const testClient = "203.0.113.7"

func TestService_LoginSuccess(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", RoleUser, false)

	result, err := env.service.Login(context.Background(), "  alice ", "Abcdef1!", testClient)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, result.User.ID)
	assert.NotNil(t, result.User.LastLogin)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)

	user, err := env.tokens.ValidateToken(context.Background(), result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, user.ID)
}

func TestService_LoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", RoleUser, false)
	ctx := context.Background()

	_, err := env.service.Login(ctx, "alice", "nope", testClient)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.service.Login(ctx, "ghost", "Abcdef1!", testClient)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.service.Login(ctx, "", "", testClient)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

// Five failures block the client for the window, even for the right password.
func TestService_LoginThrottlesAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", RoleUser, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.service.Login(ctx, "alice", "wrong", testClient)
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := env.service.Login(ctx, "alice", "Abcdef1!", testClient)
	var limited RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, limited.RetryAfter, 15*time.Minute)

	_, err = env.service.Login(ctx, "alice", "Abcdef1!", "203.0.113.8")
	assert.NoError(t, err, "other clients are unaffected")
}

func TestService_LoginSuccessResetsFailures(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", RoleUser, false)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = env.service.Login(ctx, "alice", "wrong", testClient)
	}
	_, err := env.service.Login(ctx, "alice", "Abcdef1!", testClient)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = env.service.Login(ctx, "alice", "wrong", testClient)
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	limited, _, err := env.limiter.Limited(ctx, testClient)
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestService_LoginSurvivesLimiterOutage(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", RoleUser, false)
	service := NewService(env.users, env.tokens, brokenLimiter{}, env.recorder, observability.NewLoggerTo(io.Discard))

	_, err := service.Login(context.Background(), "alice", "Abcdef1!", testClient)
	assert.NoError(t, err)

	_, err = service.Login(context.Background(), "alice", "wrong", testClient)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_LoginPropagatesStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("db down")
	env.repo.err = boom

	_, err := env.service.Login(context.Background(), "alice", "Abcdef1!", testClient)
	assert.ErrorIs(t, err, boom)
}

func TestService_Refresh(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", RoleUser, false)
	ctx := context.Background()

	result, err := env.service.Login(ctx, "alice", "Abcdef1!", testClient)
	require.NoError(t, err)

	pair, err := env.service.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)

	_, err = env.service.Refresh(ctx, result.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestService_ChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser(t, "alice", RoleUser, true)

	_, err := env.service.ChangePassword(ctx, alice, "wrong", "Newpass1!")
	assert.ErrorIs(t, err, ErrIncorrectPassword)

	_, err = env.service.ChangePassword(ctx, alice, "Abcdef1!", "weak")
	var policy PolicyError
	require.ErrorAs(t, err, &policy)
	assert.NotEmpty(t, policy.Violations)

	updated, err := env.service.ChangePassword(ctx, alice, "Abcdef1!", "Newpass1!")
	require.NoError(t, err)
	assert.False(t, updated.MustChangePassword)

	_, ok, err := env.users.VerifyPassword(ctx, "alice", "Newpass1!")
	require.NoError(t, err)
	assert.True(t, ok)

	changed := env.recorder.byAction(audit.ActionPasswordChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, alice.ID, *changed[0].UserID)
}

func TestService_EnsureDefaultAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := DefaultAdmin{Username: "admin", Email: "admin@b9website.local", Password: "Admin123!"}

	created, err := env.service.EnsureDefaultAdmin(ctx, admin)
	require.NoError(t, err)
	assert.True(t, created)

	user, err := env.users.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, user.Role)
	assert.True(t, user.MustChangePassword)

	created, err = env.service.EnsureDefaultAdmin(ctx, admin)
	require.NoError(t, err)
	assert.False(t, created)

	count, err := env.users.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestService_EnsureDefaultAdminSkipsPopulatedStore(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", RoleUser, false)

	created, err := env.service.EnsureDefaultAdmin(context.Background(), DefaultAdmin{
		Username: "admin", Email: "admin@b9website.local", Password: "Admin123!",
	})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestService_EnsureDefaultAdminTreatsRaceAsDone(t *testing.T) {
	repo := &racingRepo{memRepo: newMemRepo()}
	users := NewUserService(repo, NewBcryptHasher(bcrypt.MinCost), nil)
	tokens := NewTokenService(users, TokenConfig{Secret: testSecret})
	limiter := ratelimit.NewMemory(ratelimit.Config{})
	service := NewService(users, tokens, limiter, nil, observability.NewLoggerTo(io.Discard))

	created, err := service.EnsureDefaultAdmin(context.Background(), DefaultAdmin{
		Username: "admin", Email: "admin@b9website.local", Password: "Admin123!",
	})
	require.NoError(t, err)
	assert.False(t, created)
}

// racingRepo reports an empty store but loses every insert to a concurrent
// writer.
type racingRepo struct {
	*memRepo
}

func (r *racingRepo) Insert(context.Context, UserRecord) error {
	return DuplicateError{Field: "username"}
}

type brokenLimiter struct{}

var errLimiterDown = errors.New("limiter down")

func (brokenLimiter) Limited(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errLimiterDown
}
func (brokenLimiter) RecordFailure(context.Context, string) error { return errLimiterDown }
func (brokenLimiter) Reset(context.Context, string) error { return errLimiterDown }
func (brokenLimiter) Cleanup(context.Context) (int, error) { return 0, errLimiterDown }
func (brokenLimiter) Stats(context.Context) (ratelimit.Stats, error) {
	return ratelimit.Stats{}, errLimiterDown
}
