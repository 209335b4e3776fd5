package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultNearExpiry = 5 * time.Minute
	tokenIssuer       = "b9-admin"
)

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (User, error)
}

type TokenConfig struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService signs and validates HS256 tokens. Tokens are stateless:
// there is no revocation list, so logout is a client-side discard.
type TokenService struct {
	users      UserLookup
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenService(users UserLookup, cfg TokenConfig) *TokenService {
	s := &TokenService{
		users:      users,
		secret:     []byte(cfg.Secret),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if cfg.AccessTTL > 0 {
		s.accessTTL = cfg.AccessTTL
	}
	if cfg.RefreshTTL > 0 {
		s.refreshTTL = cfg.RefreshTTL
	}
	return s
}

func (s *TokenService) IssueAccessToken(user User) (string, error) {
	return s.sign(user, tokenTypeAccess, s.accessTTL)
}

func (s *TokenService) IssueRefreshToken(user User) (string, error) {
	return s.sign(user, tokenTypeRefresh, s.refreshTTL)
}

func (s *TokenService) IssuePair(user User) (TokenPair, error) {
	access, err := s.IssueAccessToken(user)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.IssueRefreshToken(user)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *TokenService) sign(user User, tokenType string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		Username: user.Username,
		Role:     user.Role,
		Type:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

func (s *TokenService) parse(token, tokenType string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(tokenIssuer),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.Type != tokenType || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ValidateToken checks an access token and returns the live user record.
// Claims are never trusted for role or active state.
func (s *TokenService) ValidateToken(ctx context.Context, token string) (User, error) {
	return s.validate(ctx, token, tokenTypeAccess)
}

func (s *TokenService) validate(ctx context.Context, token, tokenType string) (User, error) {
	claims, err := s.parse(token, tokenType)
	if err != nil {
		return User{}, err
	}

	user, err := s.users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("load token subject: %w", err)
	}
	if !user.IsActive {
		return User{}, ErrAccountDisabled
	}
	return user, nil
}

func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, User, error) {
	user, err := s.validate(ctx, refreshToken, tokenTypeRefresh)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	pair, err := s.IssuePair(user)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	return pair, user, nil
}

// ExpiryOf reads the exp claim without verifying the signature.
func (s *TokenService) ExpiryOf(token string) (time.Time, bool) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time.UTC(), true
}

// IsNearExpiry treats unreadable tokens as near expiry.
func (s *TokenService) IsNearExpiry(token string, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultNearExpiry
	}
	exp, ok := s.ExpiryOf(token)
	if !ok {
		return true
	}
	return exp.Sub(s.now()) <= threshold
}
