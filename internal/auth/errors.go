package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrLastAdmin          = errors.New("cannot delete the last admin user")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrUserNotFound       = errors.New("token subject no longer exists")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrSelfDelete         = errors.New("cannot delete your own account")
	ErrIncorrectPassword  = errors.New("current password is incorrect")
)

type ValidationError struct {
	Problems []string
}

func (e ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, ", ")
}

type DuplicateError struct {
	Field string
}

func (e DuplicateError) Error() string {
	switch e.Field {
	case "username":
		return "Username already exists"
	case "email":
		return "Email already exists"
	default:
		return "User already exists"
	}
}

type PolicyError struct {
	Violations []string
}

func (e PolicyError) Error() string {
	return "password does not meet requirements: " + strings.Join(e.Violations, ", ")
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("too many authentication attempts, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds rounds up and never returns less than one.
func (e RateLimitedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
