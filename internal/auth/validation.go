package auth

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minUsernameLen  = 3
	maxUsernameLen  = 50
	maxEmailLen     = 100
	minPasswordLen  = 8
	maxPasswordLen  = 128
	passwordSymbols = `!@#$%^&*()_+-=[]{};':"\|,.<>?`
)

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	emailRegex    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

func validateUsername(username string) []string {
	switch {
	case strings.TrimSpace(username) == "":
		return []string{"Username is required"}
	case len(username) < minUsernameLen || len(username) > maxUsernameLen:
		return []string{"Username must be between 3 and 50 characters"}
	case !usernameRegex.MatchString(username):
		return []string{"Username can only contain letters, numbers, underscores, and hyphens"}
	}
	return nil
}

func validateEmail(email string) []string {
	switch {
	case strings.TrimSpace(email) == "":
		return []string{"Email is required"}
	case !emailRegex.MatchString(email):
		return []string{"Invalid email format"}
	case len(email) > maxEmailLen:
		return []string{"Email must be less than 100 characters"}
	}
	return nil
}

func validateRole(role Role) []string {
	if role != "" && !role.Valid() {
		return []string{`Role must be either "admin" or "user"`}
	}
	return nil
}

// ValidatePasswordStrength returns every rule the password breaks, or nil.
func ValidatePasswordStrength(password string) []string {
	var violations []string

	length := utf8.RuneCountInString(password)
	if length < minPasswordLen {
		violations = append(violations, "Password must be at least 8 characters long")
	}

	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSymbols, r):
			symbol = true
		}
	}
	if !lower {
		violations = append(violations, "Password must contain at least one lowercase letter")
	}
	if !upper {
		violations = append(violations, "Password must contain at least one uppercase letter")
	}
	if !digit {
		violations = append(violations, "Password must contain at least one number")
	}
	if !symbol {
		violations = append(violations, "Password must contain at least one special character")
	}
	if length > maxPasswordLen {
		violations = append(violations, "Password must be less than 128 characters")
	}

	return violations
}

// validateNewUser returns field problems and password-policy violations
// separately so callers can report them with the right error type.
func validateNewUser(in NewUser) (problems, policy []string) {
	problems = append(problems, validateUsername(in.Username)...)
	problems = append(problems, validateEmail(in.Email)...)
	problems = append(problems, validateRole(in.Role)...)
	if in.Password == "" {
		problems = append(problems, "Password is required")
	} else {
		policy = ValidatePasswordStrength(in.Password)
	}
	return problems, policy
}

func validateUpdate(in UserUpdate) (problems, policy []string) {
	if in.Username != nil {
		if strings.TrimSpace(*in.Username) == "" {
			problems = append(problems, "Username cannot be empty")
		} else {
			problems = append(problems, validateUsername(*in.Username)...)
		}
	}
	if in.Email != nil {
		if strings.TrimSpace(*in.Email) == "" {
			problems = append(problems, "Email cannot be empty")
		} else {
			problems = append(problems, validateEmail(*in.Email)...)
		}
	}
	if in.Role != nil {
		if *in.Role == "" {
			problems = append(problems, `Role must be either "admin" or "user"`)
		} else {
			problems = append(problems, validateRole(*in.Role)...)
		}
	}
	if in.Password != nil {
		if *in.Password == "" {
			problems = append(problems, "Password cannot be empty")
		} else {
			policy = ValidatePasswordStrength(*in.Password)
		}
	}
	return problems, policy
}

func combineValidation(problems, policy []string) error {
	if len(problems) > 0 {
		return ValidationError{Problems: append(problems, policy...)}
	}
	if len(policy) > 0 {
		return PolicyError{Violations: policy}
	}
	return nil
}
