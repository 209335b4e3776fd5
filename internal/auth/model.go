package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Satisfies reports whether r may access a route that requires role.
// Admin satisfies every requirement.
func (r Role) Satisfies(required Role) bool {
	return required == "" || r == RoleAdmin || r == required
}

// User is the public view of an account. It never carries the hash.
type User struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	Email              string     `json:"email"`
	Role               Role       `json:"role"`
	IsActive           bool       `json:"isActive"`
	MustChangePassword bool       `json:"mustChangePassword"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	LastLogin          *time.Time `json:"lastLogin,omitempty"`
}

type UserRecord struct {
	User
	PasswordHash string `json:"-"`
}

type NewUser struct {
	Username           string `json:"username"`
	Email              string `json:"email"`
	Password           string `json:"password"`
	Role               Role   `json:"role"`
	MustChangePassword bool   `json:"mustChangePassword"`
}

// UserUpdate holds the fields a caller wants to change. Nil means unchanged.
type UserUpdate struct {
	Username           *string `json:"username"`
	Email              *string `json:"email"`
	Password           *string `json:"password"`
	Role               *Role   `json:"role"`
	IsActive           *bool   `json:"isActive"`
	MustChangePassword *bool   `json:"mustChangePassword"`
}

type UserPatch struct {
	Username           *string
	Email              *string
	PasswordHash       *string
	Role               *Role
	IsActive           *bool
	MustChangePassword *bool
	UpdatedAt          time.Time
}

// removesActiveAdmin reports whether applying p to current would take an
// active admin out of the active-admin set.
func (p UserPatch) removesActiveAdmin(current User) bool {
	if current.Role != RoleAdmin || !current.IsActive {
		return false
	}
	if p.Role != nil && *p.Role != RoleAdmin {
		return true
	}
	return p.IsActive != nil && !*p.IsActive
}

type TokenPair struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}
