package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VitoHuang720618/bojiu/internal/audit"
)

// UserService is the credential store: validation, hashing and auditing on
// top of a UserRepository. Hashes never leave this type.
type UserService struct {
	repo    UserRepository
	hasher  PasswordHasher
	auditor audit.Recorder
	now     func() time.Time
}

func NewUserService(repo UserRepository, hasher PasswordHasher, auditor audit.Recorder) *UserService {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &UserService{
		repo:    repo,
		hasher:  hasher,
		auditor: auditor,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *UserService) CreateUser(ctx context.Context, in NewUser) (User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Role == "" {
		in.Role = RoleUser
	}

	if err := combineValidation(validateNewUser(in)); err != nil {
		return User{}, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return User{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := s.now()
	rec := UserRecord{
		User: User{
			ID:                 id.String(),
			Username:           in.Username,
			Email:              in.Email,
			Role:               in.Role,
			IsActive:           true,
			MustChangePassword: in.MustChangePassword,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		PasswordHash: hash,
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return User{}, err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:  audit.UserRef(rec.ID),
		Action:  audit.ActionUserCreated,
		Details: fmt.Sprintf("User %s created with role %s", rec.Username, rec.Role),
	})

	return rec.User, nil
}

// GetUserByID returns the user regardless of the active flag.
func (s *UserService) GetUserByID(ctx context.Context, id string) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, ErrNotFound
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	return rec.User, nil
}

func (s *UserService) GetUserByUsername(ctx context.Context, username string) (User, error) {
	rec, err := s.repo.GetActiveByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return User{}, err
	}
	return rec.User, nil
}

func (s *UserService) GetUserByEmail(ctx context.Context, email string) (User, error) {
	rec, err := s.repo.GetActiveByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return User{}, err
	}
	return rec.User, nil
}

func (s *UserService) UpdateUser(ctx context.Context, id string, in UserUpdate) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, ErrNotFound
	}

	if in.Username != nil {
		trimmed := strings.TrimSpace(*in.Username)
		in.Username = &trimmed
	}
	if in.Email != nil {
		trimmed := strings.TrimSpace(*in.Email)
		in.Email = &trimmed
	}
	if err := combineValidation(validateUpdate(in)); err != nil {
		return User{}, err
	}

	patch := UserPatch{
		Username:           in.Username,
		Email:              in.Email,
		Role:               in.Role,
		IsActive:           in.IsActive,
		MustChangePassword: in.MustChangePassword,
		UpdatedAt:          s.now(),
	}
	if in.Password != nil {
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return User{}, err
		}
		patch.PasswordHash = &hash
	}

	rec, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return User{}, err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:  audit.UserRef(rec.ID),
		Action:  audit.ActionUserUpdated,
		Details: fmt.Sprintf("User %s updated: %s", rec.Username, strings.Join(changedFields(in), ", ")),
	})

	return rec.User, nil
}

func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	rec, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}

	// The row is gone, so the entry keeps no user reference.
	s.auditor.Record(ctx, audit.Entry{
		Action:  audit.ActionUserDeleted,
		Details: fmt.Sprintf("User %s (%s) deleted", rec.Username, rec.ID),
	})
	return nil
}

// VerifyPassword returns the user only when it is active and the password
// matches. Unknown users and wrong passwords are indistinguishable.
func (s *UserService) VerifyPassword(ctx context.Context, username, plain string) (User, bool, error) {
	rec, err := s.repo.GetActiveByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.hasher.Burn(plain)
			return User{}, false, nil
		}
		return User{}, false, err
	}

	if !s.hasher.Verify(plain, rec.PasswordHash) {
		return User{}, false, nil
	}
	return rec.User, true, nil
}

func (s *UserService) checkPassword(ctx context.Context, id, plain string) (bool, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return s.hasher.Verify(plain, rec.PasswordHash), nil
}

func (s *UserService) ListUsers(ctx context.Context) ([]User, error) {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(recs))
	for _, rec := range recs {
		users = append(users, rec.User)
	}
	return users, nil
}

func (s *UserService) CountUsers(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func (s *UserService) CountActiveByRole(ctx context.Context, role Role) (int, error) {
	return s.repo.CountActiveByRole(ctx, role)
}

func (s *UserService) UpdateLastLogin(ctx context.Context, id string) error {
	return s.repo.TouchLastLogin(ctx, id, s.now())
}

func changedFields(in UserUpdate) []string {
	fields := make([]string, 0, 6)
	if in.Username != nil {
		fields = append(fields, "username")
	}
	if in.Email != nil {
		fields = append(fields, "email")
	}
	if in.Password != nil {
		fields = append(fields, "password")
	}
	if in.Role != nil {
		fields = append(fields, "role")
	}
	if in.IsActive != nil {
		fields = append(fields, "isActive")
	}
	if in.MustChangePassword != nil {
		fields = append(fields, "mustChangePassword")
	}
	return fields
}
