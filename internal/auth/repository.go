package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// adminGuardLockKey serialises every mutation that can shrink the set of
// active admins.
const adminGuardLockKey int64 = 0x6239_6164_6d69_6e

const pgUniqueViolation = "23505"

const userColumns = `id, username, email, password_hash, role, is_active, must_change_password, created_at, updated_at, last_login`

// UserRepository is the storage contract behind UserService. Update and
// Delete must enforce the active-admin guard atomically.
type UserRepository interface {
	Insert(ctx context.Context, rec UserRecord) error
	GetByID(ctx context.Context, id string) (UserRecord, error)
	GetActiveByUsername(ctx context.Context, username string) (UserRecord, error)
	GetActiveByEmail(ctx context.Context, email string) (UserRecord, error)
	Update(ctx context.Context, id string, patch UserPatch) (UserRecord, error)
	Delete(ctx context.Context, id string) (UserRecord, error)
	List(ctx context.Context) ([]UserRecord, error)
	Count(ctx context.Context) (int, error)
	CountActiveByRole(ctx context.Context, role Role) (int, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (UserRecord, error) {
	var rec UserRecord
	var role string
	var lastLogin sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.Username, &rec.Email, &rec.PasswordHash, &role,
		&rec.IsActive, &rec.MustChangePassword, &rec.CreatedAt, &rec.UpdatedAt, &lastLogin,
	)
	if err != nil {
		return UserRecord{}, err
	}
	rec.Role = Role(role)
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		rec.LastLogin = &value
	}
	return rec, nil
}

func (r *Repository) Insert(ctx context.Context, rec UserRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, is_active, must_change_password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.Username, rec.Email, rec.PasswordHash, string(rec.Role), rec.IsActive, rec.MustChangePassword, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if dup, ok := duplicateFrom(err); ok {
			return dup
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (UserRecord, error) {
	rec, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserRecord{}, ErrNotFound
		}
		return UserRecord{}, fmt.Errorf("query user by id: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetActiveByUsername(ctx context.Context, username string) (UserRecord, error) {
	rec, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1 AND is_active = TRUE`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserRecord{}, ErrNotFound
		}
		return UserRecord{}, fmt.Errorf("query user by username: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetActiveByEmail(ctx context.Context, email string) (UserRecord, error) {
	rec, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1 AND is_active = TRUE`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserRecord{}, ErrNotFound
		}
		return UserRecord{}, fmt.Errorf("query user by email: %w", err)
	}
	return rec, nil
}

func (r *Repository) Update(ctx context.Context, id string, patch UserPatch) (UserRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return UserRecord{}, fmt.Errorf("begin update user tx: %w", err)
	}
	defer tx.Rollback()

	current, err := lockUser(ctx, tx, id)
	if err != nil {
		return UserRecord{}, err
	}

	if patch.removesActiveAdmin(current.User) {
		if err := guardLastAdmin(ctx, tx); err != nil {
			return UserRecord{}, err
		}
	}

	rec, err := scanUser(tx.QueryRowContext(ctx, `
		UPDATE users SET
			username = COALESCE($2, username),
			email = COALESCE($3, email),
			password_hash = COALESCE($4, password_hash),
			role = COALESCE($5, role),
			is_active = COALESCE($6, is_active),
			must_change_password = COALESCE($7, must_change_password),
			updated_at = $8
		WHERE id = $1
		RETURNING `+userColumns,
		id, patch.Username, patch.Email, patch.PasswordHash, roleArg(patch.Role), patch.IsActive, patch.MustChangePassword, patch.UpdatedAt,
	))
	if err != nil {
		if dup, ok := duplicateFrom(err); ok {
			return UserRecord{}, dup
		}
		return UserRecord{}, fmt.Errorf("update user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return UserRecord{}, fmt.Errorf("commit update user tx: %w", err)
	}
	return rec, nil
}

func (r *Repository) Delete(ctx context.Context, id string) (UserRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return UserRecord{}, fmt.Errorf("begin delete user tx: %w", err)
	}
	defer tx.Rollback()

	current, err := lockUser(ctx, tx, id)
	if err != nil {
		return UserRecord{}, err
	}

	if current.Role == RoleAdmin && current.IsActive {
		if err := guardLastAdmin(ctx, tx); err != nil {
			return UserRecord{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return UserRecord{}, fmt.Errorf("delete user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return UserRecord{}, fmt.Errorf("commit delete user tx: %w", err)
	}
	return current, nil
}

func lockUser(ctx context.Context, tx *sql.Tx, id string) (UserRecord, error) {
	rec, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserRecord{}, ErrNotFound
		}
		return UserRecord{}, fmt.Errorf("lock user row: %w", err)
	}
	return rec, nil
}

// guardLastAdmin takes the transaction-scoped advisory lock before counting,
// so two concurrent removals cannot both observe the same count.
func guardLastAdmin(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, adminGuardLockKey); err != nil {
		return fmt.Errorf("acquire admin guard lock: %w", err)
	}

	var admins int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE role = 'admin' AND is_active = TRUE
	`).Scan(&admins); err != nil {
		return fmt.Errorf("count active admins: %w", err)
	}
	if admins <= 1 {
		return ErrLastAdmin
	}
	return nil
}

func (r *Repository) List(ctx context.Context) ([]UserRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]UserRecord, 0)
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (r *Repository) CountActiveByRole(ctx context.Context, role Role) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE role = $1 AND is_active = TRUE
	`, string(role)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users by role: %w", err)
	}
	return n, nil
}

func (r *Repository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

func duplicateFrom(err error) (DuplicateError, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return DuplicateError{}, false
	}
	switch pgErr.ConstraintName {
	case "users_username_key":
		return DuplicateError{Field: "username"}, true
	case "users_email_key":
		return DuplicateError{Field: "email"}, true
	default:
		return DuplicateError{}, true
	}
}

func roleArg(role *Role) *string {
	if role == nil {
		return nil
	}
	value := string(*role)
	return &value
}
