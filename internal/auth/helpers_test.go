package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/observability"
	"github.com/VitoHuang720618/bojiu/internal/ratelimit"
)

const testSecret = "test-secret"

// memRepo mirrors the Postgres repository's constraints in memory.
type memRepo struct {
	mu    sync.Mutex
	users map[string]UserRecord
	seq   map[string]int
	next  int
	err   error
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[string]UserRecord{}, seq: map[string]int{}}
}

func (m *memRepo) conflict(id, username, email string) error {
	for otherID, u := range m.users {
		if otherID == id {
			continue
		}
		if username != "" && u.Username == username {
			return DuplicateError{Field: "username"}
		}
		if email != "" && u.Email == email {
			return DuplicateError{Field: "email"}
		}
	}
	return nil
}

func (m *memRepo) activeAdminsLocked() int {
	n := 0
	for _, u := range m.users {
		if u.Role == RoleAdmin && u.IsActive {
			n++
		}
	}
	return n
}

func (m *memRepo) Insert(_ context.Context, rec UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err := m.conflict(rec.ID, rec.Username, rec.Email); err != nil {
		return err
	}
	m.users[rec.ID] = rec
	m.next++
	m.seq[rec.ID] = m.next
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return UserRecord{}, m.err
	}
	rec, ok := m.users[id]
	if !ok {
		return UserRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *memRepo) GetActiveByUsername(_ context.Context, username string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return UserRecord{}, m.err
	}
	for _, u := range m.users {
		if u.Username == username && u.IsActive {
			return u, nil
		}
	}
	return UserRecord{}, ErrNotFound
}

func (m *memRepo) GetActiveByEmail(_ context.Context, email string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email && u.IsActive {
			return u, nil
		}
	}
	return UserRecord{}, ErrNotFound
}

func (m *memRepo) Update(_ context.Context, id string, p UserPatch) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[id]
	if !ok {
		return UserRecord{}, ErrNotFound
	}
	if p.removesActiveAdmin(rec.User) && m.activeAdminsLocked() <= 1 {
		return UserRecord{}, ErrLastAdmin
	}
	var username, email string
	if p.Username != nil {
		username = *p.Username
	}
	if p.Email != nil {
		email = *p.Email
	}
	if err := m.conflict(id, username, email); err != nil {
		return UserRecord{}, err
	}
	if p.Username != nil {
		rec.Username = *p.Username
	}
	if p.Email != nil {
		rec.Email = *p.Email
	}
	if p.PasswordHash != nil {
		rec.PasswordHash = *p.PasswordHash
	}
	if p.Role != nil {
		rec.Role = *p.Role
	}
	if p.IsActive != nil {
		rec.IsActive = *p.IsActive
	}
	if p.MustChangePassword != nil {
		rec.MustChangePassword = *p.MustChangePassword
	}
	rec.UpdatedAt = p.UpdatedAt
	m.users[id] = rec
	return rec, nil
}

func (m *memRepo) Delete(_ context.Context, id string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[id]
	if !ok {
		return UserRecord{}, ErrNotFound
	}
	if rec.Role == RoleAdmin && rec.IsActive && m.activeAdminsLocked() <= 1 {
		return UserRecord{}, ErrLastAdmin
	}
	delete(m.users, id)
	delete(m.seq, id)
	return rec, nil
}

func (m *memRepo) List(_ context.Context) ([]UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UserRecord, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] > m.seq[out[j].ID] })
	return out, nil
}

func (m *memRepo) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return len(m.users), nil
}

func (m *memRepo) CountActiveByRole(_ context.Context, role Role) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		if u.Role == role && u.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	rec.LastLogin = &at
	m.users[id] = rec
	return nil
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureRecorder) Record(ctx context.Context, e audit.Entry) {
	client := audit.ClientFromContext(ctx)
	if e.IPAddress == "" {
		e.IPAddress = client.IP
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureRecorder) byAction(action string) []audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Entry
	for _, e := range c.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	repo     *memRepo
	recorder *captureRecorder
	users    *UserService
	tokens   *TokenService
	limiter  *ratelimit.Memory
	service  *Service
	gate     *Gate
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := observability.NewLoggerTo(io.Discard)
	repo := newMemRepo()
	recorder := &captureRecorder{}
	users := NewUserService(repo, NewBcryptHasher(bcrypt.MinCost), recorder)
	tokens := NewTokenService(users, TokenConfig{Secret: testSecret})
	limiter := ratelimit.NewMemory(ratelimit.Config{MaxAttempts: 5, Window: 15 * time.Minute})
	service := NewService(users, tokens, limiter, recorder, logger)
	keys, err := ratelimit.NewClientKeys(nil)
	require.NoError(t, err)
	gate := NewGate(tokens, limiter, keys, logger)

	mux := http.NewServeMux()
	Register(mux, gate, NewHandler(service, keys, recorder), NewUsersHandler(users))
	mux.Handle("GET /protected", gate.Protect(RouteOptions{Role: RoleUser}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"user": user.Username})
	})))

	return &testEnv{
		repo:     repo,
		recorder: recorder,
		users:    users,
		tokens:   tokens,
		limiter:  limiter,
		service:  service,
		gate:     gate,
		handler:  AuditTrail(recorder, keys, mux),
	}
}

func (e *testEnv) createUser(t *testing.T, username string, role Role, mustChange bool) User {
	t.Helper()
	user, err := e.users.CreateUser(context.Background(), NewUser{
		Username:           username,
		Email:              username + "@x.com",
		Password:           "Abcdef1!",
		Role:               role,
		MustChangePassword: mustChange,
	})
	require.NoError(t, err)
	return user
}

func (e *testEnv) accessToken(t *testing.T, user User) string {
	t.Helper()
	token, err := e.tokens.IssueAccessToken(user)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "198.51.100.10:5555"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool { return &b }
func rolePtr(r Role) *Role { return &r }
