package manifest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/auth"
)

type memStore struct {
	mu  sync.Mutex
	doc Document
	err error
}

func (m *memStore) Get(context.Context) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Document{}, m.err
	}
	return m.doc, nil
}

func (m *memStore) Put(_ context.Context, config json.RawMessage, expected *int64, updatedBy string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Document{}, m.err
	}
	if expected != nil && *expected != m.doc.Version {
		return Document{}, ErrVersionConflict
	}
	m.doc = Document{Config: config, Version: m.doc.Version + 1, UpdatedBy: &updatedBy, UpdatedAt: time.Now().UTC()}
	return m.doc, nil
}

type captureRecorder struct {
	entries []audit.Entry
}

func (c *captureRecorder) Record(_ context.Context, e audit.Entry) {
	c.entries = append(c.entries, e)
}

var editor = auth.User{ID: editorID, Username: "editor", Role: auth.RoleUser, IsActive: true}

func seededStore() *memStore {
	by := editorID
	return &memStore{doc: Document{Config: json.RawMessage(`{"title":"B9"}`), Version: 1, UpdatedBy: &by}}
}

func serve(h http.HandlerFunc, method, body string, user *auth.User) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/config", strings.NewReader(body))
	if user != nil {
		req = req.WithContext(auth.ContextWithUser(req.Context(), *user))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandler_GetAnonymous(t *testing.T) {
	h := NewHandler(seededStore(), nil)

	rec := serve(h.Get, http.MethodGet, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=60", rec.Header().Get("Cache-Control"))

	manifest := decode(t, rec)["manifest"].(map[string]any)
	assert.Equal(t, map[string]any{"title": "B9"}, manifest["config"])
	assert.NotContains(t, manifest, "updatedBy")
}

func TestHandler_GetAuthenticated(t *testing.T) {
	h := NewHandler(seededStore(), nil)

	rec := serve(h.Get, http.MethodGet, "", &editor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "private, no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, editorID, decode(t, rec)["manifest"].(map[string]any)["updatedBy"])
}

func TestHandler_GetStoreFailure(t *testing.T) {
	h := NewHandler(&memStore{err: assert.AnError}, nil)

	rec := serve(h.Get, http.MethodGet, "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestHandler_Put(t *testing.T) {
	store := seededStore()
	recorder := &captureRecorder{}
	h := NewHandler(store, recorder)

	rec := serve(h.Put, http.MethodPut, `{"config":{"title":"Updated"},"version":1}`, &editor)
	require.Equal(t, http.StatusOK, rec.Code)
	manifest := decode(t, rec)["manifest"].(map[string]any)
	assert.Equal(t, float64(2), manifest["version"])

	require.Len(t, recorder.entries, 1)
	assert.Equal(t, audit.ActionManifestUpdated, recorder.entries[0].Action)
	assert.Equal(t, editorID, *recorder.entries[0].UserID)

	rec = serve(h.Put, http.MethodPut, `{"config":{"title":"Late"},"version":1}`, &editor)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"title":"Updated"}`, string(store.doc.Config))
}

func TestHandler_PutValidation(t *testing.T) {
	h := NewHandler(seededStore(), nil)

	for name, body := range map[string]string{
		"array":         `{"config":[1,2]}`,
		"missing":       `{}`,
		"string":        `{"config":"x"}`,
		"unknown field": `{"config":{},"extra":1}`,
		"malformed":     `{"config":`,
	} {
		rec := serve(h.Put, http.MethodPut, body, &editor)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	rec := serve(h.Put, http.MethodPut, `{"config":{}}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
