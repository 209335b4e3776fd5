package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type UsersHandler struct {
	users *UserService
}

func NewUsersHandler(users *UserService) *UsersHandler {
	return &UsersHandler{users: users}
}

func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		writeStoreError(w, err, "Failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": users})
}

func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}

	user, err := h.users.GetUserByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "Failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body NewUser
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Username) == "" || strings.TrimSpace(body.Email) == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username, email, and password are required")
		return
	}

	user, err := h.users.CreateUser(r.Context(), body)
	if err != nil {
		writeStoreError(w, err, "Failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user": user})
}

func (h *UsersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}

	var body UserUpdate
	if !decodeJSON(w, r, &body) {
		return
	}

	user, err := h.users.UpdateUser(r.Context(), id, body)
	if err != nil {
		writeStoreError(w, err, "Failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}

	if caller, ok := UserFromContext(r.Context()); ok && caller.ID == id {
		writeStoreError(w, ErrSelfDelete, "Failed to delete user")
		return
	}

	if err := h.users.DeleteUser(r.Context(), id); err != nil {
		writeStoreError(w, err, "Failed to delete user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User deleted successfully"})
}

func pathUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return "", false
	}
	return id, true
}
