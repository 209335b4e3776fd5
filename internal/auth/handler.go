package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/ratelimit"
)

type Handler struct {
	service *Service
	keys    *ratelimit.ClientKeys
	auditor audit.Recorder
}

func NewHandler(service *Service, keys *ratelimit.ClientKeys, auditor audit.Recorder) *Handler {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Handler{service: service, keys: keys, auditor: auditor}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success      bool   `json:"success"`
	User         User   `json:"user"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	result, err := h.service.Login(r.Context(), body.Username, body.Password, h.keys.Key(r))
	if err != nil {
		var limited RateLimitedError
		switch {
		case errors.As(err, &limited):
			writeRateLimited(w, limited)
		case errors.Is(err, ErrInvalidCredentials):
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Invalid username or password", Code: "INVALID_CREDENTIALS"})
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "Login failed")
		}
		return
	}

	noteIdentity(r.Context(), result.User)
	writeJSON(w, http.StatusOK, loginResponse{
		Success:      true,
		User:         result.User,
		Token:        result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	pair, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		status, resp, counted := tokenFailure(err)
		if !counted {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "Token refresh failed")
			return
		}
		if resp.Code == "TOKEN_INVALID" {
			resp.Error = "Invalid refresh token"
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{Success: true, Token: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// Logout only records the event. Tokens are stateless and the client
// discards them.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	h.auditor.Record(r.Context(), audit.Entry{
		UserID:  audit.UserRef(user.ID),
		Action:  audit.ActionLogout,
		Details: fmt.Sprintf("User %s logged out", user.Username),
	})

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out successfully"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication token required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication token required")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.CurrentPassword == "" || body.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "Current password and new password are required")
		return
	}

	updated, err := h.service.ChangePassword(r.Context(), user, body.CurrentPassword, body.NewPassword)
	if err != nil {
		if errors.Is(err, ErrIncorrectPassword) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Current password is incorrect", Code: "INCORRECT_PASSWORD"})
			return
		}
		writeStoreError(w, err, "Failed to change password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Password changed successfully",
		"user":    updated,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"service": "auth",
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
