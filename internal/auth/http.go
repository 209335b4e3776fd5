package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
)

const maxJSONBodyBytes = 1 << 20

type errorBody struct {
	Success            bool     `json:"success"`
	Error              string   `json:"error"`
	Code               string   `json:"code,omitempty"`
	Details            []string `json:"details,omitempty"`
	RetryAfter         int      `json:"retryAfter,omitempty"`
	MustChangePassword bool     `json:"mustChangePassword,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeRateLimited(w http.ResponseWriter, err RateLimitedError) {
	secs := err.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:      "Too many authentication attempts. Please try again later.",
		Code:       "RATE_LIMITED",
		RetryAfter: secs,
	})
}

// writeStoreError maps credential-store failures to responses. Anything
// unrecognised is reported to Sentry and hidden behind fallback.
func writeStoreError(w http.ResponseWriter, err error, fallback string) {
	var validation ValidationError
	var policy PolicyError
	var dup DuplicateError

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Validation failed", Code: "VALIDATION_FAILED", Details: validation.Problems})
	case errors.As(err, &policy):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Password does not meet requirements", Code: "PASSWORD_POLICY", Details: policy.Violations})
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, errorBody{Error: dup.Error(), Code: "DUPLICATE"})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "User not found", Code: "NOT_FOUND"})
	case errors.Is(err, ErrLastAdmin):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Cannot delete the last admin user", Code: "LAST_ADMIN"})
	case errors.Is(err, ErrSelfDelete):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Cannot delete your own account", Code: "SELF_DELETE"})
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
