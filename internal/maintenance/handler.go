package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/VitoHuang720618/bojiu/internal/observability"
	"github.com/VitoHuang720618/bojiu/internal/ratelimit"
)

type AuditPruner interface {
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

type CleanupResult struct {
	ExpiredClients     int             `json:"expiredClients"`
	PrunedAuditEntries int64           `json:"prunedAuditEntries"`
	RateLimit          ratelimit.Stats `json:"rateLimit"`
}

type CleanupHandler struct {
	limiter        ratelimit.Limiter
	audit          AuditPruner
	logger         *observability.Logger
	cronSecret     string
	auditRetention time.Duration
}

func NewCleanupHandler(
	limiter ratelimit.Limiter,
	audit AuditPruner,
	logger *observability.Logger,
	cronSecret string,
	auditRetention time.Duration,
) *CleanupHandler {
	return &CleanupHandler{
		limiter:        limiter,
		audit:          audit,
		logger:         logger,
		cronSecret:     strings.TrimSpace(cronSecret),
		auditRetention: auditRetention,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Run sweeps expired limiter entries and, when a retention is configured,
// prunes the audit log.
func (h *CleanupHandler) Run(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	expired, err := h.limiter.Cleanup(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	result.ExpiredClients = expired

	if h.audit != nil && h.auditRetention > 0 {
		pruned, err := h.audit.DeleteOlderThan(ctx, h.auditRetention)
		if err != nil {
			return CleanupResult{}, err
		}
		result.PrunedAuditEntries = pruned
	}

	stats, err := h.limiter.Stats(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	result.RateLimit = stats

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"expired_clients":      result.ExpiredClients,
		"pruned_audit_entries": result.PrunedAuditEntries,
		"total_clients":        stats.TotalClients,
		"blocked_clients":      stats.BlockedClients,
	})
	return result, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
