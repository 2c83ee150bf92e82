package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"penlet-backend/internal/audit"
	"penlet-backend/internal/auth"
	"penlet-backend/internal/observability"
)

type CleanupResult struct {
	DeletedResetTokens int64 `json:"deleted_reset_tokens"`
	DeletedAuditRows   int64 `json:"deleted_audit_rows"`
}

// CleanupHandler removes expired/used password-reset tokens and aged audit
// rows. It is reachable only with the cron secret, for scheduled invocation.
type CleanupHandler struct {
	repo           *auth.Repository
	auditSink      *audit.PostgresSink
	logger         *observability.Logger
	cronSecret     string
	resetRetention time.Duration
	auditRetention time.Duration
	batchSize      int
}

func NewCleanupHandler(
	repo *auth.Repository,
	auditSink *audit.PostgresSink,
	logger *observability.Logger,
	cronSecret string,
	resetRetention time.Duration,
	auditRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		repo:           repo,
		auditSink:      auditSink,
		logger:         logger,
		cronSecret:     strings.TrimSpace(cronSecret),
		resetRetention: resetRetention,
		auditRetention: auditRetention,
		batchSize:      batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	token, ok := auth.BearerToken(r)
	if !ok || token != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	deletedTokens, err := h.repo.CleanupExpiredResetTokens(r.Context(), h.resetRetention, h.batchSize)
	if err != nil {
		h.logger.Error("cleanup_reset_tokens_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	deletedAudit, err := h.auditSink.CleanupBefore(r.Context(), h.auditRetention, h.batchSize)
	if err != nil {
		h.logger.Error("cleanup_audit_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	result := CleanupResult{
		DeletedResetTokens: deletedTokens,
		DeletedAuditRows:   deletedAudit,
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_reset_tokens": result.DeletedResetTokens,
		"deleted_audit_rows":   result.DeletedAuditRows,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
