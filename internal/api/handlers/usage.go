package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/justice-rest/the-romy/internal/core"
	"github.com/justice-rest/the-romy/internal/types"
)

// SnapshotReader builds read-only usage snapshots.
type SnapshotReader interface {
	Snapshot(ctx context.Context, userID string) (*types.UsageSnapshot, error)
}

// usageWindowDTO is one window entry in the usage response.
type usageWindowDTO struct {
	Used    int    `json:"used"`
	Limit   int    `json:"limit"` // 0 means unbounded
	ResetAt string `json:"reset_at,omitempty"`
}

// usageResponse is the response DTO for GET /v1/usage.
type usageResponse struct {
	Tier    string                    `json:"tier"`
	Windows map[string]usageWindowDTO `json:"windows"`
}

// UsageHandler serves read-only usage reporting.
type UsageHandler struct {
	reader SnapshotReader
	logger *slog.Logger
}

// NewUsageHandler creates a UsageHandler.
func NewUsageHandler(reader SnapshotReader, logger *slog.Logger) *UsageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageHandler{reader: reader, logger: logger}
}

// RegisterRoutes mounts the usage endpoint under the v1 group.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/usage", h.HandleGetUsage)
}

// HandleGetUsage processes GET /v1/usage. Reading a snapshot never mutates
// counters; a user checking their usage does not consume any.
func (h *UsageHandler) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"missing X-User-Id header", nil))
		return
	}

	snap, err := h.reader.Snapshot(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := usageResponse{
		Tier:    string(snap.Tier),
		Windows: make(map[string]usageWindowDTO, len(snap.Windows)),
	}
	for window, usage := range snap.Windows {
		dto := usageWindowDTO{Used: usage.Used, Limit: usage.Limit}
		if usage.ResetAt != nil {
			dto.ResetAt = usage.ResetAt.UTC().Format(time.RFC3339)
		}
		resp.Windows[string(window)] = dto
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
