// Package handlers contains the HTTP handler implementations for the quota
// service API.
//
// This file implements the chat message and upload endpoints: the two
// actions that consume quota. The flow for both is check, dispatch, commit.
// Usage is only consumed after the dispatched action succeeds, so a failed
// model call never burns quota.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/justice-rest/the-romy/internal/config"
	"github.com/justice-rest/the-romy/internal/core"
	"github.com/justice-rest/the-romy/internal/types"
)

// QuotaChecker decides whether an action may proceed.
type QuotaChecker interface {
	Check(ctx context.Context, userID string, capability types.Capability) (types.Decision, error)
	CheckAnonymous(ctx context.Context, anonID string, dailyCap int) (types.Decision, error)
}

// UsageCommitter records consumed usage after the action succeeded.
type UsageCommitter interface {
	Commit(ctx context.Context, userID string, capability types.Capability) error
	CommitAnonymous(ctx context.Context, anonID string) error
}

// Dispatcher forwards an allowed chat message to the model backend.
// The quota service does not implement inference; it fronts it.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, req *ChatMessageRequest) (*ChatMessageResult, error)
}

// ChatMessageRequest is the request DTO for POST /v1/chat/messages.
type ChatMessageRequest struct {
	Content string `json:"content" validate:"required,max=32000"`
	// ModelClass selects the capability: "standard" (default) or "pro_model".
	ModelClass string `json:"model_class" validate:"omitempty,oneof=standard pro_model"`
}

// ChatMessageResult is what the dispatcher returns for a delivered message.
type ChatMessageResult struct {
	MessageID string `json:"message_id"`
	Reply     string `json:"reply"`
}

// chatMessageResponse is the response DTO for POST /v1/chat/messages.
type chatMessageResponse struct {
	MessageID string `json:"message_id"`
	Reply     string `json:"reply"`
	Remaining int    `json:"remaining"`
}

// uploadResponse is the response DTO for POST /v1/uploads.
type uploadResponse struct {
	UploadID  string `json:"upload_id"`
	Remaining int    `json:"remaining"`
}

// ChatHandler implements the quota-guarded chat endpoints.
type ChatHandler struct {
	checker    QuotaChecker
	committer  UsageCommitter
	dispatcher Dispatcher
	validator  *core.Validator
	quotaCfg   config.QuotaConfig
	logger     *slog.Logger
}

// NewChatHandler creates a ChatHandler with the provided dependencies.
func NewChatHandler(
	checker QuotaChecker,
	committer UsageCommitter,
	dispatcher Dispatcher,
	validator *core.Validator,
	quotaCfg config.QuotaConfig,
	logger *slog.Logger,
) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		checker:    checker,
		committer:  committer,
		dispatcher: dispatcher,
		validator:  validator,
		quotaCfg:   quotaCfg,
		logger:     logger,
	}
}

// RegisterRoutes mounts the chat endpoints under the v1 group.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/messages", h.HandleSendMessage)
	r.Post("/uploads", h.HandleUpload)
}

// HandleSendMessage processes POST /v1/chat/messages.
//
// Flow:
//  1. Resolve the actor from the gateway-verified identity headers.
//  2. Decode and validate the request body.
//  3. Check quota for the requested capability.
//  4. Dispatch the message to the model backend.
//  5. Commit usage (logged, never failed, on error: the reply was already
//     delivered, so undercounting beats double-charging).
func (h *ChatHandler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.resolveActor(w, r)
	if !ok {
		return
	}

	var req ChatMessageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	capability := types.CapabilityStandard
	if req.ModelClass == string(types.CapabilityProModel) {
		capability = types.CapabilityProModel
	}
	// Anonymous sessions are metered against a flat daily cap and carry no
	// tier, so the premium capabilities are never theirs to request.
	if actor.Anonymous && capability == types.CapabilityProModel {
		core.Error(w, r, types.NewAppError(types.ErrCodeCapabilityNotPermitted,
			"the pro model requires a subscription", nil))
		return
	}

	decision, meta, allowed := h.enforce(w, r, actor, capability)
	if !allowed {
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), actor.UserID, &req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// Unmetered requests (fail-open) have nothing to commit.
	if meta == nil {
		h.commit(r.Context(), actor, capability)
	}

	writeQuotaHeaders(w, decision)
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: chatMessageResponse{
			MessageID: result.MessageID,
			Reply:     result.Reply,
			Remaining: postCommitRemaining(decision),
		},
		Meta: meta,
	})
}

// HandleUpload processes POST /v1/uploads. The body is accepted opaquely;
// storage of the file itself is out of scope for this service, which only
// answers "may this user upload another file today".
func (h *ChatHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.resolveActor(w, r)
	if !ok {
		return
	}
	if actor.Anonymous {
		core.Error(w, r, types.NewAppError(types.ErrCodeCapabilityNotPermitted,
			"uploads require an account", nil))
		return
	}

	decision, meta, allowed := h.enforce(w, r, actor, types.CapabilityUpload)
	if !allowed {
		return
	}

	if meta == nil {
		h.commit(r.Context(), actor, types.CapabilityUpload)
	}

	writeQuotaHeaders(w, decision)
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: uploadResponse{
			UploadID:  types.GetRequestID(r.Context()),
			Remaining: postCommitRemaining(decision),
		},
		Meta: meta,
	})
}

// resolveActor reads the identity headers stamped by the authenticating
// gateway. X-User-Id identifies an account holder; X-Anon-Id identifies a
// visitor session. Requests with neither are rejected.
func (h *ChatHandler) resolveActor(w http.ResponseWriter, r *http.Request) (types.Actor, bool) {
	if userID := r.Header.Get("X-User-Id"); userID != "" {
		return types.Actor{UserID: userID}, true
	}
	if anonID := r.Header.Get("X-Anon-Id"); anonID != "" {
		return types.Actor{UserID: anonID, Anonymous: true}, true
	}
	core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
		"missing X-User-Id or X-Anon-Id header", nil))
	return types.Actor{}, false
}

// enforce runs the quota check and writes the denial or failure response
// itself. It returns the decision, a non-nil meta when the request is being
// let through unmetered, and whether the request may proceed.
//
// A store outage is the one case where policy is decided by configuration:
// fail-open lets the request through unmetered with a response warning,
// fail-closed rejects with 503.
func (h *ChatHandler) enforce(
	w http.ResponseWriter,
	r *http.Request,
	actor types.Actor,
	capability types.Capability,
) (types.Decision, *types.ResponseMeta, bool) {
	var (
		decision types.Decision
		err      error
	)
	if actor.Anonymous {
		decision, err = h.checker.CheckAnonymous(r.Context(), actor.UserID, h.quotaCfg.AnonymousDailyLimit)
	} else {
		decision, err = h.checker.Check(r.Context(), actor.UserID, capability)
	}

	if err != nil {
		if types.IsCode(err, types.ErrCodeStoreUnavailable) && h.quotaCfg.FailOpen {
			h.logger.WarnContext(r.Context(), "quota store unavailable, failing open",
				slog.String("user_id", actor.UserID),
				slog.String("capability", string(capability)),
			)
			meta := &types.ResponseMeta{Warnings: []string{"usage temporarily unmetered"}}
			return types.Decision{Allowed: true, Remaining: types.RemainingUnbounded}, meta, true
		}
		core.Error(w, r, err)
		return types.Decision{}, nil, false
	}

	if !decision.Allowed {
		writeQuotaHeaders(w, decision)
		core.Error(w, r, decision.Err())
		return decision, nil, false
	}

	return decision, nil, true
}

// commit records consumed usage. Commit failures are logged, not surfaced:
// the user already received their result.
func (h *ChatHandler) commit(ctx context.Context, actor types.Actor, capability types.Capability) {
	var err error
	if actor.Anonymous {
		err = h.committer.CommitAnonymous(ctx, actor.UserID)
	} else {
		err = h.committer.Commit(ctx, actor.UserID, capability)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "usage commit failed",
			slog.String("user_id", actor.UserID),
			slog.String("capability", string(capability)),
			slog.String("error", err.Error()),
		)
	}
}

// writeQuotaHeaders exposes the quota decision to clients in headers, for
// both allowed and denied responses.
func writeQuotaHeaders(w http.ResponseWriter, decision types.Decision) {
	if decision.Remaining != types.RemainingUnbounded {
		w.Header().Set("X-Quota-Remaining", strconv.Itoa(decision.Remaining))
	}
	if decision.ResetAt != nil {
		w.Header().Set("X-Quota-Reset", decision.ResetAt.UTC().Format(time.RFC3339))
	}
}

// postCommitRemaining reports the remaining allowance after this request's
// own consumption is accounted for.
func postCommitRemaining(decision types.Decision) int {
	if decision.Remaining == types.RemainingUnbounded {
		return types.RemainingUnbounded
	}
	if decision.Remaining > 0 {
		return decision.Remaining - 1
	}
	return 0
}
