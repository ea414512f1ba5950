package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/justice-rest/the-romy/internal/types"
)

// ChatUpstream forwards quota-approved chat messages to the model backend
// over HTTP through the BaseClient resilience layer. The quota service never
// runs inference itself.
type ChatUpstream struct {
	base    *BaseClient
	baseURL string
	logger  *slog.Logger
}

// NewChatUpstream creates a ChatUpstream posting to the given base URL.
func NewChatUpstream(httpClient *http.Client, baseURL string, logger *slog.Logger) *ChatUpstream {
	if logger == nil {
		logger = slog.Default()
	}
	base := NewBaseClient(
		httpClient,
		"chat-upstream",
		RetryPolicy{
			MaxRetries: 1,
			MinWait:    250 * time.Millisecond,
			MaxWait:    2 * time.Second,
		},
		"TheRomy/1.0",
	)
	return &ChatUpstream{
		base:    base,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// upstreamRequest is the wire format sent to the model backend.
type upstreamRequest struct {
	UserID     string `json:"user_id"`
	Content    string `json:"content"`
	ModelClass string `json:"model_class,omitempty"`
}

// upstreamResponse is the wire format returned by the model backend.
type upstreamResponse struct {
	MessageID string `json:"message_id"`
	Reply     string `json:"reply"`
}

// Send forwards the message and returns the backend's reply.
func (u *ChatUpstream) Send(ctx context.Context, userID, content, modelClass string) (messageID, reply string, err error) {
	body, err := json.Marshal(upstreamRequest{
		UserID:     userID,
		Content:    content,
		ModelClass: modelClass,
	})
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to encode upstream request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.base.Do(req)
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeUpstreamDispatch,
			"chat upstream request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		u.logger.ErrorContext(ctx, "chat upstream rejected message",
			slog.Int("status", resp.StatusCode),
			slog.String("user_id", userID),
		)
		return "", "", types.NewAppError(types.ErrCodeUpstreamDispatch,
			fmt.Sprintf("chat upstream returned %d", resp.StatusCode), nil)
	}

	var decoded upstreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", types.NewAppError(types.ErrCodeUpstreamDispatch,
			"failed to decode upstream response", err)
	}

	return decoded.MessageID, decoded.Reply, nil
}
