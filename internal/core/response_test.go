package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/justice-rest/the-romy/internal/types"
)

// --- JSON helper tests ---

func TestJSON_Success(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	data := APIResponse{Data: map[string]string{"reply": "hello"}}
	JSON(w, r, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var body APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	dataMap, ok := body.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected data to be a map, got %T", body.Data)
	}
	if dataMap["reply"] != "hello" {
		t.Errorf("expected reply=hello, got %v", dataMap["reply"])
	}
}

func TestJSON_NilData(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusNoContent, nil)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", resp.StatusCode)
	}
}

func TestJSON_MarshalFailure(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := types.WithRequestID(r.Context(), "req-marshal-fail")
	r = r.WithContext(ctx)

	// Channels cannot be marshalled to JSON.
	unmarshalable := make(chan int)
	JSON(w, r, http.StatusOK, unmarshalable)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode fallback error: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, errResp.Error.Code)
	}
	if errResp.Error.RequestID != "req-marshal-fail" {
		t.Errorf("expected request_id req-marshal-fail, got %s", errResp.Error.RequestID)
	}
}

func TestJSON_WithMeta(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	data := APIResponse{
		Data: map[string]string{"message_id": "msg_1"},
		Meta: &types.ResponseMeta{
			Warnings: []string{"usage temporarily unmetered"},
		},
	}
	JSON(w, r, http.StatusOK, data)

	resp := w.Result()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	meta, ok := body["meta"].(map[string]interface{})
	if !ok {
		t.Fatal("expected meta field in response")
	}
	warnings, ok := meta["warnings"].([]interface{})
	if !ok || len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", meta["warnings"])
	}
	if warnings[0] != "usage temporarily unmetered" {
		t.Errorf("expected unmetered warning, got %v", warnings[0])
	}
}

// --- Error helper tests ---

func TestError_AppError_Validation(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	ctx := types.WithRequestID(r.Context(), "req-val-001")
	r = r.WithContext(ctx)

	appErr := types.NewAppError(
		types.ErrCodeValidationInvalidBody,
		"request body must not be empty",
		nil,
	)
	Error(w, r, appErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeValidationInvalidBody) {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationInvalidBody, errResp.Error.Code)
	}
	if errResp.Error.RequestID != "req-val-001" {
		t.Errorf("expected request_id req-val-001, got %s", errResp.Error.RequestID)
	}
}

func TestError_AppError_Internal(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)

	appErr := types.NewAppError(
		types.ErrCodeInternalDB,
		"database query failed",
		errors.New("connection refused"),
	)
	Error(w, r, appErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	// Verify the wrapped error is NOT leaked to the client.
	if strings.Contains(errResp.Error.Message, "connection refused") {
		t.Error("internal error details should not be exposed to client")
	}
}

func TestError_AppError_WithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	ctx := types.WithRequestID(r.Context(), "req-detail-001")
	r = r.WithContext(ctx)

	appErr := types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		nil,
		map[string]any{"content": "this field is required"},
	)
	Error(w, r, appErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Error.Details["content"] != "this field is required" {
		t.Errorf("expected details.content, got %v", errResp.Error.Details["content"])
	}
	if errResp.Error.RequestID != "req-detail-001" {
		t.Errorf("expected request_id req-detail-001, got %s", errResp.Error.RequestID)
	}
}

func TestError_GenericError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	ctx := types.WithRequestID(r.Context(), "req-generic-001")
	r = r.WithContext(ctx)

	genericErr := errors.New("some internal database error with connection details")
	Error(w, r, genericErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, errResp.Error.Code)
	}
	// Must NOT leak internal error message.
	if strings.Contains(errResp.Error.Message, "database") {
		t.Error("generic error message should not be exposed to client")
	}
	if errResp.Error.Message != "an unexpected error occurred" {
		t.Errorf("expected safe message, got %q", errResp.Error.Message)
	}
	if errResp.Error.RequestID != "req-generic-001" {
		t.Errorf("expected request_id req-generic-001, got %s", errResp.Error.RequestID)
	}
}

func TestError_WrappedAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)

	appErr := types.NewAppError(
		types.ErrCodeStoreUnavailable,
		"quota store unavailable",
		nil,
	)
	wrappedErr := errors.Join(errors.New("handler context"), appErr)
	Error(w, r, wrappedErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 from wrapped AppError, got %d", resp.StatusCode)
	}
}

func TestError_NoRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	// No request ID in context.

	appErr := types.NewAppError(
		types.ErrCodeInternalUnexpected,
		"something went wrong",
		nil,
	)
	Error(w, r, appErr)

	resp := w.Result()
	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	// request_id should be empty string, not missing.
	if errResp.Error.RequestID != "" {
		t.Errorf("expected empty request_id, got %q", errResp.Error.RequestID)
	}
}

func TestError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, errors.New("test"))

	resp := w.Result()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
}

// --- Verify all ErrorCode categories map to expected HTTP statuses via Error ---

func TestError_AllErrorCodeCategories(t *testing.T) {
	tests := []struct {
		name           string
		code           types.ErrorCode
		expectedStatus int
	}{
		{"validation missing_field -> 400", types.ErrCodeValidationMissingField, http.StatusBadRequest},
		{"validation invalid_body -> 400", types.ErrCodeValidationInvalidBody, http.StatusBadRequest},
		{"validation message_size -> 400", types.ErrCodeValidationMessageSize, http.StatusBadRequest},
		{"auth signature missing -> 401", types.ErrCodeAuthSignatureMissing, http.StatusUnauthorized},
		{"auth signature invalid -> 401", types.ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},
		{"quota exceeded -> 429", types.ErrCodeQuotaExceeded, http.StatusTooManyRequests},
		{"capability not permitted -> 403", types.ErrCodeCapabilityNotPermitted, http.StatusForbidden},
		{"conflict concurrent -> 409", types.ErrCodeConflictConcurrent, http.StatusConflict},
		{"store unavailable -> 503", types.ErrCodeStoreUnavailable, http.StatusServiceUnavailable},
		{"quota record missing -> 500", types.ErrCodeQuotaRecordMissing, http.StatusInternalServerError},
		{"internal db -> 500", types.ErrCodeInternalDB, http.StatusInternalServerError},
		{"internal unexpected -> 500", types.ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{"upstream billing -> 502", types.ErrCodeUpstreamBilling, http.StatusBadGateway},
		{"upstream rate limited -> 502", types.ErrCodeUpstreamRateLimited, http.StatusBadGateway},
		{"upstream dispatch -> 502", types.ErrCodeUpstreamDispatch, http.StatusBadGateway},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)

			appErr := types.NewAppError(tc.code, "test", nil)
			Error(w, r, appErr)

			resp := w.Result()
			if resp.StatusCode != tc.expectedStatus {
				t.Errorf("code %s: expected status %d, got %d", tc.code, tc.expectedStatus, resp.StatusCode)
			}
		})
	}
}

// --- DecodeJSON tests ---

func TestDecodeJSON_Success(t *testing.T) {
	body := `{"content":"hello there","model_class":"standard"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	var dst struct {
		Content    string `json:"content"`
		ModelClass string `json:"model_class"`
	}
	err := DecodeJSON(w, r, &dst)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dst.Content != "hello there" {
		t.Errorf("expected content 'hello there', got %q", dst.Content)
	}
	if dst.ModelClass != "standard" {
		t.Errorf("expected model_class 'standard', got %q", dst.ModelClass)
	}
}

func TestDecodeJSON_UnknownField(t *testing.T) {
	body := `{"content":"hi","unknown_field":"value"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct {
		Content string `json:"content"`
	}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidBody {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationInvalidBody, appErr.Code)
	}
}

func TestDecodeJSON_SyntaxError(t *testing.T) {
	body := `{invalid json`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct{}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for syntax error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidBody {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationInvalidBody, appErr.Code)
	}
	if !strings.Contains(appErr.Message, "malformed JSON") {
		t.Errorf("expected message about malformed JSON, got %q", appErr.Message)
	}
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))

	var dst struct{}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for empty body, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if !strings.Contains(appErr.Message, "empty") {
		t.Errorf("expected message about empty body, got %q", appErr.Message)
	}
}

func TestDecodeJSON_TypeMismatch(t *testing.T) {
	body := `{"content":42}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct {
		Content string `json:"content"`
	}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for type mismatch, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidBody {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationInvalidBody, appErr.Code)
	}
	if !strings.Contains(appErr.Message, "content") {
		t.Errorf("expected message naming the field, got %q", appErr.Message)
	}
}

func TestDecodeJSON_ExceedsMaxSize(t *testing.T) {
	largeBody := strings.Repeat("x", maxRequestBodySize+1)
	body := `{"content":"` + largeBody + `"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct {
		Content string `json:"content"`
	}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for oversized body, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidBody {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationInvalidBody, appErr.Code)
	}
}

func TestDecodeJSON_MultipleJSONValues(t *testing.T) {
	body := `{"content":"first"}{"content":"second"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct {
		Content string `json:"content"`
	}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for multiple JSON values, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if !strings.Contains(appErr.Message, "single JSON object") {
		t.Errorf("expected message about single JSON object, got %q", appErr.Message)
	}
}

func TestDecodeJSON_NilBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	// httptest.NewRequest with nil body sets Body to http.NoBody.

	var dst struct{}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for nil body, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
}

// --- Integration: Error writes proper JSON structure ---

func TestError_ResponseStructure(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	ctx := types.WithRequestID(r.Context(), "req-struct-001")
	r = r.WithContext(ctx)

	appErr := types.NewAppError(
		types.ErrCodeValidationMessageSize,
		"message content exceeds the maximum length",
		nil,
	)
	Error(w, r, appErr)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("failed to unmarshal raw: %v", err)
	}
	if _, ok := raw["error"]; !ok {
		t.Error("response must have top-level 'error' field")
	}

	var errDetail struct {
		Error struct {
			Code      string         `json:"code"`
			Message   string         `json:"message"`
			Details   map[string]any `json:"details"`
			RequestID string         `json:"request_id"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errDetail); err != nil {
		t.Fatalf("failed to parse structured error: %v", err)
	}
	if errDetail.Error.Code == "" {
		t.Error("error.code must not be empty")
	}
	if errDetail.Error.Message == "" {
		t.Error("error.message must not be empty")
	}
	if errDetail.Error.RequestID != "req-struct-001" {
		t.Errorf("error.request_id: expected req-struct-001, got %q", errDetail.Error.RequestID)
	}
}
