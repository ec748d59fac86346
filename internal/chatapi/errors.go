package chatapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Messages returned to clients.
const (
	msgInvalidMessage  = "请提供有效的消息内容"
	msgInvalidMessages = "请提供有效的对话消息数组"
	msgBadMessage      = "消息格式不正确"
	msgInternal        = "服务器内部错误"
	msgInvalidBody     = "请求体不是有效的JSON"
)

// APIError is an error with an HTTP status and an optional machine code.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatapi: %d: %s", e.Status, e.Message)
}

// BadRequest returns a 400 [APIError] carrying msg.
func BadRequest(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Message: msg}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// WriteError answers with the JSON error shape. Errors other than [APIError]
// become 500; their text is hidden when production is set.
func WriteError(w http.ResponseWriter, r *http.Request, err error, production bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		WriteJSON(w, apiErr.Status, errorResponse{Error: apiErr.Message, Code: apiErr.Code})
		return
	}
	slog.Error("chatapi: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	msg := err.Error()
	if production {
		msg = msgInternal
	}
	WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: msg})
}

// NotFound answers every request with a JSON 404 naming the route.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, errorResponse{Error: "路由不存在: " + r.Method + " " + r.URL.Path})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("chatapi: encode response", "err", err)
	}
}
