// Package response JSON 响应与错误输出
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	commonerrors "github.com/exchange/saga/pkg/errors"
)

const requestIDHeader = "X-Request-ID"

// RequestIDFromRequest 优先取中间件写入 context 的请求 ID，其次取请求头
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(requestIDHeader))
}

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError 按错误码映射 HTTP 状态，带上请求 ID
func WriteError(w http.ResponseWriter, r *http.Request, err *commonerrors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if id := RequestIDFromRequest(r); id != "" {
		payload.RequestID = id
	}
	WriteJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.NewWithDefault(code, message))
}
