package utils

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"
)

// ErrorBody 错误响应的统一结构
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Error: message})
}

// RespondUnavailable 返回 503，并通过 Retry-After 告知客户端何时重试（秒，向上取整）
func RespondUnavailable(w http.ResponseWriter, retryAfter time.Duration, payload any) {
	if retryAfter > 0 {
		secs := int((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	RespondJSON(w, http.StatusServiceUnavailable, payload)
}
