package httpservice

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	corelog "forumlink-core/internal/core/log"
)

// requestIDHeader 请求标识头
const requestIDHeader = "X-Request-Id"

// ResponseData 统一响应结构
type ResponseData struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// requestIDMiddleware 请求标识中间件
// 调用方未携带时生成新的 UUID，响应原样回传
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(requestIDHeader, requestID)
		}
		w.Header().Set(requestIDHeader, requestID)

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware 日志中间件
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		corelog.Debugf("HTTP: %s %s - %s [%s]", r.Method, r.RequestURI, time.Since(start), r.Header.Get(requestIDHeader))
	})
}

// recoveryMiddleware panic 恢复中间件
// 单个请求的 panic 不能拖垮整个服务进程
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				corelog.Errorf("HTTP: panic handling %s %s: %v", r.Method, r.RequestURI, rec)
				RespondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// RespondJSON 发送 JSON 响应
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ResponseData{
		Success: statusCode >= 200 && statusCode < 300,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ResponseData{
		Success: false,
		Error:   message,
	}

	json.NewEncoder(w).Encode(response)
}
