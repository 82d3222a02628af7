package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 编码失败时响应头已写出，只能放弃
		return
	}
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 写入错误响应
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var typed *types.Error
	if !errors.As(err, &typed) {
		typed = types.NewError(types.ErrStoreUnavailable, err.Error())
	}

	status := mapErrorCodeToHTTPStatus(typed.Code)

	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(typed.Code)),
			zap.String("message", typed.Message),
			zap.Int("status", status),
			zap.Bool("retryable", typed.Retryable),
			zap.Error(typed.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(typed.Code),
			Message:   typed.Message,
			Retryable: typed.Retryable,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message), logger)
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case types.ErrMalformedQuery, types.ErrIngestValidation:
		return http.StatusBadRequest

	// 5xx 服务端错误
	case types.ErrRetrievalTimeout, types.ErrCompletionTimeout:
		return http.StatusGatewayTimeout
	case types.ErrStoreUnavailable, types.ErrAllSourcesFailed, types.ErrCompletionUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
