package types

import (
	"errors"
	"fmt"
	"net/http"
)

// 统一的引擎错误码，用于对齐可重试性与降级策略。
type ErrorCode string

const (
	ErrProvider              ErrorCode = "MEMFLOW_PROVIDER_ERROR"         // 嵌入提供者重试耗尽
	ErrStore                 ErrorCode = "MEMFLOW_STORE_ERROR"            // 持久层不可用
	ErrNotFound              ErrorCode = "MEMFLOW_NOT_FOUND"              // 记忆/树根不存在
	ErrValidation            ErrorCode = "MEMFLOW_VALIDATION"             // 输入非法，拒绝于任何副作用之前
	ErrConsolidationConflict ErrorCode = "MEMFLOW_CONSOLIDATION_CONFLICT" // 插边会形成环
)

// Error 引擎的统一错误结构。
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Op        string    `json:"op,omitempty"`
	Retryable bool      `json:"retryable"`
	Err       error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap 用给定错误码包装底层错误。
func Wrap(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Message: err.Error(), Op: op, Err: err}
}

// Errorf 构造一个不带底层原因的错误。
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf 返回错误的引擎错误码；非引擎错误返回空串。
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound 报告错误是否为 NotFound。
func IsNotFound(err error) bool { return CodeOf(err) == ErrNotFound }

// IsValidation 报告错误是否为输入校验失败。
func IsValidation(err error) bool { return CodeOf(err) == ErrValidation }

// IsConsolidationConflict 报告错误是否为成环冲突。
func IsConsolidationConflict(err error) bool { return CodeOf(err) == ErrConsolidationConflict }

// IsRetryable 报告错误是否值得重试。
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// ProviderErrorFromStatus 将嵌入提供者的 HTTP 状态映射为引擎错误。
// 5xx 与 429 可重试，4xx 其余不可重试。
func ProviderErrorFromStatus(status int, msg string) *Error {
	retryable := status >= 500 || status == http.StatusTooManyRequests
	code := ErrProvider
	if status == http.StatusBadRequest {
		code = ErrValidation
		retryable = false
	}
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf("provider returned HTTP %d: %s", status, msg),
		Retryable: retryable,
	}
}
