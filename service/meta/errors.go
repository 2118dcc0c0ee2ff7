/*
 * @module service/meta/errors
 * @description 错误分类定义，提供封闭的错误码集合和结构化错误类型
 * @architecture 分层架构 - 元数据层
 * @documentReference ai_docs/mes_erp_sync_design.md 第7节
 * @stateFlow 错误产生 -> 分类包装 -> 重试判定/对外暴露
 * @rules 瞬时错误可重试，配置/校验错误立即上抛；所有错误必须携带稳定错误码
 * @refs service/sync_engine/retry_manager.go, api/controllers/response.go
 */

package meta

import (
	"errors"
	"fmt"
)

// ErrorCode 稳定错误码
type ErrorCode string

const (
	ErrValidation           ErrorCode = "VALIDATION_ERROR"      // 输入不合法，不重试
	ErrNotFound             ErrorCode = "NOT_FOUND"             // 资源不存在
	ErrConnection           ErrorCode = "CONNECTION_ERROR"      // 适配器不可达，退避重试
	ErrMappingIncomplete    ErrorCode = "MAPPING_INCOMPLETE"    // 映射配置缺失，需人工修复
	ErrReconciliationFailed ErrorCode = "RECONCILIATION_FAILED" // 对账失败，保留部分结果
	ErrDeliveryFailed       ErrorCode = "DELIVERY_FAILED"       // Webhook投递最终失败
	ErrConcurrencyConflict  ErrorCode = "CONCURRENCY_CONFLICT"  // 差异已被其他操作处理
	ErrInternal             ErrorCode = "INTERNAL_ERROR"        // 未分类内部错误
)

// SyncError 结构化错误，携带错误码、可读消息和结构化明细
type SyncError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewSyncError 创建结构化错误
func NewSyncError(code ErrorCode, message string) *SyncError {
	return &SyncError{
		Code:      code,
		Message:   message,
		Retryable: code == ErrConnection,
	}
}

// WrapSyncError 包装底层错误
func WrapSyncError(code ErrorCode, message string, cause error) *SyncError {
	e := NewSyncError(code, message)
	e.Cause = cause
	return e
}

// WithDetails 附加结构化明细
func (e *SyncError) WithDetails(details map[string]interface{}) *SyncError {
	e.Details = details
	return e
}

// AsSyncError 提取SyncError，未分类错误归为内部错误
func AsSyncError(err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return WrapSyncError(ErrInternal, "未分类的内部错误", err)
}

// IsRetryable 判断错误是否为可重试的瞬时错误
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// CodeOf 取错误码，便于日志和审计记录
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrInternal
}
