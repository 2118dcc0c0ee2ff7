/*
 * @module service/sync_engine/retry_manager
 * @description 重试管理器，对瞬时错误执行指数退避重试
 * @architecture 策略模式 - 按错误分类决定重试或立即上抛
 * @documentReference ai_docs/mes_erp_sync_design.md 第7节
 * @stateFlow 执行 -> 失败分类 -> 瞬时错误退避重试 / 永久错误立即上抛
 * @rules 只重试可重试错误（连接类）；校验和映射配置错误不消耗重试次数
 * @dependencies context, time
 * @refs service/meta/errors.go, sync_engine.go
 */

package sync_engine

import (
	"context"
	"time"

	"mes-sync-service/service/meta"
)

// RetryManager 瞬时错误重试管理器
type RetryManager struct {
	// MaxAttempts 总尝试次数上限（含首次）
	MaxAttempts int
	// BaseDelay 首次重试的退避间隔，逐次翻倍
	BaseDelay time.Duration
}

// NewRetryManager 创建重试管理器实例
func NewRetryManager(maxAttempts int, baseDelay time.Duration) *RetryManager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &RetryManager{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Execute 执行操作，瞬时错误指数退避重试，返回实际尝试次数和最终错误
func (r *RetryManager) Execute(ctx context.Context, op func() error) (int, error) {
	delay := r.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return attempt, nil
		}
		// 永久错误不消耗重试次数
		if !meta.IsRetryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == r.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return attempt, meta.WrapSyncError(meta.ErrConnection, "重试等待期间被取消", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return r.MaxAttempts, lastErr
}
