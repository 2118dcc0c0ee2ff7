/*
 * @module service/distributed_lock/redis_lock
 * @description 分布式锁，多实例部署时串行化集成配置和字段映射的写入
 * @architecture 工具层 - Redis SET NX实现，未配置Redis时退化为进程内锁
 * @documentReference ai_docs/mes_erp_sync_design.md 第5节
 * @stateFlow 获取锁 -> 执行配置写入 -> 释放锁/自动过期
 * @rules 锁被他方持有时配置写入返回并发冲突，调用方重试或放弃
 * @dependencies github.com/go-redis/redis/v8
 * @refs service/init.go, api/controllers/integration_controller.go
 */

package distributed_lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"mes-sync-service/service/meta"
)

const lockKeyPrefix = "mes_sync:config_lock:"

// ConfigLock 配置写锁接口
type ConfigLock interface {
	// TryLock 尝试获取锁，已被持有时返回false
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Unlock 释放锁，只有持有者可释放
	Unlock(ctx context.Context, key string) error
}

// RedisLock Redis配置写锁
type RedisLock struct {
	client     *redis.Client
	instanceID string
}

// NewRedisLock 按环境变量连接Redis并创建配置写锁
func NewRedisLock() (*RedisLock, error) {
	host := getEnvWithDefault("REDIS_HOST", "localhost")
	port := getEnvWithDefault("REDIS_PORT", "6379")

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", host, port),
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis连接失败: %w", err)
	}

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s:%d", hostname, os.Getpid())
	slog.Info("配置写锁初始化成功", "backend", "redis", "instance_id", instanceID)

	return &RedisLock{client: client, instanceID: instanceID}, nil
}

// TryLock SET NX获取锁
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKeyPrefix+key, r.instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取配置写锁失败: %w", err)
	}
	return ok, nil
}

// Unlock Lua脚本释放锁，保证只有持有者能删除
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := r.client.Eval(ctx, script, []string{lockKeyPrefix + key}, r.instanceID).Result()
	if err != nil {
		return fmt.Errorf("释放配置写锁失败: %w", err)
	}
	return nil
}

// Close 关闭Redis客户端
func (r *RedisLock) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// LocalLock 进程内配置写锁，单实例部署或Redis不可用时的退化实现
type LocalLock struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewLocalLock 创建进程内配置写锁
func NewLocalLock() *LocalLock {
	return &LocalLock{expires: make(map[string]time.Time)}
}

// TryLock 获取进程内锁，过期条目视为未持有
func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if deadline, held := l.expires[key]; held && time.Now().Before(deadline) {
		return false, nil
	}
	l.expires[key] = time.Now().Add(ttl)
	return true, nil
}

// Unlock 释放进程内锁
func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, key)
	return nil
}

// WithConfigLock 在写锁保护下执行配置变更。
// 锁被他方持有时返回并发冲突错误，交由调用方决定重试。
func WithConfigLock(ctx context.Context, lock ConfigLock, key string, ttl time.Duration, fn func() error) error {
	locked, err := lock.TryLock(ctx, key, ttl)
	if err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "获取配置写锁失败", err)
	}
	if !locked {
		return meta.NewSyncError(meta.ErrConcurrencyConflict,
			"配置正在被其他操作修改，请稍后重试").
			WithDetails(map[string]interface{}{"lock_key": key})
	}
	defer func() {
		if unlockErr := lock.Unlock(ctx, key); unlockErr != nil {
			slog.Error("释放配置写锁失败", "key", key, "error", unlockErr)
		}
	}()
	return fn()
}
