/*
 * @module service/adapter
 * @description ERP适配器统一契约与注册中心。具体厂商适配器由外部实现，
 *              核心只依赖 connect/fetch/push 三个操作
 * @architecture 接口隔离原则 - 定义适配器操作的标准接口，注册中心模式管理工厂
 * @documentReference ai_docs/mes_erp_sync_design.md 第6节
 * @stateFlow 按集成配置创建适配器 -> TestConnection -> FetchRecords/PushRecord
 * @rules 所有网络调用必须接受context以支持挂起与取消；连接失败归类为CONNECTION_ERROR
 * @dependencies context, sync
 * @refs service/sync_engine, service/reconcile, service/models/integration.go
 */

package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
)

// Record 一条跨系统传输的业务记录（字段名为各自系统的原生命名）
type Record map[string]interface{}

// Filter 记录查询过滤条件
type Filter struct {
	UpdatedAfter  *time.Time             `json:"updated_after,omitempty"`
	UpdatedBefore *time.Time             `json:"updated_before,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// ConnectionTestResult 连接测试结果
type ConnectionTestResult struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
}

// RecordSource 只读记录源。MES本地侧和ERP远端侧都实现该契约，
// 对账引擎对两侧一视同仁
type RecordSource interface {
	FetchRecords(ctx context.Context, entityType string, filter *Filter) ([]Record, error)
}

// ERPAdapter 厂商无关的ERP适配器契约
type ERPAdapter interface {
	// TestConnection 测试连通性并返回时延
	TestConnection(ctx context.Context) (*ConnectionTestResult, error)

	// FetchRecords 按实体类型和过滤条件拉取记录
	FetchRecords(ctx context.Context, entityType string, filter *Filter) ([]Record, error)

	// PushRecord 推送单条记录
	PushRecord(ctx context.Context, entityType string, record Record) error
}

// Factory 按集成配置创建适配器实例
type Factory func(integration *models.Integration) (ERPAdapter, error)

// Registry 适配器注册中心，按目标系统类型管理工厂
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var (
	globalRegistry *Registry
	registryOnce   sync.Once
)

// GetGlobalRegistry 获取全局适配器注册中心实例
func GetGlobalRegistry() *Registry {
	registryOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// NewRegistry 创建适配器注册中心
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// RegisterFactory 注册目标系统类型的适配器工厂
func (r *Registry) RegisterFactory(systemKind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[systemKind] = factory
}

// Create 按集成配置创建适配器实例
func (r *Registry) Create(integration *models.Integration) (ERPAdapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[integration.SystemKind]
	r.mu.RUnlock()

	if !ok {
		return nil, meta.NewSyncError(meta.ErrValidation,
			fmt.Sprintf("未注册的目标系统类型: %s", integration.SystemKind))
	}
	return factory(integration)
}

// SupportedKinds 获取已注册的目标系统类型列表
func (r *Registry) SupportedKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	return kinds
}
