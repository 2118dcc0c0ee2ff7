/*
 * @module testutil/test_helper
 * @description 测试工具和辅助函数
 * @architecture 测试基础设施 - 提供测试通用工具和数据工厂
 * @documentReference ai_docs/mes_erp_sync_design.md 第9节
 * @stateFlow 测试环境初始化 -> 测试数据创建 -> 测试执行 -> 清理资源
 * @rules 提供可重用的测试工具，确保测试环境的一致性
 * @dependencies gorm, sqlite, testify, time
 * @refs service/models, service/database
 */

package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/database"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
)

// TestDB 测试数据库配置
type TestDB struct {
	DB *gorm.DB
}

// NewTestDB 创建sqlite内存测试数据库并完成迁移和基础数据播种
func NewTestDB() *TestDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect test database: %v", err))
	}

	// 内存库按连接隔离，必须收敛到单连接共享同一个库
	sqlDB, err := db.DB()
	if err != nil {
		panic(fmt.Sprintf("failed to access test database pool: %v", err))
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.AutoMigrate(db); err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}
	if err := database.InitializeData(db); err != nil {
		panic(fmt.Sprintf("failed to seed test database: %v", err))
	}

	return &TestDB{DB: db}
}

// CleanDB 清理数据库
func (tdb *TestDB) CleanDB() {
	tables := []string{
		"integrations",
		"field_mappings",
		"sync_transactions",
		"reconciliation_reports",
		"discrepancies",
		"reconciliation_schedules",
		"scheduled_job_runs",
		"webhooks",
		"webhook_deliveries",
		"audit_events",
	}

	for _, table := range tables {
		tdb.DB.Exec(fmt.Sprintf("DELETE FROM %s", table))
	}
}

// Close 关闭数据库连接
func (tdb *TestDB) Close() {
	if db, err := tdb.DB.DB(); err == nil {
		db.Close()
	}
}

// TestDataFactory 测试数据工厂
type TestDataFactory struct {
	DB *gorm.DB
}

// NewTestDataFactory 创建测试数据工厂
func NewTestDataFactory(db *gorm.DB) *TestDataFactory {
	return &TestDataFactory{DB: db}
}

// IntegrationOption 集成配置选项函数类型
type IntegrationOption func(*models.Integration)

// CreateIntegration 创建测试集成配置
func (f *TestDataFactory) CreateIntegration(opts ...IntegrationOption) *models.Integration {
	integration := &models.Integration{
		Name:       "测试ERP集成",
		SystemKind: "generic_rest",
		ConnectionConfig: models.JSONB{
			"base_url":        "http://erp.example.com/api",
			"api_key":         "test-key",
			"timeout_seconds": 5,
		},
		Enabled:   true,
		CreatedBy: "test",
	}

	for _, opt := range opts {
		opt(integration)
	}

	if err := f.DB.Create(integration).Error; err != nil {
		panic(fmt.Sprintf("failed to create test integration: %v", err))
	}
	return integration
}

// CreateMaterialMappings 创建物料实体的标准字段映射
func (f *TestDataFactory) CreateMaterialMappings(integrationID string) []models.FieldMapping {
	mappings := []models.FieldMapping{
		{IntegrationID: integrationID, EntityType: meta.EntityTypeMaterial,
			SourceField: "partNumber", TargetField: "MATNR", Required: true,
			Direction: meta.DirectionBidirect},
		{IntegrationID: integrationID, EntityType: meta.EntityTypeMaterial,
			SourceField: "description", TargetField: "MAKTX",
			Direction: meta.DirectionBidirect},
		{IntegrationID: integrationID, EntityType: meta.EntityTypeMaterial,
			SourceField: "unitCost", TargetField: "STPRS",
			Direction: meta.DirectionBidirect},
	}
	for i := range mappings {
		if err := f.DB.Create(&mappings[i]).Error; err != nil {
			panic(fmt.Sprintf("failed to create test mapping: %v", err))
		}
	}
	return mappings
}

// CreateWorkOrderMappings 创建工单实体的标准字段映射
func (f *TestDataFactory) CreateWorkOrderMappings(integrationID string) []models.FieldMapping {
	mappings := []models.FieldMapping{
		{IntegrationID: integrationID, EntityType: meta.EntityTypeWorkOrder,
			SourceField: "workOrderNumber", TargetField: "AUFNR", Required: true,
			Direction: meta.DirectionBidirect},
		{IntegrationID: integrationID, EntityType: meta.EntityTypeWorkOrder,
			SourceField: "status", TargetField: "STTXT",
			Direction: meta.DirectionBidirect},
		{IntegrationID: integrationID, EntityType: meta.EntityTypeWorkOrder,
			SourceField: "quantityOrdered", TargetField: "GAMNG",
			Direction: meta.DirectionBidirect},
	}
	for i := range mappings {
		if err := f.DB.Create(&mappings[i]).Error; err != nil {
			panic(fmt.Sprintf("failed to create test mapping: %v", err))
		}
	}
	return mappings
}

// DiscrepancyOption 差异选项函数类型
type DiscrepancyOption func(*models.Discrepancy)

// CreateDiscrepancy 创建测试差异
func (f *TestDataFactory) CreateDiscrepancy(integrationID, reportID string, opts ...DiscrepancyOption) *models.Discrepancy {
	discrepancy := &models.Discrepancy{
		ReportID:      reportID,
		IntegrationID: integrationID,
		EntityType:    meta.EntityTypeMaterial,
		EntityID:      "PN-1001",
		Field:         "unitCost",
		MESValue:      "100",
		ERPValue:      "105",
		Severity:      meta.SeverityHigh,
		FirstSeenAt:   time.Now(),
		LastSeenAt:    time.Now(),
	}

	for _, opt := range opts {
		opt(discrepancy)
	}

	if err := f.DB.Create(discrepancy).Error; err != nil {
		panic(fmt.Sprintf("failed to create test discrepancy: %v", err))
	}
	return discrepancy
}

// CreateReport 创建测试对账报告
func (f *TestDataFactory) CreateReport(integrationID string) *models.ReconciliationReport {
	report := &models.ReconciliationReport{
		IntegrationID: integrationID,
		EntityType:    meta.EntityTypeMaterial,
		StartedAt:     time.Now(),
		TriggeredBy:   "test",
	}
	if err := f.DB.Create(report).Error; err != nil {
		panic(fmt.Sprintf("failed to create test report: %v", err))
	}
	return report
}

// WebhookOption Webhook选项函数类型
type WebhookOption func(*models.Webhook)

// CreateWebhook 创建测试webhook订阅
func (f *TestDataFactory) CreateWebhook(url string, opts ...WebhookOption) *models.Webhook {
	webhook := &models.Webhook{
		Name:        "测试webhook",
		URL:         url,
		EventTypes:  []string{meta.AuditDiscrepancyCreated, meta.AuditReconcileCompleted},
		Secret:      "test-secret",
		MaxAttempts: 3,
		Enabled:     true,
	}

	for _, opt := range opts {
		opt(webhook)
	}

	if err := f.DB.Create(webhook).Error; err != nil {
		panic(fmt.Sprintf("failed to create test webhook: %v", err))
	}
	return webhook
}

// FakeAdapter 可编程的测试适配器，实现ERPAdapter和RecordSource契约
type FakeAdapter struct {
	mu sync.Mutex

	// Records 按实体类型预置的拉取结果
	Records map[string][]adapter.Record
	// FetchErr 非空时FetchRecords返回该错误
	FetchErr error
	// PushErr 非空时PushRecord返回该错误
	PushErr error
	// FailPushesBefore 前N次推送失败，之后成功（模拟瞬时故障）
	FailPushesBefore int
	// Connected TestConnection返回的连通状态
	Connected bool

	FetchCalls int
	PushCalls  int
	Pushed     []adapter.Record
}

// NewFakeAdapter 创建测试适配器
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		Records:   make(map[string][]adapter.Record),
		Connected: true,
	}
}

// SetRecords 预置实体类型的拉取结果
func (f *FakeAdapter) SetRecords(entityType string, records []adapter.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Records[entityType] = records
}

// TestConnection 返回预置的连通状态
func (f *FakeAdapter) TestConnection(ctx context.Context) (*adapter.ConnectionTestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &adapter.ConnectionTestResult{Connected: f.Connected, Latency: time.Millisecond}, nil
}

// FetchRecords 返回预置记录或预置错误
func (f *FakeAdapter) FetchRecords(ctx context.Context, entityType string, filter *adapter.Filter) ([]adapter.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	return f.Records[entityType], nil
}

// PushRecord 记录推送并按配置注入失败
func (f *FakeAdapter) PushRecord(ctx context.Context, entityType string, record adapter.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PushCalls++
	if f.PushErr != nil {
		return f.PushErr
	}
	if f.PushCalls <= f.FailPushesBefore {
		return meta.NewSyncError(meta.ErrConnection, "模拟推送失败")
	}
	f.Pushed = append(f.Pushed, record)
	return nil
}

// PushedCount 已成功推送的记录数
func (f *FakeAdapter) PushedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Pushed)
}

// RegisterFake 把测试适配器注册到注册中心并返回适配器
func RegisterFake(registry *adapter.Registry, systemKind string, fake *FakeAdapter) {
	registry.RegisterFactory(systemKind, func(integration *models.Integration) (adapter.ERPAdapter, error) {
		return fake, nil
	})
}
