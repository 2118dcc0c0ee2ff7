/*
 * @module service/database/migrate
 * @description 数据库迁移模块，负责表结构迁移和基础数据初始化
 * @architecture 分层架构 - 数据访问层
 * @documentReference ai_docs/mes_erp_sync_design.md 第3节
 * @stateFlow 应用启动时执行：表结构迁移 -> 默认严重程度规则播种
 * @rules 迁移幂等；默认规则只在不存在时写入，不覆盖运维修改
 * @dependencies gorm.io/gorm, service/models, service/meta
 * @refs service/init.go
 */

package database

import (
	"fmt"

	"gorm.io/gorm"

	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
)

// AutoMigrate 迁移所有表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Integration{},
		&models.FieldMapping{},
		&models.SyncTransaction{},
		&models.ReconciliationReport{},
		&models.Discrepancy{},
		&models.SeverityRule{},
		&models.ReconciliationSchedule{},
		&models.ScheduledJobRun{},
		&models.Webhook{},
		&models.WebhookDelivery{},
		&models.AuditEvent{},
	)
}

// defaultSeverityRules 默认严重程度分类规则。
// 阈值是配置而非常量：运维可通过对账规则接口调整，播种不覆盖已有行。
func defaultSeverityRules() []models.SeverityRule {
	return []models.SeverityRule{
		// 存在性差异一律CRITICAL
		{EntityType: "*", Field: models.FieldPresence, Kind: "presence", Severity: meta.SeverityCritical},
		// 金额类字段：相对偏差超过5%为HIGH
		{EntityType: meta.EntityTypeMaterial, Field: "unitCost", Kind: "monetary_pct", Threshold: 5.0, Severity: meta.SeverityHigh},
		{EntityType: meta.EntityTypeMaterial, Field: "standardCost", Kind: "monetary_pct", Threshold: 5.0, Severity: meta.SeverityHigh},
		{EntityType: meta.EntityTypeWorkOrder, Field: "quantityOrdered", Kind: "monetary_pct", Threshold: 1.0, Severity: meta.SeverityHigh},
		// 枚举状态不一致为CRITICAL
		{EntityType: meta.EntityTypeWorkOrder, Field: "status", Kind: "enum", Severity: meta.SeverityCritical},
		{EntityType: meta.EntityTypeQualityInspection, Field: "status", Kind: "enum", Severity: meta.SeverityCritical},
		// 自由文本差异为LOW
		{EntityType: "*", Field: "description", Kind: "text", Severity: meta.SeverityLow},
		{EntityType: "*", Field: "notes", Kind: "text", Severity: meta.SeverityLow},
		// 兜底规则
		{EntityType: "*", Field: "*", Kind: "default", Severity: meta.SeverityMedium},
	}
}

// InitializeData 播种基础数据
func InitializeData(db *gorm.DB) error {
	for _, rule := range defaultSeverityRules() {
		var count int64
		err := db.Model(&models.SeverityRule{}).
			Where("entity_type = ? AND field = ? AND kind = ?", rule.EntityType, rule.Field, rule.Kind).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("查询严重程度规则失败: %w", err)
		}
		if count > 0 {
			continue
		}
		if err := db.Create(&rule).Error; err != nil {
			return fmt.Errorf("播种严重程度规则失败: %w", err)
		}
	}
	return nil
}
