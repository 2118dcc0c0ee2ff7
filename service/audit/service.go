/*
 * @module service/audit/service
 * @description 审计账本服务，提供只追加的事件记录和变更历史查询分析
 * @architecture 分层架构 - 业务服务层，账本只追加不更新
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.7节
 * @stateFlow 状态变更 -> 同步写入事件 -> 时间线/活动/合规导出查询
 * @rules 每次状态变更恰好写一条事件；账本写入失败不阻断主流程但必须记日志
 * @dependencies gorm.io/gorm, github.com/spf13/cast, golang.org/x/text
 * @refs service/models/audit_event.go, service/utils/data_converter.go
 */

package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cast"
	"gorm.io/gorm"

	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/utils"
)

// Service 审计账本服务
type Service struct {
	db *gorm.DB
}

// NewService 创建审计账本服务实例
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Record 追加一条审计事件
func (s *Service) Record(event *models.AuditEvent) error {
	if event.EventType == "" {
		return meta.NewSyncError(meta.ErrValidation, "审计事件类型不能为空")
	}
	if err := s.db.Create(event).Error; err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "写入审计事件失败", err)
	}
	return nil
}

// MustRecord 追加审计事件，失败只记日志不阻断主流程
func (s *Service) MustRecord(event *models.AuditEvent) {
	if err := s.Record(event); err != nil {
		slog.Error("审计事件写入失败", "event_type", event.EventType, "error", err)
	}
}

// QueryFilter 审计查询过滤条件
type QueryFilter struct {
	EventType     string
	EntityType    string
	EntityID      string
	Actor         string
	IntegrationID string
	Severity      string
	Start         *time.Time
	End           *time.Time
	Limit         int
	Offset        int
}

func (s *Service) buildQuery(filter *QueryFilter) *gorm.DB {
	query := s.db.Model(&models.AuditEvent{})
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.Actor != "" {
		query = query.Where("actor = ?", filter.Actor)
	}
	if filter.IntegrationID != "" {
		query = query.Where("integration_id = ?", filter.IntegrationID)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Start != nil {
		query = query.Where("performed_at >= ?", *filter.Start)
	}
	if filter.End != nil {
		query = query.Where("performed_at <= ?", *filter.End)
	}
	return query
}

// Query 按条件查询审计事件，按发生时间倒序
func (s *Service) Query(filter *QueryFilter) ([]models.AuditEvent, int64, error) {
	query := s.buildQuery(filter)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "统计审计事件失败", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var events []models.AuditEvent
	err := query.Order("performed_at DESC").Limit(limit).Offset(filter.Offset).Find(&events).Error
	if err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "查询审计事件失败", err)
	}
	return events, total, nil
}

// EntityTimeline 查询单个业务实体的完整变更时间线（时间正序）
func (s *Service) EntityTimeline(entityType, entityID string, limit, offset int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.AuditEvent
	err := s.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("performed_at ASC").Limit(limit).Offset(offset).Find(&events).Error
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询实体时间线失败", err)
	}
	return events, nil
}

// ActorActivity 查询操作者活动记录
func (s *Service) ActorActivity(actor string, since time.Time, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.AuditEvent
	err := s.db.Where("actor = ? AND performed_at >= ?", actor, since).
		Order("performed_at DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询操作者活动失败", err)
	}
	return events, nil
}

// CriticalEvents 查询关键事件（CRITICAL级别或FAILURE结果）
func (s *Service) CriticalEvents(since time.Time, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.AuditEvent
	err := s.db.Where("performed_at >= ? AND (severity = ? OR status = ?)",
		since, meta.AuditSeverityCritical, meta.AuditStatusFailure).
		Order("performed_at DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询关键事件失败", err)
	}
	return events, nil
}

// ChangeSummary 变更汇总：按事件类型统计给定时间窗内的事件数
func (s *Service) ChangeSummary(start, end time.Time) (map[string]int64, error) {
	type row struct {
		EventType string
		Count     int64
	}
	var rows []row
	err := s.db.Model(&models.AuditEvent{}).
		Select("event_type, COUNT(*) as count").
		Where("performed_at >= ? AND performed_at <= ?", start, end).
		Group("event_type").Find(&rows).Error
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "变更汇总查询失败", err)
	}
	summary := make(map[string]int64, len(rows))
	for _, r := range rows {
		summary[r.EventType] = r.Count
	}
	return summary, nil
}

// FieldChangeStat 字段变更统计
type FieldChangeStat struct {
	EntityType string `json:"entity_type"`
	Field      string `json:"field"`
	Changes    int    `json:"changes"`
}

// ImpactAnalysis 变更影响分析：从差异事件明细中统计各实体类型变更最频繁的字段
func (s *Service) ImpactAnalysis(since time.Time, topN int) ([]FieldChangeStat, error) {
	if topN <= 0 {
		topN = 10
	}
	var events []models.AuditEvent
	err := s.db.Where("event_type IN ? AND performed_at >= ?",
		[]string{meta.AuditDiscrepancyCreated, meta.AuditDiscrepancyResolved}, since).
		Find(&events).Error
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "变更影响分析查询失败", err)
	}

	counts := make(map[string]*FieldChangeStat)
	for _, ev := range events {
		field := cast.ToString(ev.Details["field"])
		if field == "" {
			continue
		}
		key := ev.EntityType + "/" + field
		if stat, ok := counts[key]; ok {
			stat.Changes++
		} else {
			counts[key] = &FieldChangeStat{EntityType: ev.EntityType, Field: field, Changes: 1}
		}
	}

	stats := make([]FieldChangeStat, 0, len(counts))
	for _, stat := range counts {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Changes != stats[j].Changes {
			return stats[i].Changes > stats[j].Changes
		}
		return stats[i].EntityType+stats[i].Field < stats[j].EntityType+stats[j].Field
	})
	if len(stats) > topN {
		stats = stats[:topN]
	}
	return stats, nil
}

// ComplianceExport 合规CSV导出。useGBK为真时输出GBK编码，兼容旧版ERP报表工具。
func (s *Service) ComplianceExport(w io.Writer, start, end time.Time, useGBK bool) error {
	var events []models.AuditEvent
	err := s.db.Where("performed_at >= ? AND performed_at <= ?", start, end).
		Order("performed_at ASC").Find(&events).Error
	if err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "合规导出查询失败", err)
	}

	writer := csv.NewWriter(w)
	if useGBK {
		writer = csv.NewWriter(&gbkWriter{underlying: w})
	}

	header := []string{"event_id", "event_type", "severity", "status",
		"entity_type", "entity_id", "actor", "integration_id", "performed_at"}
	if err := writer.Write(header); err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "写入CSV表头失败", err)
	}
	for _, ev := range events {
		record := []string{
			ev.ID, ev.EventType, ev.Severity, ev.Status,
			ev.EntityType, ev.EntityID, ev.Actor, ev.IntegrationID,
			ev.PerformedAt.Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return meta.WrapSyncError(meta.ErrInternal, "写入CSV记录失败", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "刷新CSV输出失败", err)
	}
	return nil
}

// gbkWriter 将UTF-8输出按GBK重新编码后写入底层
type gbkWriter struct {
	underlying io.Writer
}

func (g *gbkWriter) Write(p []byte) (int, error) {
	encoded, err := utils.UTF8ToGBK(p)
	if err != nil {
		return 0, fmt.Errorf("GBK重编码失败: %w", err)
	}
	if _, err := g.underlying.Write(encoded); err != nil {
		return 0, err
	}
	return len(p), nil
}
