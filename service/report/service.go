/*
 * @module service/report/service
 * @description 对账报告查询服务，提供历史、详情和质量趋势分析
 * @architecture 分层架构 - 业务服务层（报告由对账编排层写入，这里只读）
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.5节
 * @stateFlow 报告落库 -> 历史查询 -> 趋势窗口分析 -> 劣化标记
 * @rules 趋势只统计已完成的非演练报告；最近得分明显低于窗口均值即标记劣化
 * @dependencies gorm.io/gorm
 * @refs service/reconcile/service.go, service/models/reconciliation.go
 */

package report

import (
	"time"

	"gorm.io/gorm"

	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
)

// 劣化判定：最近得分低于窗口均值超过该幅度
const degradationMargin = 0.05

// Service 对账报告查询服务
type Service struct {
	db *gorm.DB
}

// NewService 创建报告查询服务实例
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Get 按ID获取报告
func (s *Service) Get(id string) (*models.ReconciliationReport, error) {
	var report models.ReconciliationReport
	if err := s.db.First(&report, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, meta.NewSyncError(meta.ErrNotFound, "对账报告不存在: "+id)
		}
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询对账报告失败", err)
	}
	return &report, nil
}

// History 查询历史报告，开始时间倒序
func (s *Service) History(integrationID, entityType string, limit, offset int) ([]models.ReconciliationReport, int64, error) {
	query := s.db.Model(&models.ReconciliationReport{})
	if integrationID != "" {
		query = query.Where("integration_id = ?", integrationID)
	}
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "统计报告失败", err)
	}
	if limit <= 0 {
		limit = 50
	}
	var reports []models.ReconciliationReport
	err := query.Order("started_at DESC").Limit(limit).Offset(offset).Find(&reports).Error
	if err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "查询报告失败", err)
	}
	return reports, total, nil
}

// TrendPoint 趋势点
type TrendPoint struct {
	ReportID         string    `json:"report_id"`
	StartedAt        time.Time `json:"started_at"`
	QualityScore     float64   `json:"quality_score"`
	DiscrepancyCount int       `json:"discrepancy_count"`
}

// Trend 质量趋势
type Trend struct {
	IntegrationID string       `json:"integration_id"`
	EntityType    string       `json:"entity_type"`
	WindowDays    int          `json:"window_days"`
	Points        []TrendPoint `json:"points"`
	AverageScore  float64      `json:"average_score"`
	LatestScore   float64      `json:"latest_score"`
	Degraded      bool         `json:"degraded"`
}

// QualityTrend 统计最近N天的质量趋势并标记劣化。
// 演练运行和未完成的报告不参与统计。
func (s *Service) QualityTrend(integrationID, entityType string, days int) (*Trend, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().AddDate(0, 0, -days)

	query := s.db.Model(&models.ReconciliationReport{}).
		Where("integration_id = ? AND status = ? AND dry_run = ? AND started_at >= ?",
			integrationID, meta.ReportStatusCompleted, false, since)
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}

	var reports []models.ReconciliationReport
	if err := query.Order("started_at ASC").Find(&reports).Error; err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询趋势数据失败", err)
	}

	trend := &Trend{
		IntegrationID: integrationID,
		EntityType:    entityType,
		WindowDays:    days,
		Points:        make([]TrendPoint, 0, len(reports)),
	}
	if len(reports) == 0 {
		return trend, nil
	}

	var sum float64
	for _, r := range reports {
		trend.Points = append(trend.Points, TrendPoint{
			ReportID:         r.ID,
			StartedAt:        r.StartedAt,
			QualityScore:     r.QualityScore,
			DiscrepancyCount: r.DiscrepancyCount,
		})
		sum += r.QualityScore
	}
	trend.AverageScore = sum / float64(len(reports))
	trend.LatestScore = reports[len(reports)-1].QualityScore
	trend.Degraded = trend.LatestScore < trend.AverageScore-degradationMargin
	return trend, nil
}
