/*
 * @module api/controllers/audit_controller
 * @description 审计控制器：审计事件查询、实体时间线、操作者活动、关键事件、变更分析和合规导出
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.7节
 * @stateFlow HTTP请求 -> 参数验证 -> 服务调用 -> 响应返回
 * @rules 合规导出支持GBK编码参数，兼容旧版ERP报表工具
 * @dependencies service, service/audit
 * @refs api/routes.go
 */

package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"mes-sync-service/service"
	"mes-sync-service/service/audit"
)

// AuditController 审计控制器
type AuditController struct{}

// NewAuditController 创建审计控制器实例
func NewAuditController() *AuditController {
	return &AuditController{}
}

// parseTimeParam 解析RFC3339时间参数
func parseTimeParam(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// Query 查询审计事件
// @Summary 查询审计事件
// @Description 按事件类型、实体、操作者、集成、严重程度和时间窗过滤
// @Tags 审计账本
// @Produce json
// @Param event_type query string false "事件类型"
// @Param entity_type query string false "实体类型"
// @Param actor query string false "操作者"
// @Param start query string false "起始时间（RFC3339）"
// @Param end query string false "截止时间（RFC3339）"
// @Success 200 {object} PaginatedResponse{data=[]models.AuditEvent} "获取成功"
// @Router /audit/events [get]
func (c *AuditController) Query(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	query := r.URL.Query()

	events, total, err := service.GlobalAuditService.Query(&audit.QueryFilter{
		EventType:     query.Get("event_type"),
		EntityType:    query.Get("entity_type"),
		EntityID:      query.Get("entity_id"),
		Actor:         query.Get("actor"),
		IntegrationID: query.Get("integration_id"),
		Severity:      query.Get("severity"),
		Start:         parseTimeParam(r, "start"),
		End:           parseTimeParam(r, "end"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		RenderError(w, r, "查询审计事件失败", err)
		return
	}
	render.JSON(w, r, PagedResponse("查询审计事件成功", events, total, limit, offset))
}

// EntityTimeline 查询实体变更时间线
// @Summary 查询实体变更时间线
// @Description 返回单个业务实体的完整变更历史，时间正序
// @Tags 审计账本
// @Produce json
// @Param entity_type path string true "实体类型"
// @Param entity_id path string true "实体ID"
// @Success 200 {object} APIResponse{data=[]models.AuditEvent} "获取成功"
// @Router /audit/timeline/{entity_type}/{entity_id} [get]
func (c *AuditController) EntityTimeline(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entity_type")
	entityID := chi.URLParam(r, "entity_id")
	limit, offset := parsePagination(r)

	events, err := service.GlobalAuditService.EntityTimeline(entityType, entityID, limit, offset)
	if err != nil {
		RenderError(w, r, "查询实体时间线失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询实体时间线成功", events))
}

// ActorActivity 查询操作者活动
// @Summary 查询操作者活动
// @Tags 审计账本
// @Produce json
// @Param actor path string true "操作者"
// @Param days query int false "回看天数，默认7天"
// @Success 200 {object} APIResponse{data=[]models.AuditEvent} "获取成功"
// @Router /audit/actors/{actor} [get]
func (c *AuditController) ActorActivity(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actor")
	days := queryInt(r, "days", 7)
	limit := queryInt(r, "limit", 100)

	events, err := service.GlobalAuditService.ActorActivity(
		actor, time.Now().AddDate(0, 0, -days), limit)
	if err != nil {
		RenderError(w, r, "查询操作者活动失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询操作者活动成功", events))
}

// CriticalEvents 查询关键事件
// @Summary 查询关键事件
// @Description 返回CRITICAL级别或FAILURE结果的事件
// @Tags 审计账本
// @Produce json
// @Param days query int false "回看天数，默认7天"
// @Success 200 {object} APIResponse{data=[]models.AuditEvent} "获取成功"
// @Router /audit/critical [get]
func (c *AuditController) CriticalEvents(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	limit := queryInt(r, "limit", 100)

	events, err := service.GlobalAuditService.CriticalEvents(time.Now().AddDate(0, 0, -days), limit)
	if err != nil {
		RenderError(w, r, "查询关键事件失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询关键事件成功", events))
}

// ChangeSummary 查询变更汇总
// @Summary 查询变更汇总
// @Description 按事件类型统计时间窗内的事件数
// @Tags 审计账本
// @Produce json
// @Param start query string false "起始时间（RFC3339），默认7天前"
// @Param end query string false "截止时间（RFC3339），默认当前"
// @Success 200 {object} APIResponse{data=map[string]int64} "获取成功"
// @Router /audit/summary [get]
func (c *AuditController) ChangeSummary(w http.ResponseWriter, r *http.Request) {
	start, end := timeWindow(r)

	summary, err := service.GlobalAuditService.ChangeSummary(start, end)
	if err != nil {
		RenderError(w, r, "查询变更汇总失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询变更汇总成功", summary))
}

// ImpactAnalysis 查询变更影响分析
// @Summary 查询变更影响分析
// @Description 统计各实体类型变更最频繁的字段
// @Tags 审计账本
// @Produce json
// @Param days query int false "回看天数，默认30天"
// @Param top query int false "返回字段数，默认10"
// @Success 200 {object} APIResponse{data=[]audit.FieldChangeStat} "获取成功"
// @Router /audit/impact [get]
func (c *AuditController) ImpactAnalysis(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	top := queryInt(r, "top", 10)

	stats, err := service.GlobalAuditService.ImpactAnalysis(time.Now().AddDate(0, 0, -days), top)
	if err != nil {
		RenderError(w, r, "查询变更影响分析失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询变更影响分析成功", stats))
}

// ComplianceExport 合规CSV导出
// @Summary 合规CSV导出
// @Description 导出时间窗内的全部审计事件，?encoding=gbk输出GBK编码
// @Tags 审计账本
// @Produce text/csv
// @Param start query string false "起始时间（RFC3339），默认7天前"
// @Param end query string false "截止时间（RFC3339），默认当前"
// @Param encoding query string false "编码：utf8（默认）或gbk"
// @Success 200 {string} string "CSV文件"
// @Router /audit/export [get]
func (c *AuditController) ComplianceExport(w http.ResponseWriter, r *http.Request) {
	start, end := timeWindow(r)
	useGBK := r.URL.Query().Get("encoding") == "gbk"

	charset := "utf-8"
	if useGBK {
		charset = "gbk"
	}
	w.Header().Set("Content-Type", "text/csv; charset="+charset)
	w.Header().Set("Content-Disposition",
		"attachment; filename=audit_export_"+time.Now().Format("20060102")+".csv")

	if err := service.GlobalAuditService.ComplianceExport(w, start, end, useGBK); err != nil {
		RenderError(w, r, "合规导出失败", err)
	}
}

// timeWindow 解析start/end时间窗，缺省为最近7天
func timeWindow(r *http.Request) (time.Time, time.Time) {
	end := time.Now()
	if t := parseTimeParam(r, "end"); t != nil {
		end = *t
	}
	start := end.AddDate(0, 0, -7)
	if t := parseTimeParam(r, "start"); t != nil {
		start = *t
	}
	return start, end
}

// queryInt 解析整数查询参数
func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
