/*
 * @module api/controllers/reconciliation_controller
 * @description 对账控制器：触发对账运行、查询报告、历史和质量趋势
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.3节
 * @stateFlow HTTP请求 -> 参数验证 -> 服务调用 -> 响应返回
 * @rules 对账失败时报告仍然落库，接口返回失败报告和错误码
 * @dependencies service, service/reconcile
 * @refs api/routes.go
 */

package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"mes-sync-service/service"
	"mes-sync-service/service/reconcile"
)

// ReconciliationController 对账控制器
type ReconciliationController struct{}

// NewReconciliationController 创建对账控制器实例
func NewReconciliationController() *ReconciliationController {
	return &ReconciliationController{}
}

// ReconcileRunRequest 触发对账请求
type ReconcileRunRequest struct {
	IntegrationID string     `json:"integration_id" binding:"required" example:"550e8400-e29b-41d4-a716-446655440000"`
	EntityType    string     `json:"entity_type,omitempty" example:"material"`
	DryRun        bool       `json:"dry_run,omitempty"`
	PeriodStart   *time.Time `json:"period_start,omitempty"`
	PeriodEnd     *time.Time `json:"period_end,omitempty"`
	Operator      string     `json:"operator,omitempty" example:"admin"`
}

// Run 触发一次对账运行
// @Summary 触发对账运行
// @Description 对集成执行一次对账，entity_type缺省为FULL_SYNC；dry_run为真时差异只返回不落库
// @Tags 对账管理
// @Accept json
// @Produce json
// @Param request body ReconcileRunRequest true "对账参数"
// @Success 200 {object} APIResponse{data=reconcile.RunResult} "对账完成"
// @Router /reconciliation/run [post]
func (c *ReconciliationController) Run(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}
	if req.IntegrationID == "" {
		render.JSON(w, r, BadRequestResponse("集成ID不能为空", nil))
		return
	}

	result, err := service.GlobalReconcileService.Run(r.Context(), req.IntegrationID, &reconcile.RunOptions{
		EntityType:  req.EntityType,
		DryRun:      req.DryRun,
		TriggeredBy: req.Operator,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
	})
	if err != nil {
		// 失败报告已落库，连同错误码一并返回
		if result != nil && result.Report != nil {
			RenderError(w, r, "对账运行失败", err)
			return
		}
		RenderError(w, r, "发起对账失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("对账运行完成", result))
}

// GetReport 查询对账报告
// @Summary 查询对账报告
// @Tags 对账管理
// @Produce json
// @Param id path string true "报告ID"
// @Success 200 {object} APIResponse{data=models.ReconciliationReport} "获取成功"
// @Router /reconciliation/reports/{id} [get]
func (c *ReconciliationController) GetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := service.GlobalReportService.Get(id)
	if err != nil {
		RenderError(w, r, "查询对账报告失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询对账报告成功", report))
}

// History 查询对账报告历史
// @Summary 查询对账报告历史
// @Tags 对账管理
// @Produce json
// @Param integration_id query string false "集成ID"
// @Param entity_type query string false "实体类型"
// @Success 200 {object} PaginatedResponse{data=[]models.ReconciliationReport} "获取成功"
// @Router /reconciliation/reports [get]
func (c *ReconciliationController) History(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	query := r.URL.Query()

	reports, total, err := service.GlobalReportService.History(
		query.Get("integration_id"), query.Get("entity_type"), limit, offset)
	if err != nil {
		RenderError(w, r, "查询对账历史失败", err)
		return
	}
	render.JSON(w, r, PagedResponse("查询对账历史成功", reports, total, limit, offset))
}

// Trend 查询数据质量趋势
// @Summary 查询数据质量趋势
// @Description 返回集成近期对账质量分趋势及是否劣化的判定
// @Tags 对账管理
// @Produce json
// @Param integration_id query string true "集成ID"
// @Param entity_type query string false "实体类型，缺省统计全部"
// @Param days query int false "统计天数，默认7天"
// @Success 200 {object} APIResponse{data=report.Trend} "获取成功"
// @Router /reconciliation/trend [get]
func (c *ReconciliationController) Trend(w http.ResponseWriter, r *http.Request) {
	integrationID := r.URL.Query().Get("integration_id")
	if integrationID == "" {
		render.JSON(w, r, BadRequestResponse("集成ID不能为空", nil))
		return
	}
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			days = n
		}
	}

	trend, err := service.GlobalReportService.QualityTrend(
		integrationID, r.URL.Query().Get("entity_type"), days)
	if err != nil {
		RenderError(w, r, "查询质量趋势失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询质量趋势成功", trend))
}
