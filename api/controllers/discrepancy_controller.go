/*
 * @module api/controllers/discrepancy_controller
 * @description 差异控制器：差异列表、详情、人工裁决和处理建议
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.4节
 * @stateFlow HTTP请求 -> 参数验证 -> 服务调用 -> 响应返回
 * @rules 并发裁决落空时返回409，客户端刷新差异状态后重试
 * @dependencies service, service/discrepancy
 * @refs api/routes.go
 */

package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"mes-sync-service/service"
	"mes-sync-service/service/discrepancy"
)

// DiscrepancyController 差异控制器
type DiscrepancyController struct{}

// NewDiscrepancyController 创建差异控制器实例
func NewDiscrepancyController() *DiscrepancyController {
	return &DiscrepancyController{}
}

// List 查询差异列表
// @Summary 查询差异列表
// @Description 按报告、集成、实体类型、严重程度和状态过滤，严重优先排序
// @Tags 差异管理
// @Produce json
// @Param report_id query string false "报告ID"
// @Param integration_id query string false "集成ID"
// @Param severity query string false "严重程度"
// @Param status query string false "状态"
// @Success 200 {object} PaginatedResponse{data=[]models.Discrepancy} "获取成功"
// @Router /discrepancies [get]
func (c *DiscrepancyController) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	query := r.URL.Query()

	discrepancies, total, err := service.GlobalDiscrepancySvc.List(&discrepancy.ListFilter{
		ReportID:      query.Get("report_id"),
		IntegrationID: query.Get("integration_id"),
		EntityType:    query.Get("entity_type"),
		Severity:      query.Get("severity"),
		Status:        query.Get("status"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		RenderError(w, r, "查询差异列表失败", err)
		return
	}
	render.JSON(w, r, PagedResponse("查询差异列表成功", discrepancies, total, limit, offset))
}

// Get 查询差异详情
// @Summary 查询差异详情
// @Tags 差异管理
// @Produce json
// @Param id path string true "差异ID"
// @Success 200 {object} APIResponse{data=models.Discrepancy} "获取成功"
// @Router /discrepancies/{id} [get]
func (c *DiscrepancyController) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := service.GlobalDiscrepancySvc.Get(id)
	if err != nil {
		RenderError(w, r, "查询差异失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询差异成功", d))
}

// ResolveRequest 差异裁决请求
type ResolveRequest struct {
	Action   string `json:"action" binding:"required" example:"UPDATE_SIDE_B"`
	Note     string `json:"note,omitempty" example:"以MES现场数据为准"`
	Operator string `json:"operator,omitempty" example:"admin"`
}

// Resolve 裁决差异
// @Summary 裁决差异
// @Description UPDATE_SIDE_A以ERP值修正MES，UPDATE_SIDE_B以MES值修正ERP，ACCEPT仅接受差异
// @Tags 差异管理
// @Accept json
// @Produce json
// @Param id path string true "差异ID"
// @Param request body ResolveRequest true "裁决参数"
// @Success 200 {object} APIResponse{data=models.Discrepancy} "裁决成功"
// @Failure 409 {object} APIResponse "差异已被并发处理"
// @Router /discrepancies/{id}/resolve [post]
func (c *DiscrepancyController) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}

	d, err := service.GlobalDiscrepancySvc.Resolve(r.Context(), id, req.Action, req.Note, req.Operator)
	if err != nil {
		RenderError(w, r, "裁决差异失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("裁决差异成功", d))
}

// Suggest 查询裁决建议
// @Summary 查询裁决建议
// @Description 按实体类型的权威数据源策略给出建议动作
// @Tags 差异管理
// @Produce json
// @Param id path string true "差异ID"
// @Success 200 {object} APIResponse{data=discrepancy.Suggestion} "获取成功"
// @Router /discrepancies/{id}/suggestion [get]
func (c *DiscrepancyController) Suggest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	suggestion, err := service.GlobalDiscrepancySvc.SuggestResolution(id)
	if err != nil {
		RenderError(w, r, "查询裁决建议失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询裁决建议成功", suggestion))
}
