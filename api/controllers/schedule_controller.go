/*
 * @module api/controllers/schedule_controller
 * @description 调度控制器：周期对账调度的增删改查、启停、手动触发和执行记录查询
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.5节
 * @stateFlow HTTP请求 -> 参数验证 -> 服务调用 -> 响应返回
 * @rules 手动触发与定时触发共用并发上限，超出上限的触发排队等待
 * @dependencies service, service/scheduler
 * @refs api/routes.go
 */

package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"mes-sync-service/service"
	"mes-sync-service/service/models"
)

// ScheduleController 调度控制器
type ScheduleController struct{}

// NewScheduleController 创建调度控制器实例
func NewScheduleController() *ScheduleController {
	return &ScheduleController{}
}

// ScheduleRequest 调度配置创建/更新请求
type ScheduleRequest struct {
	IntegrationID     string   `json:"integration_id" binding:"required" example:"550e8400-e29b-41d4-a716-446655440000"`
	Name              string   `json:"name" binding:"required" example:"夜间物料对账"`
	EntityTypes       []string `json:"entity_types,omitempty" example:"[\"material\"]"`
	CronExpression    string   `json:"cron_expression,omitempty" example:"0 2 * * *"`
	IntervalSeconds   int      `json:"interval_seconds,omitempty" example:"3600"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs,omitempty" example:"1"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty" example:"600"`
	RetryAttempts     int      `json:"retry_attempts,omitempty" example:"3"`
	Enabled           *bool    `json:"enabled,omitempty"`
	Operator          string   `json:"operator,omitempty" example:"admin"`
}

// Create 创建调度配置
// @Summary 创建调度配置
// @Description cron表达式与固定间隔二选一
// @Tags 调度管理
// @Accept json
// @Produce json
// @Param request body ScheduleRequest true "调度配置"
// @Success 200 {object} APIResponse{data=models.ReconciliationSchedule} "创建成功"
// @Router /schedules [post]
func (c *ScheduleController) Create(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}
	if req.IntegrationID == "" || req.Name == "" {
		render.JSON(w, r, BadRequestResponse("集成ID和调度名称不能为空", nil))
		return
	}

	schedule := &models.ReconciliationSchedule{
		IntegrationID:     req.IntegrationID,
		Name:              req.Name,
		EntityTypes:       req.EntityTypes,
		CronExpression:    req.CronExpression,
		IntervalSeconds:   req.IntervalSeconds,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		TimeoutSeconds:    req.TimeoutSeconds,
		RetryAttempts:     req.RetryAttempts,
		Enabled:           true,
		CreatedBy:         req.Operator,
	}
	if schedule.CreatedBy == "" {
		schedule.CreatedBy = "system"
	}
	if schedule.TimeoutSeconds <= 0 {
		schedule.TimeoutSeconds = 600
	}
	if schedule.RetryAttempts <= 0 {
		schedule.RetryAttempts = 3
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if err := service.GlobalSchedulerService.Create(schedule); err != nil {
		RenderError(w, r, "创建调度失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("创建调度成功", schedule))
}

// List 查询调度列表
// @Summary 查询调度列表
// @Tags 调度管理
// @Produce json
// @Param integration_id query string false "集成ID"
// @Success 200 {object} PaginatedResponse{data=[]models.ReconciliationSchedule} "获取成功"
// @Router /schedules [get]
func (c *ScheduleController) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	schedules, total, err := service.GlobalSchedulerService.List(
		r.URL.Query().Get("integration_id"), limit, offset)
	if err != nil {
		RenderError(w, r, "查询调度列表失败", err)
		return
	}
	render.JSON(w, r, PagedResponse("查询调度列表成功", schedules, total, limit, offset))
}

// Get 查询调度详情
// @Summary 查询调度详情
// @Tags 调度管理
// @Produce json
// @Param id path string true "调度ID"
// @Success 200 {object} APIResponse{data=models.ReconciliationSchedule} "获取成功"
// @Router /schedules/{id} [get]
func (c *ScheduleController) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	schedule, err := service.GlobalSchedulerService.Get(id)
	if err != nil {
		RenderError(w, r, "查询调度失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询调度成功", schedule))
}

// Update 更新调度配置
// @Summary 更新调度配置
// @Tags 调度管理
// @Accept json
// @Produce json
// @Param id path string true "调度ID"
// @Param request body ScheduleRequest true "调度配置"
// @Success 200 {object} APIResponse{data=models.ReconciliationSchedule} "更新成功"
// @Router /schedules/{id} [put]
func (c *ScheduleController) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}

	schedule, err := service.GlobalSchedulerService.Get(id)
	if err != nil {
		RenderError(w, r, "查询调度失败", err)
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.EntityTypes != nil {
		schedule.EntityTypes = req.EntityTypes
	}
	if req.CronExpression != "" || req.IntervalSeconds > 0 {
		schedule.CronExpression = req.CronExpression
		schedule.IntervalSeconds = req.IntervalSeconds
	}
	if req.MaxConcurrentJobs > 0 {
		schedule.MaxConcurrentJobs = req.MaxConcurrentJobs
	}
	if req.TimeoutSeconds > 0 {
		schedule.TimeoutSeconds = req.TimeoutSeconds
	}
	if req.RetryAttempts > 0 {
		schedule.RetryAttempts = req.RetryAttempts
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if err := service.GlobalSchedulerService.Update(schedule); err != nil {
		RenderError(w, r, "更新调度失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("更新调度成功", schedule))
}

// Delete 删除调度配置
// @Summary 删除调度配置
// @Tags 调度管理
// @Produce json
// @Param id path string true "调度ID"
// @Success 200 {object} APIResponse "删除成功"
// @Router /schedules/{id} [delete]
func (c *ScheduleController) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := service.GlobalSchedulerService.Delete(id); err != nil {
		RenderError(w, r, "删除调度失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("删除调度成功", nil))
}

// Enable 启用调度
// @Summary 启用调度
// @Tags 调度管理
// @Produce json
// @Param id path string true "调度ID"
// @Success 200 {object} APIResponse "启用成功"
// @Router /schedules/{id}/enable [post]
func (c *ScheduleController) Enable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := service.GlobalSchedulerService.SetEnabled(id, true); err != nil {
		RenderError(w, r, "启用调度失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("启用调度成功", nil))
}

// Disable 停用调度
// @Summary 停用调度
// @Tags 调度管理
// @Produce json
// @Param id path string true "调度ID"
// @Success 200 {object} APIResponse "停用成功"
// @Router /schedules/{id}/disable [post]
func (c *ScheduleController) Disable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := service.GlobalSchedulerService.SetEnabled(id, false); err != nil {
		RenderError(w, r, "停用调度失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("停用调度成功", nil))
}

// TriggerRequest 手动触发请求
type TriggerRequest struct {
	Operator string `json:"operator,omitempty" example:"admin"`
}

// Trigger 手动触发一次调度
// @Summary 手动触发调度
// @Description 绕过时钟立即触发，但与定时触发共用并发上限
// @Tags 调度管理
// @Accept json
// @Produce json
// @Param id path string true "调度ID"
// @Success 200 {object} APIResponse{data=models.ScheduledJobRun} "触发成功"
// @Router /schedules/{id}/trigger [post]
func (c *ScheduleController) Trigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req TriggerRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Operator == "" {
		req.Operator = "manual"
	}

	run, err := service.GlobalSchedulerService.Trigger(id, true, req.Operator)
	if err != nil {
		RenderError(w, r, "触发调度失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("调度已触发", run))
}

// ActiveRuns 查询调度的活跃执行
// @Summary 查询活跃执行
// @Description 返回排队中和执行中的记录
// @Tags 调度管理
// @Produce json
// @Param id path string true "调度ID"
// @Success 200 {object} APIResponse{data=[]models.ScheduledJobRun} "获取成功"
// @Router /schedules/{id}/active-runs [get]
func (c *ScheduleController) ActiveRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	runs, err := service.GlobalSchedulerService.ActiveRuns(id)
	if err != nil {
		RenderError(w, r, "查询活跃执行失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询活跃执行成功", runs))
}

// GetRun 查询单次执行记录
// @Summary 查询单次执行记录
// @Tags 调度管理
// @Produce json
// @Param run_id path string true "执行记录ID"
// @Success 200 {object} APIResponse{data=models.ScheduledJobRun} "获取成功"
// @Router /schedules/runs/{run_id} [get]
func (c *ScheduleController) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	run, err := service.GlobalSchedulerService.GetRun(runID)
	if err != nil {
		RenderError(w, r, "查询执行记录失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询执行记录成功", run))
}

// RunHistory 查询调度执行历史
// @Summary 查询调度执行历史
// @Tags 调度管理
// @Produce json
// @Param id path string true "调度ID"
// @Success 200 {object} PaginatedResponse{data=[]models.ScheduledJobRun} "获取成功"
// @Router /schedules/{id}/runs [get]
func (c *ScheduleController) RunHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset := parsePagination(r)

	runs, total, err := service.GlobalSchedulerService.RunHistory(id, limit, offset)
	if err != nil {
		RenderError(w, r, "查询执行历史失败", err)
		return
	}
	render.JSON(w, r, PagedResponse("查询执行历史成功", runs, total, limit, offset))
}
