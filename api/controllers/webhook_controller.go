/*
 * @module api/controllers/webhook_controller
 * @description Webhook控制器：订阅端点的增删改查、测试投递、投递历史和统计
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.6节
 * @stateFlow HTTP请求 -> 参数验证 -> 服务调用 -> 响应返回
 * @rules 签名密钥只在注册时回传一次，查询接口不回显密钥
 * @dependencies service, service/webhook
 * @refs api/routes.go
 */

package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"mes-sync-service/service"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
)

// WebhookController Webhook控制器
type WebhookController struct{}

// NewWebhookController 创建Webhook控制器实例
func NewWebhookController() *WebhookController {
	return &WebhookController{}
}

// WebhookRequest 订阅端点创建/更新请求
type WebhookRequest struct {
	Name          string   `json:"name" binding:"required" example:"质量告警通知"`
	URL           string   `json:"url" binding:"required" example:"https://alert.example.com/hooks/mes"`
	EventTypes    []string `json:"event_types" binding:"required" example:"[\"discrepancy.created\"]"`
	IntegrationID string   `json:"integration_id,omitempty" example:""`
	Secret        string   `json:"secret,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty" example:"5"`
	Enabled       *bool    `json:"enabled,omitempty"`
}

// Register 注册订阅端点
// @Summary 注册订阅端点
// @Description 密钥为空时自动生成，响应中回传一次，之后不再回显
// @Tags Webhook管理
// @Accept json
// @Produce json
// @Param request body WebhookRequest true "订阅配置"
// @Success 200 {object} APIResponse{data=models.Webhook} "注册成功"
// @Router /webhooks [post]
func (c *WebhookController) Register(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}
	if req.Name == "" || req.URL == "" {
		render.JSON(w, r, BadRequestResponse("订阅名称和URL不能为空", nil))
		return
	}

	webhook := &models.Webhook{
		Name:          req.Name,
		URL:           req.URL,
		EventTypes:    req.EventTypes,
		IntegrationID: req.IntegrationID,
		Secret:        req.Secret,
		MaxAttempts:   req.MaxAttempts,
		Enabled:       true,
	}
	if req.Enabled != nil {
		webhook.Enabled = *req.Enabled
	}

	if err := service.GlobalWebhookService.Register(webhook); err != nil {
		RenderError(w, r, "注册webhook失败", err)
		return
	}
	// 签名密钥只在注册响应中回传一次，供订阅方保存
	render.JSON(w, r, SuccessResponse("注册webhook成功", map[string]interface{}{
		"webhook": webhook,
		"secret":  webhook.Secret,
	}))
}

// List 查询订阅端点列表
// @Summary 查询订阅端点列表
// @Tags Webhook管理
// @Produce json
// @Success 200 {object} PaginatedResponse{data=[]models.Webhook} "获取成功"
// @Router /webhooks [get]
func (c *WebhookController) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	webhooks, total, err := service.GlobalWebhookService.List(limit, offset)
	if err != nil {
		RenderError(w, r, "查询webhook列表失败", err)
		return
	}
	render.JSON(w, r, PagedResponse("查询webhook列表成功", webhooks, total, limit, offset))
}

// Get 查询订阅端点详情
// @Summary 查询订阅端点详情
// @Tags Webhook管理
// @Produce json
// @Param id path string true "webhook ID"
// @Success 200 {object} APIResponse{data=models.Webhook} "获取成功"
// @Router /webhooks/{id} [get]
func (c *WebhookController) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	webhook, err := service.GlobalWebhookService.Get(id)
	if err != nil {
		RenderError(w, r, "查询webhook失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询webhook成功", webhook))
}

// Update 更新订阅端点
// @Summary 更新订阅端点
// @Tags Webhook管理
// @Accept json
// @Produce json
// @Param id path string true "webhook ID"
// @Param request body WebhookRequest true "订阅配置"
// @Success 200 {object} APIResponse{data=models.Webhook} "更新成功"
// @Router /webhooks/{id} [put]
func (c *WebhookController) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}

	webhook, err := service.GlobalWebhookService.Get(id)
	if err != nil {
		RenderError(w, r, "查询webhook失败", err)
		return
	}

	if req.Name != "" {
		webhook.Name = req.Name
	}
	if req.URL != "" {
		webhook.URL = req.URL
	}
	if req.EventTypes != nil {
		webhook.EventTypes = req.EventTypes
	}
	if req.Secret != "" {
		webhook.Secret = req.Secret
	}
	if req.MaxAttempts > 0 {
		webhook.MaxAttempts = req.MaxAttempts
	}
	if req.Enabled != nil {
		webhook.Enabled = *req.Enabled
	}

	if err := service.GlobalWebhookService.Update(webhook); err != nil {
		RenderError(w, r, "更新webhook失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("更新webhook成功", webhook))
}

// Delete 删除订阅端点
// @Summary 删除订阅端点
// @Tags Webhook管理
// @Produce json
// @Param id path string true "webhook ID"
// @Success 200 {object} APIResponse "删除成功"
// @Router /webhooks/{id} [delete]
func (c *WebhookController) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := service.GlobalWebhookService.Delete(id); err != nil {
		RenderError(w, r, "删除webhook失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("删除webhook成功", nil))
}

// SendTest 发送测试投递
// @Summary 发送测试投递
// @Description 走完整签名发送路径，只发送一次，不计入投递统计
// @Tags Webhook管理
// @Produce json
// @Param id path string true "webhook ID"
// @Success 200 {object} APIResponse{data=models.WebhookDelivery} "测试完成"
// @Router /webhooks/{id}/test [post]
func (c *WebhookController) SendTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	delivery, err := service.GlobalWebhookService.SendTest(id)
	if err != nil {
		RenderError(w, r, "发送测试投递失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("测试投递完成", delivery))
}

// DeliveryHistory 查询投递历史
// @Summary 查询投递历史
// @Tags Webhook管理
// @Produce json
// @Param id path string true "webhook ID"
// @Success 200 {object} PaginatedResponse{data=[]models.WebhookDelivery} "获取成功"
// @Router /webhooks/{id}/deliveries [get]
func (c *WebhookController) DeliveryHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset := parsePagination(r)

	deliveries, total, err := service.GlobalWebhookService.DeliveryHistory(id, limit, offset)
	if err != nil {
		RenderError(w, r, "查询投递历史失败", err)
		return
	}
	render.JSON(w, r, PagedResponse("查询投递历史成功", deliveries, total, limit, offset))
}

// Stats 查询投递统计
// @Summary 查询投递统计
// @Tags Webhook管理
// @Produce json
// @Param id path string true "webhook ID"
// @Success 200 {object} APIResponse{data=webhook.DeliveryStats} "获取成功"
// @Router /webhooks/{id}/stats [get]
func (c *WebhookController) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stats, err := service.GlobalWebhookService.Stats(id)
	if err != nil {
		RenderError(w, r, "查询投递统计失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询投递统计成功", stats))
}

// EventTypes 查询可订阅的事件类型目录
// @Summary 查询可订阅的事件类型
// @Tags Webhook管理
// @Produce json
// @Success 200 {object} APIResponse{data=[]string} "获取成功"
// @Router /webhooks/event-types [get]
func (c *WebhookController) EventTypes(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, SuccessResponse("查询事件类型成功", meta.WebhookEventTypes))
}
