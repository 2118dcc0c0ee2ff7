/*
 * @module api/routes
 * @description API路由配置模块，负责初始化和配置所有HTTP路由
 * @architecture RESTful API架构
 * @documentReference ai_docs/mes_erp_sync_design.md 第8节
 * @stateFlow 无状态HTTP请求处理
 * @rules 遵循RESTful API设计规范，统一错误处理和响应格式
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/cors, github.com/go-chi/render
 * @refs api/controllers
 */

package api

import (
	"mes-sync-service/api/controllers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

// InitRoute 初始化所有API路由
func InitRoute(r *chi.Mux) {
	// 基础中间件
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	// CORS配置
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// 健康检查
	healthController := controllers.NewHealthController()
	r.Get("/health", healthController.Health)
	r.Get("/ready", healthController.Ready)

	// 集成管理
	integrationController := controllers.NewIntegrationController()
	r.Route("/integrations", func(r chi.Router) {
		r.Post("/", integrationController.Create)
		r.Get("/", integrationController.List)
		r.Get("/{id}", integrationController.Get)
		r.Put("/{id}", integrationController.Update)
		r.Delete("/{id}", integrationController.Delete)
		r.Post("/{id}/test-connection", integrationController.TestConnection)
		r.Get("/{id}/mappings/{entity_type}", integrationController.GetMappings)
		r.Put("/{id}/mappings/{entity_type}", integrationController.SetMappings)
		r.Post("/{id}/sync", integrationController.QueueSync)
		r.Get("/{id}/transactions", integrationController.ListTransactions)
	})
	r.Get("/transactions/{txn_id}", integrationController.GetTransaction)

	// 对账管理
	reconciliationController := controllers.NewReconciliationController()
	r.Route("/reconciliation", func(r chi.Router) {
		r.Post("/run", reconciliationController.Run)
		r.Get("/reports", reconciliationController.History)
		r.Get("/reports/{id}", reconciliationController.GetReport)
		r.Get("/trend", reconciliationController.Trend)
	})

	// 差异管理
	discrepancyController := controllers.NewDiscrepancyController()
	r.Route("/discrepancies", func(r chi.Router) {
		r.Get("/", discrepancyController.List)
		r.Get("/{id}", discrepancyController.Get)
		r.Post("/{id}/resolve", discrepancyController.Resolve)
		r.Get("/{id}/suggestion", discrepancyController.Suggest)
	})

	// 调度管理
	scheduleController := controllers.NewScheduleController()
	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", scheduleController.Create)
		r.Get("/", scheduleController.List)
		r.Get("/runs/{run_id}", scheduleController.GetRun)
		r.Get("/{id}", scheduleController.Get)
		r.Put("/{id}", scheduleController.Update)
		r.Delete("/{id}", scheduleController.Delete)
		r.Post("/{id}/enable", scheduleController.Enable)
		r.Post("/{id}/disable", scheduleController.Disable)
		r.Post("/{id}/trigger", scheduleController.Trigger)
		r.Get("/{id}/active-runs", scheduleController.ActiveRuns)
		r.Get("/{id}/runs", scheduleController.RunHistory)
	})

	// Webhook管理
	webhookController := controllers.NewWebhookController()
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", webhookController.Register)
		r.Get("/", webhookController.List)
		r.Get("/event-types", webhookController.EventTypes)
		r.Get("/{id}", webhookController.Get)
		r.Put("/{id}", webhookController.Update)
		r.Delete("/{id}", webhookController.Delete)
		r.Post("/{id}/test", webhookController.SendTest)
		r.Get("/{id}/deliveries", webhookController.DeliveryHistory)
		r.Get("/{id}/stats", webhookController.Stats)
	})

	// 审计账本
	auditController := controllers.NewAuditController()
	r.Route("/audit", func(r chi.Router) {
		r.Get("/events", auditController.Query)
		r.Get("/timeline/{entity_type}/{entity_id}", auditController.EntityTimeline)
		r.Get("/actors/{actor}", auditController.ActorActivity)
		r.Get("/critical", auditController.CriticalEvents)
		r.Get("/summary", auditController.ChangeSummary)
		r.Get("/impact", auditController.ImpactAnalysis)
		r.Get("/export", auditController.ComplianceExport)
	})
}
