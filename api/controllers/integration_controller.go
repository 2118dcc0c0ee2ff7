/*
 * @module api/controllers/integration_controller
 * @description 集成配置控制器：ERP集成的增删改查、连接测试、字段映射维护和同步任务发起
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/mes_erp_sync_design.md 第3节
 * @stateFlow HTTP请求 -> 参数验证 -> 服务调用 -> 响应返回
 * @rules 集成配置和字段映射的写入在配置写锁保护下执行；敏感连接字段加密落库
 * @dependencies service, service/meta, service/models
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
	"gorm.io/gorm"

	"mes-sync-service/service"
	"mes-sync-service/service/distributed_lock"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/sync_engine"
	"mes-sync-service/service/utils"
)

// 连接配置中需要加密落库的字段
var sensitiveConfigKeys = []string{"password", "api_key", "client_secret"}

const configLockTTL = 30 * time.Second

// IntegrationController 集成配置控制器
type IntegrationController struct{}

// NewIntegrationController 创建集成配置控制器实例
func NewIntegrationController() *IntegrationController {
	return &IntegrationController{}
}

// IntegrationRequest 集成配置创建/更新请求
type IntegrationRequest struct {
	Name             string                 `json:"name" binding:"required" example:"工厂ERP"`
	SystemKind       string                 `json:"system_kind" binding:"required" example:"generic_rest"`
	ConnectionConfig map[string]interface{} `json:"connection_config,omitempty"`
	Enabled          *bool                  `json:"enabled,omitempty"`
	Operator         string                 `json:"operator,omitempty" example:"admin"`
}

// encryptSensitive 加密连接配置中的敏感字段。
// 已携带密文标记的值不重复加密，客户端回写查询结果不会二次加密
func encryptSensitive(config models.JSONB) {
	for _, key := range sensitiveConfigKeys {
		raw, ok := config[key].(string)
		if !ok || raw == "" || utils.IsEncrypted(raw) {
			continue
		}
		if encrypted, err := service.GlobalCryptoUtils.EncryptMarked(raw); err == nil {
			config[key] = encrypted
		}
	}
}

// Create 创建集成配置
// @Summary 创建集成配置
// @Description 登记一个外部ERP系统连接
// @Tags 集成管理
// @Accept json
// @Produce json
// @Param request body IntegrationRequest true "集成配置"
// @Success 200 {object} APIResponse{data=models.Integration} "创建成功"
// @Router /integrations [post]
func (c *IntegrationController) Create(w http.ResponseWriter, r *http.Request) {
	var req IntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}
	if req.Name == "" || req.SystemKind == "" {
		render.JSON(w, r, BadRequestResponse("集成名称和目标系统类型不能为空", nil))
		return
	}

	integration := &models.Integration{
		Name:             req.Name,
		SystemKind:       req.SystemKind,
		ConnectionConfig: models.JSONB(req.ConnectionConfig),
		Enabled:          true,
		CreatedBy:        req.Operator,
	}
	if integration.CreatedBy == "" {
		integration.CreatedBy = "system"
	}
	if req.Enabled != nil {
		integration.Enabled = *req.Enabled
	}
	if integration.ConnectionConfig != nil {
		encryptSensitive(integration.ConnectionConfig)
	}

	if err := service.DB.Create(integration).Error; err != nil {
		render.JSON(w, r, InternalErrorResponse("创建集成配置失败", err))
		return
	}

	service.GlobalAuditService.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditIntegrationCreated,
		IntegrationID: integration.ID,
		Actor:         integration.CreatedBy,
		Details:       models.JSONB{"name": integration.Name, "system_kind": integration.SystemKind},
	})
	render.JSON(w, r, SuccessResponse("创建集成配置成功", integration))
}

// List 查询集成配置列表
// @Summary 查询集成配置列表
// @Tags 集成管理
// @Produce json
// @Param limit query int false "返回条数"
// @Param offset query int false "偏移量"
// @Success 200 {object} PaginatedResponse{data=[]models.Integration} "获取成功"
// @Router /integrations [get]
func (c *IntegrationController) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	query := service.DB.Model(&models.Integration{})
	if kind := r.URL.Query().Get("system_kind"); kind != "" {
		query = query.Where("system_kind = ?", kind)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		render.JSON(w, r, InternalErrorResponse("统计集成配置失败", err))
		return
	}

	var integrations []models.Integration
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&integrations).Error
	if err != nil {
		render.JSON(w, r, InternalErrorResponse("查询集成配置失败", err))
		return
	}
	render.JSON(w, r, PagedResponse("查询集成配置成功", integrations, total, limit, offset))
}

// Get 查询单个集成配置
// @Summary 查询单个集成配置
// @Tags 集成管理
// @Produce json
// @Param id path string true "集成ID"
// @Success 200 {object} APIResponse{data=models.Integration} "获取成功"
// @Router /integrations/{id} [get]
func (c *IntegrationController) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var integration models.Integration
	if err := service.DB.First(&integration, "id = ?", id).Error; err != nil {
		render.JSON(w, r, NotFoundResponse("集成配置不存在", err))
		return
	}
	render.JSON(w, r, SuccessResponse("查询集成配置成功", integration))
}

// Update 更新集成配置
// @Summary 更新集成配置
// @Tags 集成管理
// @Accept json
// @Produce json
// @Param id path string true "集成ID"
// @Param request body IntegrationRequest true "集成配置"
// @Success 200 {object} APIResponse{data=models.Integration} "更新成功"
// @Router /integrations/{id} [put]
func (c *IntegrationController) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req IntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}

	err := distributed_lock.WithConfigLock(r.Context(), service.GlobalConfigLock,
		"integration:"+id, configLockTTL, func() error {
			var integration models.Integration
			if err := service.DB.First(&integration, "id = ?", id).Error; err != nil {
				return meta.WrapSyncError(meta.ErrNotFound, "集成配置不存在", err)
			}

			if req.Name != "" {
				integration.Name = req.Name
			}
			if req.SystemKind != "" {
				integration.SystemKind = req.SystemKind
			}
			if req.ConnectionConfig != nil {
				config := models.JSONB(req.ConnectionConfig)
				encryptSensitive(config)
				integration.ConnectionConfig = config
			}
			if req.Enabled != nil {
				integration.Enabled = *req.Enabled
			}
			integration.UpdatedBy = req.Operator

			if err := service.DB.Save(&integration).Error; err != nil {
				return meta.WrapSyncError(meta.ErrInternal, "更新集成配置失败", err)
			}

			eventType := meta.AuditIntegrationUpdated
			if req.Enabled != nil && !*req.Enabled {
				eventType = meta.AuditIntegrationDisabled
			}
			service.GlobalAuditService.MustRecord(&models.AuditEvent{
				EventType:     eventType,
				IntegrationID: integration.ID,
				Actor:         req.Operator,
				Details:       models.JSONB{"name": integration.Name},
			})
			return nil
		})
	if err != nil {
		RenderError(w, r, "更新集成配置失败", err)
		return
	}

	var integration models.Integration
	service.DB.First(&integration, "id = ?", id)
	render.JSON(w, r, SuccessResponse("更新集成配置成功", integration))
}

// Delete 停用集成配置（存在同步历史时不做物理删除）
// @Summary 停用集成配置
// @Tags 集成管理
// @Produce json
// @Param id path string true "集成ID"
// @Success 200 {object} APIResponse "停用成功"
// @Router /integrations/{id} [delete]
func (c *IntegrationController) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var integration models.Integration
	if err := service.DB.First(&integration, "id = ?", id).Error; err != nil {
		render.JSON(w, r, NotFoundResponse("集成配置不存在", err))
		return
	}

	var historyCount int64
	service.DB.Model(&models.SyncTransaction{}).Where("integration_id = ?", id).Count(&historyCount)

	if historyCount > 0 {
		// 软停用，保留审计可追溯性
		if err := service.DB.Model(&integration).Update("enabled", false).Error; err != nil {
			render.JSON(w, r, InternalErrorResponse("停用集成配置失败", err))
			return
		}
		service.GlobalAuditService.MustRecord(&models.AuditEvent{
			EventType:     meta.AuditIntegrationDisabled,
			IntegrationID: id,
			Details:       models.JSONB{"reason": "delete_with_history"},
		})
		render.JSON(w, r, SuccessResponse("集成存在同步历史，已改为停用", nil))
		return
	}

	if err := service.DB.Delete(&integration).Error; err != nil {
		render.JSON(w, r, InternalErrorResponse("删除集成配置失败", err))
		return
	}
	render.JSON(w, r, SuccessResponse("删除集成配置成功", nil))
}

// TestConnection 测试集成连接
// @Summary 测试集成连接
// @Description 按集成配置创建适配器并探测对端连通性
// @Tags 集成管理
// @Produce json
// @Param id path string true "集成ID"
// @Success 200 {object} APIResponse{data=adapter.ConnectionTestResult} "测试完成"
// @Router /integrations/{id}/test-connection [post]
func (c *IntegrationController) TestConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var integration models.Integration
	if err := service.DB.First(&integration, "id = ?", id).Error; err != nil {
		render.JSON(w, r, NotFoundResponse("集成配置不存在", err))
		return
	}

	erpAdapter, err := service.GlobalAdapterRegistry.Create(&integration)
	if err != nil {
		RenderError(w, r, "创建适配器失败", err)
		return
	}
	result, err := erpAdapter.TestConnection(r.Context())
	if err != nil {
		RenderError(w, r, "连接测试失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("连接测试完成", result))
}

// MappingRequest 字段映射整体替换请求
type MappingRequest struct {
	Mappings []models.FieldMapping `json:"mappings" binding:"required"`
	Operator string                `json:"operator,omitempty" example:"admin"`
}

// GetMappings 查询字段映射
// @Summary 查询字段映射
// @Tags 集成管理
// @Produce json
// @Param id path string true "集成ID"
// @Param entity_type path string true "实体类型"
// @Success 200 {object} APIResponse{data=[]models.FieldMapping} "获取成功"
// @Router /integrations/{id}/mappings/{entity_type} [get]
func (c *IntegrationController) GetMappings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entityType := chi.URLParam(r, "entity_type")

	var mappings []models.FieldMapping
	err := service.DB.Where("integration_id = ? AND entity_type = ?", id, entityType).
		Order("source_field").Find(&mappings).Error
	if err != nil {
		render.JSON(w, r, InternalErrorResponse("查询字段映射失败", err))
		return
	}
	render.JSON(w, r, SuccessResponse("查询字段映射成功", mappings))
}

// SetMappings 整体替换字段映射
// @Summary 整体替换字段映射
// @Description 在配置写锁保护下替换集成在指定实体类型下的全部映射规则
// @Tags 集成管理
// @Accept json
// @Produce json
// @Param id path string true "集成ID"
// @Param entity_type path string true "实体类型"
// @Param request body MappingRequest true "映射规则"
// @Success 200 {object} APIResponse{data=[]models.FieldMapping} "更新成功"
// @Router /integrations/{id}/mappings/{entity_type} [put]
func (c *IntegrationController) SetMappings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entityType := chi.URLParam(r, "entity_type")

	if !meta.IsValidEntityType(entityType) || entityType == meta.EntityTypeFullSync {
		render.JSON(w, r, BadRequestResponse("无效的实体类型", nil))
		return
	}

	var req MappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}
	for i := range req.Mappings {
		m := &req.Mappings[i]
		if m.SourceField == "" || m.TargetField == "" {
			render.JSON(w, r, BadRequestResponse("映射的源字段和目标字段不能为空", nil))
			return
		}
		if m.Direction != "" && !meta.IsValidDirection(m.Direction) {
			render.JSON(w, r, BadRequestResponse("无效的映射方向: "+m.Direction, nil))
			return
		}
	}

	err := distributed_lock.WithConfigLock(r.Context(), service.GlobalConfigLock,
		"mapping:"+id+":"+entityType, configLockTTL, func() error {
			var integration models.Integration
			if err := service.DB.First(&integration, "id = ?", id).Error; err != nil {
				return meta.WrapSyncError(meta.ErrNotFound, "集成配置不存在", err)
			}

			return service.DB.Transaction(func(tx *gorm.DB) error {
				if err := tx.Where("integration_id = ? AND entity_type = ?", id, entityType).
					Delete(&models.FieldMapping{}).Error; err != nil {
					return meta.WrapSyncError(meta.ErrInternal, "清理旧映射失败", err)
				}
				for i := range req.Mappings {
					m := &req.Mappings[i]
					m.ID = ""
					m.IntegrationID = id
					m.EntityType = entityType
					if m.Direction == "" {
						m.Direction = meta.DirectionBidirect
					}
					if err := tx.Create(m).Error; err != nil {
						return meta.WrapSyncError(meta.ErrInternal, "保存映射失败", err)
					}
				}
				return nil
			})
		})
	if err != nil {
		RenderError(w, r, "更新字段映射失败", err)
		return
	}

	service.GlobalAuditService.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditMappingUpdated,
		IntegrationID: id,
		EntityType:    entityType,
		Actor:         req.Operator,
		Details:       models.JSONB{"mapping_count": len(req.Mappings)},
	})
	render.JSON(w, r, SuccessResponse("更新字段映射成功", req.Mappings))
}

// SyncJobRequest 发起同步任务请求
type SyncJobRequest struct {
	JobType    string                 `json:"job_type" binding:"required" example:"push"`
	EntityType string                 `json:"entity_type" binding:"required" example:"material"`
	BatchSize  int                    `json:"batch_size,omitempty" example:"100"`
	DryRun     bool                   `json:"dry_run,omitempty"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	Operator   string                 `json:"operator,omitempty" example:"admin"`
}

// QueueSync 发起同步任务
// @Summary 发起同步任务
// @Description 创建并排队一个push/pull/reconcile同步任务
// @Tags 集成管理
// @Accept json
// @Produce json
// @Param id path string true "集成ID"
// @Param request body SyncJobRequest true "任务参数"
// @Success 200 {object} APIResponse{data=models.SyncTransaction} "任务已排队"
// @Router /integrations/{id}/sync [post]
func (c *IntegrationController) QueueSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SyncJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, BadRequestResponse("请求参数解析失败", err))
		return
	}

	txn, err := service.GlobalSyncEngine.QueueSyncJob(id, req.JobType, &sync_engine.JobOptions{
		EntityType: req.EntityType,
		BatchSize:  req.BatchSize,
		DryRun:     req.DryRun,
		Filters:    req.Filters,
		CreatedBy:  req.Operator,
	})
	if err != nil {
		RenderError(w, r, "发起同步任务失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("同步任务已排队", txn))
}

// ListTransactions 查询集成的同步事务历史
// @Summary 查询同步事务历史
// @Tags 集成管理
// @Produce json
// @Param id path string true "集成ID"
// @Success 200 {object} PaginatedResponse{data=[]models.SyncTransaction} "获取成功"
// @Router /integrations/{id}/transactions [get]
func (c *IntegrationController) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset := parsePagination(r)

	txns, total, err := service.GlobalSyncEngine.ListTransactions(id, limit, offset)
	if err != nil {
		RenderError(w, r, "查询同步事务失败", err)
		return
	}
	render.JSON(w, r, PagedResponse("查询同步事务成功", txns, total, limit, offset))
}

// GetTransaction 查询单个同步事务
// @Summary 查询单个同步事务
// @Tags 集成管理
// @Produce json
// @Param txn_id path string true "事务ID"
// @Success 200 {object} APIResponse{data=models.SyncTransaction} "获取成功"
// @Router /transactions/{txn_id} [get]
func (c *IntegrationController) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txn_id")

	txn, err := service.GlobalSyncEngine.GetTransaction(txnID)
	if err != nil {
		RenderError(w, r, "查询同步事务失败", err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询同步事务成功", txn))
}

// parsePagination 解析分页参数，limit缺省20条上限200条
func parsePagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
