/*
 * @module service/meta
 * @description 元数据定义模块，提供实体类型、同步方向、任务状态、事件类型等枚举目录和校验函数
 * @architecture 分层架构 - 元数据层
 * @documentReference ai_docs/mes_erp_sync_design.md
 * @stateFlow 无状态常量目录
 * @rules 所有枚举值的唯一定义点，其他模块不得散落定义魔法字符串
 * @refs service/models, service/reconcile
 */

package meta

// 实体类型（与MES侧业务对象一致）
const (
	EntityTypeWorkOrder         = "work_order"
	EntityTypeMaterial          = "material"
	EntityTypeQualityInspection = "quality_inspection"
	// FullSync 表示对所有实体类型执行一次完整对账
	EntityTypeFullSync = "FULL_SYNC"
)

// EntityTypes 支持对账的实体类型列表（不含FULL_SYNC伪类型）
var EntityTypes = []string{
	EntityTypeWorkOrder,
	EntityTypeMaterial,
	EntityTypeQualityInspection,
}

// 实体类型显示名称
var entityTypeDisplayNames = map[string]string{
	EntityTypeWorkOrder:         "工单",
	EntityTypeMaterial:          "物料",
	EntityTypeQualityInspection: "质检单",
	EntityTypeFullSync:          "全量对账",
}

// 同步方向
const (
	DirectionMESToERP = "mes_to_erp"
	DirectionERPToMES = "erp_to_mes"
	DirectionBidirect = "bidirectional"
)

// 同步任务类型
const (
	JobTypePush      = "push"
	JobTypePull      = "pull"
	JobTypeReconcile = "reconcile"
)

// 同步事务状态
const (
	SyncStatusQueued     = "QUEUED"
	SyncStatusInProgress = "IN_PROGRESS"
	SyncStatusSuccess    = "SUCCESS"
	SyncStatusPartial    = "PARTIAL"
	SyncStatusFailed     = "FAILED"
)

// 对账报告状态
const (
	ReportStatusPending   = "PENDING"
	ReportStatusCompleted = "COMPLETED"
	ReportStatusFailed    = "FAILED"
)

// 差异严重程度
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
)

// SeverityWeights 质量评分时各严重程度的惩罚权重
var SeverityWeights = map[string]float64{
	SeverityCritical: 1.0,
	SeverityHigh:     0.5,
	SeverityMedium:   0.2,
	SeverityLow:      0.05,
}

// 差异状态
const (
	DiscrepancyStatusPending  = "PENDING"
	DiscrepancyStatusResolved = "RESOLVED"
)

// 差异处理动作
const (
	ResolutionUpdateMES = "UPDATE_SIDE_A" // 以ERP值修正MES
	ResolutionUpdateERP = "UPDATE_SIDE_B" // 以MES值修正ERP
	ResolutionAccept    = "ACCEPT"        // 接受差异，不做修正
)

// Webhook投递状态
const (
	DeliveryStatusPending  = "PENDING"
	DeliveryStatusRetrying = "RETRYING"
	DeliveryStatusSuccess  = "SUCCESS"
	DeliveryStatusFailed   = "FAILED"
)

// 调度任务执行状态
const (
	JobRunStatusQueued    = "QUEUED"
	JobRunStatusRunning   = "RUNNING"
	JobRunStatusSuccess   = "SUCCESS"
	JobRunStatusFailed    = "FAILED"
	JobRunStatusTimeout   = "TIMEOUT"
	JobRunStatusCancelled = "CANCELLED"
)

// 审计事件类型
const (
	AuditSyncStarted          = "sync.started"
	AuditSyncCompleted        = "sync.completed"
	AuditSyncFailed           = "sync.failed"
	AuditReconcileStarted     = "reconciliation.started"
	AuditReconcileCompleted   = "reconciliation.completed"
	AuditReconcileFailed      = "reconciliation.failed"
	AuditDiscrepancyCreated   = "discrepancy.created"
	AuditDiscrepancyResolved  = "discrepancy.resolved"
	AuditIntegrationCreated   = "integration.created"
	AuditIntegrationUpdated   = "integration.updated"
	AuditIntegrationDisabled  = "integration.disabled"
	AuditMappingUpdated       = "mapping.updated"
	AuditScheduleCreated      = "schedule.created"
	AuditScheduleUpdated      = "schedule.updated"
	AuditScheduleTriggered    = "schedule.triggered"
	AuditWebhookRegistered    = "webhook.registered"
	AuditWebhookDeliveryFail  = "webhook.delivery_failed"
	AuditResolutionCorrective = "discrepancy.corrective_write"
)

// 审计事件结果状态
const (
	AuditStatusSuccess = "SUCCESS"
	AuditStatusFailure = "FAILURE"
)

// 审计事件严重程度
const (
	AuditSeverityInfo     = "INFO"
	AuditSeverityWarning  = "WARNING"
	AuditSeverityCritical = "CRITICAL"
)

// WebhookEventTypes 可供订阅的事件类型目录
var WebhookEventTypes = []string{
	AuditSyncCompleted,
	AuditSyncFailed,
	AuditReconcileCompleted,
	AuditReconcileFailed,
	AuditDiscrepancyCreated,
	AuditDiscrepancyResolved,
}

// 权威数据源策略：字段类别 -> 权威侧
const (
	SourceOfTruthERP = "erp"
	SourceOfTruthMES = "mes"
)

// SourceOfTruthPolicies 按实体类型的默认权威方（用于差异处理建议）
var SourceOfTruthPolicies = map[string]string{
	EntityTypeWorkOrder:         SourceOfTruthMES, // 生产状态以MES为准
	EntityTypeMaterial:          SourceOfTruthERP, // 价格/成本以ERP为准
	EntityTypeQualityInspection: SourceOfTruthMES,
}

// CorrelationKeys 各实体类型跨系统配对的业务主键
var CorrelationKeys = map[string]string{
	EntityTypeWorkOrder:         "workOrderNumber",
	EntityTypeMaterial:          "partNumber",
	EntityTypeQualityInspection: "inspectionNumber",
}

// IsValidEntityType 校验实体类型（允许FULL_SYNC）
func IsValidEntityType(entityType string) bool {
	if entityType == EntityTypeFullSync {
		return true
	}
	for _, et := range EntityTypes {
		if et == entityType {
			return true
		}
	}
	return false
}

// IsValidDirection 校验同步方向
func IsValidDirection(direction string) bool {
	switch direction {
	case DirectionMESToERP, DirectionERPToMES, DirectionBidirect:
		return true
	}
	return false
}

// IsValidJobType 校验任务类型
func IsValidJobType(jobType string) bool {
	switch jobType {
	case JobTypePush, JobTypePull, JobTypeReconcile:
		return true
	}
	return false
}

// IsValidSeverity 校验严重程度
func IsValidSeverity(severity string) bool {
	_, ok := SeverityWeights[severity]
	return ok
}

// IsValidResolutionAction 校验差异处理动作
func IsValidResolutionAction(action string) bool {
	switch action {
	case ResolutionUpdateMES, ResolutionUpdateERP, ResolutionAccept:
		return true
	}
	return false
}

// IsValidWebhookEventType 校验Webhook事件类型
func IsValidWebhookEventType(eventType string) bool {
	for _, et := range WebhookEventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// IsTerminalSyncStatus 判断同步事务状态是否为终态
func IsTerminalSyncStatus(status string) bool {
	switch status {
	case SyncStatusSuccess, SyncStatusPartial, SyncStatusFailed:
		return true
	}
	return false
}

// GetEntityTypeDisplayName 获取实体类型显示名称
func GetEntityTypeDisplayName(entityType string) string {
	if name, ok := entityTypeDisplayNames[entityType]; ok {
		return name
	}
	return entityType
}

// SeverityRank 严重程度排序值，数值越大越严重
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}
