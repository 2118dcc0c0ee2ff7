package discrepancy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/event"
	"mes-sync-service/service/mapping"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/testutil"
)

const fakeSystemKind = "fake_erp"

type discrepancyFixture struct {
	tdb         *testutil.TestDB
	factory     *testutil.TestDataFactory
	svc         *Service
	integration *models.Integration
	report      *models.ReconciliationReport
	mesWriter   *testutil.FakeAdapter
	erpSide     *testutil.FakeAdapter
}

func setupDiscrepancy(t *testing.T) *discrepancyFixture {
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	factory := testutil.NewTestDataFactory(tdb.DB)
	integration := factory.CreateIntegration(func(i *models.Integration) {
		i.SystemKind = fakeSystemKind
	})
	factory.CreateMaterialMappings(integration.ID)
	report := factory.CreateReport(integration.ID)

	mesWriter := testutil.NewFakeAdapter()
	erpSide := testutil.NewFakeAdapter()
	registry := adapter.NewRegistry()
	testutil.RegisterFake(registry, fakeSystemKind, erpSide)

	svc := NewService(tdb.DB, mapping.NewEngine(tdb.DB), registry, mesWriter, event.NewBus())
	return &discrepancyFixture{
		tdb:         tdb,
		factory:     factory,
		svc:         svc,
		integration: integration,
		report:      report,
		mesWriter:   mesWriter,
		erpSide:     erpSide,
	}
}

func (f *discrepancyFixture) auditCount(t *testing.T, eventType string) int64 {
	var count int64
	require.NoError(t, f.tdb.DB.Model(&models.AuditEvent{}).
		Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func TestResolveAccept(t *testing.T) {
	f := setupDiscrepancy(t)
	d := f.factory.CreateDiscrepancy(f.integration.ID, f.report.ID)

	resolved, err := f.svc.Resolve(context.Background(), d.ID, meta.ResolutionAccept, "价格差在容差内", "ops")
	require.NoError(t, err)
	assert.Equal(t, meta.DiscrepancyStatusResolved, resolved.Status)
	assert.Equal(t, meta.ResolutionAccept, resolved.ResolutionType)
	assert.Equal(t, "ops", resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	// ACCEPT不做回写：恰好一条裁决事件，无纠正事件
	assert.EqualValues(t, 1, f.auditCount(t, meta.AuditDiscrepancyResolved))
	assert.EqualValues(t, 0, f.auditCount(t, meta.AuditResolutionCorrective))
	assert.Zero(t, f.mesWriter.PushedCount())
	assert.Zero(t, f.erpSide.PushedCount())
}

func TestResolveUpdateERPWritesTranslatedRecord(t *testing.T) {
	f := setupDiscrepancy(t)
	d := f.factory.CreateDiscrepancy(f.integration.ID, f.report.ID)

	resolved, err := f.svc.Resolve(context.Background(), d.ID, meta.ResolutionUpdateERP, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, meta.DiscrepancyStatusResolved, resolved.Status)

	// 以MES值修正ERP，回写记录使用ERP侧命名
	require.Equal(t, 1, f.erpSide.PushedCount())
	pushed := f.erpSide.Pushed[0]
	assert.Equal(t, "PN-1001", pushed["MATNR"])
	assert.Equal(t, "100", pushed["STPRS"])

	// 恰好一条纠正事件加一条裁决事件
	assert.EqualValues(t, 1, f.auditCount(t, meta.AuditResolutionCorrective))
	assert.EqualValues(t, 1, f.auditCount(t, meta.AuditDiscrepancyResolved))
}

func TestResolveUpdateMESUsesLocalNaming(t *testing.T) {
	f := setupDiscrepancy(t)
	d := f.factory.CreateDiscrepancy(f.integration.ID, f.report.ID)

	_, err := f.svc.Resolve(context.Background(), d.ID, meta.ResolutionUpdateMES, "", "ops")
	require.NoError(t, err)

	// 以ERP值修正MES，回写保持MES侧命名
	require.Equal(t, 1, f.mesWriter.PushedCount())
	pushed := f.mesWriter.Pushed[0]
	assert.Equal(t, "PN-1001", pushed["partNumber"])
	assert.Equal(t, "105", pushed["unitCost"])
}

func TestResolveSecondAttemptConflicts(t *testing.T) {
	f := setupDiscrepancy(t)
	d := f.factory.CreateDiscrepancy(f.integration.ID, f.report.ID)

	_, err := f.svc.Resolve(context.Background(), d.ID, meta.ResolutionAccept, "", "first")
	require.NoError(t, err)

	_, err = f.svc.Resolve(context.Background(), d.ID, meta.ResolutionUpdateERP, "", "second")
	require.Error(t, err)
	assert.Equal(t, meta.ErrConcurrencyConflict, meta.CodeOf(err))

	// 首次裁决不受影响
	current, getErr := f.svc.Get(d.ID)
	require.NoError(t, getErr)
	assert.Equal(t, meta.ResolutionAccept, current.ResolutionType)
	assert.Equal(t, "first", current.ResolvedBy)
	assert.Zero(t, f.erpSide.PushedCount(), "冲突的裁决不得产生回写")
}

func TestResolveCorrectiveWriteFailureRollsBack(t *testing.T) {
	f := setupDiscrepancy(t)
	d := f.factory.CreateDiscrepancy(f.integration.ID, f.report.ID)
	f.erpSide.PushErr = meta.NewSyncError(meta.ErrConnection, "ERP不可达")

	_, err := f.svc.Resolve(context.Background(), d.ID, meta.ResolutionUpdateERP, "", "ops")
	require.Error(t, err)
	assert.Equal(t, meta.ErrConnection, meta.CodeOf(err))

	// 回写失败整体回滚，差异保持未决且可重新裁决
	current, getErr := f.svc.Get(d.ID)
	require.NoError(t, getErr)
	assert.Equal(t, meta.DiscrepancyStatusPending, current.Status)
	assert.EqualValues(t, 0, f.auditCount(t, meta.AuditDiscrepancyResolved))
}

func TestResolvePresenceRejectsFieldWrite(t *testing.T) {
	f := setupDiscrepancy(t)
	d := f.factory.CreateDiscrepancy(f.integration.ID, f.report.ID, func(d *models.Discrepancy) {
		d.Field = models.FieldPresence
		d.EntityID = "PN-MISSING"
		d.MESValue = "present"
		d.ERPValue = "missing"
		d.Severity = meta.SeverityCritical
	})

	_, err := f.svc.Resolve(context.Background(), d.ID, meta.ResolutionUpdateERP, "", "ops")
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))

	// 存在性差异可以ACCEPT
	_, err = f.svc.Resolve(context.Background(), d.ID, meta.ResolutionAccept, "历史数据不补录", "ops")
	require.NoError(t, err)
}

func TestResolveValidation(t *testing.T) {
	f := setupDiscrepancy(t)
	d := f.factory.CreateDiscrepancy(f.integration.ID, f.report.ID)

	_, err := f.svc.Resolve(context.Background(), d.ID, "DELETE_BOTH", "", "ops")
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))

	_, err = f.svc.Resolve(context.Background(), "no-such-id", meta.ResolutionAccept, "", "ops")
	require.Error(t, err)
	assert.Equal(t, meta.ErrNotFound, meta.CodeOf(err))
}

func TestArchiveDraftsDeduplicates(t *testing.T) {
	f := setupDiscrepancy(t)

	draft := models.Discrepancy{
		IntegrationID: f.integration.ID,
		EntityType:    meta.EntityTypeMaterial,
		EntityID:      "PN-1001",
		Field:         "unitCost",
		MESValue:      "100",
		ERPValue:      "105",
		Severity:      meta.SeverityHigh,
	}
	created, err := f.svc.ArchiveDrafts(f.report.ID, []models.Discrepancy{draft})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// 下一轮同一差异：不新建，合并到新报告并刷新值
	nextReport := f.factory.CreateReport(f.integration.ID)
	draft.ERPValue = "110"
	draft.Severity = meta.SeverityMedium
	created, err = f.svc.ArchiveDrafts(nextReport.ID, []models.Discrepancy{draft})
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	var stored []models.Discrepancy
	require.NoError(t, f.tdb.DB.Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, nextReport.ID, stored[0].ReportID)
	assert.Equal(t, "110", stored[0].ERPValue)
	assert.Equal(t, meta.SeverityMedium, stored[0].Severity)
	assert.Equal(t, 2, stored[0].OccurrenceCount)
}

func TestSuggestResolutionFollowsSourceOfTruth(t *testing.T) {
	f := setupDiscrepancy(t)

	// 物料以ERP为权威：建议用ERP值修正MES
	material := f.factory.CreateDiscrepancy(f.integration.ID, f.report.ID)
	suggestion, err := f.svc.SuggestResolution(material.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ResolutionUpdateMES, suggestion.Action)

	// 工单以MES为权威：建议用MES值修正ERP
	workOrder := f.factory.CreateDiscrepancy(f.integration.ID, f.report.ID, func(d *models.Discrepancy) {
		d.EntityType = meta.EntityTypeWorkOrder
		d.EntityID = "WO-1"
		d.Field = "status"
		d.Severity = meta.SeverityCritical
	})
	suggestion, err = f.svc.SuggestResolution(workOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ResolutionUpdateERP, suggestion.Action)

	// 已裁决的差异无建议
	_, err = f.svc.Resolve(context.Background(), material.ID, meta.ResolutionAccept, "", "ops")
	require.NoError(t, err)
	_, err = f.svc.SuggestResolution(material.ID)
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))
}
