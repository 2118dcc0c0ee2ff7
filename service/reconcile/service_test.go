package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/audit"
	"mes-sync-service/service/discrepancy"
	"mes-sync-service/service/event"
	"mes-sync-service/service/mapping"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/testutil"
)

const fakeSystemKind = "fake_erp"

type reconcileFixture struct {
	tdb         *testutil.TestDB
	factory     *testutil.TestDataFactory
	svc         *Service
	integration *models.Integration
	mesSide     *testutil.FakeAdapter
	erpSide     *testutil.FakeAdapter
}

func setupReconcile(t *testing.T) *reconcileFixture {
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	factory := testutil.NewTestDataFactory(tdb.DB)
	integration := factory.CreateIntegration(func(i *models.Integration) {
		i.SystemKind = fakeSystemKind
	})

	mesSide := testutil.NewFakeAdapter()
	erpSide := testutil.NewFakeAdapter()
	registry := adapter.NewRegistry()
	testutil.RegisterFake(registry, fakeSystemKind, erpSide)

	engine := mapping.NewEngine(tdb.DB)
	bus := event.NewBus()
	auditSvc := audit.NewService(tdb.DB)
	discSvc := discrepancy.NewService(tdb.DB, engine, registry, mesSide, bus)
	reconciler := NewReconciler(engine, NewRuleEvaluator(tdb.DB))
	svc := NewService(tdb.DB, reconciler, discSvc, auditSvc, bus, registry, mesSide)

	return &reconcileFixture{
		tdb:         tdb,
		factory:     factory,
		svc:         svc,
		integration: integration,
		mesSide:     mesSide,
		erpSide:     erpSide,
	}
}

func TestRunDetectsFieldDiscrepancy(t *testing.T) {
	f := setupReconcile(t)
	f.factory.CreateMaterialMappings(f.integration.ID)

	f.mesSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"partNumber": "PN-1001", "description": "轴承", "unitCost": 100},
	})
	f.erpSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"MATNR": "PN-1001", "MAKTX": "轴承", "STPRS": 105},
	})

	result, err := f.svc.Run(context.Background(), f.integration.ID, &RunOptions{
		EntityType:  meta.EntityTypeMaterial,
		TriggeredBy: "tester",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Report)

	rpt := result.Report
	assert.Equal(t, meta.ReportStatusCompleted, rpt.Status)
	assert.Equal(t, 1, rpt.MESCount)
	assert.Equal(t, 1, rpt.ERPCount)
	assert.Equal(t, 1, rpt.MatchedCount)
	assert.Equal(t, 1, rpt.DiscrepancyCount)
	// 1条HIGH差异：配对率1.0 - 0.5权重/1条记录
	assert.InDelta(t, 0.5, rpt.QualityScore, 1e-9)

	var stored []models.Discrepancy
	require.NoError(t, f.tdb.DB.Where("report_id = ?", rpt.ID).Find(&stored).Error)
	require.Len(t, stored, 1)
	d := stored[0]
	assert.Equal(t, "unitCost", d.Field)
	assert.Equal(t, "100", d.MESValue)
	assert.Equal(t, "105", d.ERPValue)
	assert.Equal(t, meta.SeverityHigh, d.Severity)
	assert.Equal(t, meta.DiscrepancyStatusPending, d.Status)
}

func TestRunPresenceDiscrepancies(t *testing.T) {
	f := setupReconcile(t)
	f.factory.CreateMaterialMappings(f.integration.ID)

	f.mesSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"partNumber": "PN-ONLY-MES", "description": "仅MES", "unitCost": 10},
	})
	f.erpSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"MATNR": "PN-ONLY-ERP", "MAKTX": "仅ERP", "STPRS": 20},
	})

	result, err := f.svc.Run(context.Background(), f.integration.ID, &RunOptions{
		EntityType: meta.EntityTypeMaterial,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Report.MatchedCount)
	require.Len(t, result.Discrepancies, 2)

	byEntity := make(map[string]models.Discrepancy)
	for _, d := range result.Discrepancies {
		assert.Equal(t, models.FieldPresence, d.Field)
		assert.Equal(t, meta.SeverityCritical, d.Severity)
		byEntity[d.EntityID] = d
	}
	assert.Equal(t, "present", byEntity["PN-ONLY-MES"].MESValue)
	assert.Equal(t, "missing", byEntity["PN-ONLY-MES"].ERPValue)
	assert.Equal(t, "missing", byEntity["PN-ONLY-ERP"].MESValue)
	assert.Equal(t, "present", byEntity["PN-ONLY-ERP"].ERPValue)
}

func TestRunDryRunKeepsReportOnly(t *testing.T) {
	f := setupReconcile(t)
	f.factory.CreateMaterialMappings(f.integration.ID)

	f.mesSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"partNumber": "PN-1", "unitCost": 100},
	})
	f.erpSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"MATNR": "PN-1", "STPRS": 200},
	})

	result, err := f.svc.Run(context.Background(), f.integration.ID, &RunOptions{
		EntityType: meta.EntityTypeMaterial,
		DryRun:     true,
	})
	require.NoError(t, err)
	require.Len(t, result.Discrepancies, 1)

	// 演练运行保留报告行但不归档差异
	var rpt models.ReconciliationReport
	require.NoError(t, f.tdb.DB.First(&rpt, "id = ?", result.Report.ID).Error)
	assert.True(t, rpt.DryRun)
	assert.Equal(t, meta.ReportStatusCompleted, rpt.Status)
	assert.Equal(t, 1, rpt.DiscrepancyCount)

	var count int64
	require.NoError(t, f.tdb.DB.Model(&models.Discrepancy{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRunDryRunRepeatableOnUnchangedData(t *testing.T) {
	f := setupReconcile(t)
	f.factory.CreateMaterialMappings(f.integration.ID)

	f.mesSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"partNumber": "PN-1", "description": "轴承", "unitCost": 100},
		{"partNumber": "PN-ONLY-MES", "unitCost": 5},
	})
	f.erpSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"MATNR": "PN-1", "MAKTX": "轴承", "STPRS": 200},
	})

	run := func() []models.Discrepancy {
		result, err := f.svc.Run(context.Background(), f.integration.ID, &RunOptions{
			EntityType: meta.EntityTypeMaterial,
			DryRun:     true,
		})
		require.NoError(t, err)
		return result.Discrepancies
	}

	first := run()
	second := run()

	// 数据不变时两次演练得到相同的差异集
	require.Equal(t, len(first), len(second))
	key := func(d models.Discrepancy) [5]string {
		return [5]string{d.EntityType, d.EntityID, d.Field, d.MESValue, d.ERPValue}
	}
	firstKeys := make(map[[5]string]string)
	for _, d := range first {
		firstKeys[key(d)] = d.Severity
	}
	for _, d := range second {
		severity, ok := firstKeys[key(d)]
		require.True(t, ok, "第二次演练出现了第一次没有的差异: %v", key(d))
		assert.Equal(t, severity, d.Severity)
	}

	var count int64
	require.NoError(t, f.tdb.DB.Model(&models.Discrepancy{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRunFullSyncMergesEntityTypes(t *testing.T) {
	f := setupReconcile(t)
	f.factory.CreateMaterialMappings(f.integration.ID)
	f.factory.CreateWorkOrderMappings(f.integration.ID)
	require.NoError(t, f.tdb.DB.Create(&models.FieldMapping{
		IntegrationID: f.integration.ID, EntityType: meta.EntityTypeQualityInspection,
		SourceField: "inspectionNumber", TargetField: "PRUEFLOS",
		Direction: meta.DirectionBidirect,
	}).Error)

	f.mesSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"partNumber": "PN-1", "unitCost": 10},
	})
	f.erpSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"MATNR": "PN-1", "STPRS": 10},
	})
	f.mesSide.SetRecords(meta.EntityTypeWorkOrder, []adapter.Record{
		{"workOrderNumber": "WO-1", "status": "IN_PROGRESS"},
	})
	f.erpSide.SetRecords(meta.EntityTypeWorkOrder, []adapter.Record{
		{"AUFNR": "WO-1", "STTXT": "COMPLETED"},
	})
	f.mesSide.SetRecords(meta.EntityTypeQualityInspection, []adapter.Record{
		{"inspectionNumber": "QI-1"},
	})
	f.erpSide.SetRecords(meta.EntityTypeQualityInspection, []adapter.Record{
		{"PRUEFLOS": "QI-1"},
	})

	result, err := f.svc.Run(context.Background(), f.integration.ID, &RunOptions{})
	require.NoError(t, err)

	rpt := result.Report
	assert.Equal(t, meta.EntityTypeFullSync, rpt.EntityType)
	assert.Equal(t, 3, rpt.MESCount)
	assert.Equal(t, 3, rpt.ERPCount)
	assert.Equal(t, 3, rpt.MatchedCount)
	// 仅工单status不一致
	require.Len(t, result.Discrepancies, 1)
	assert.Equal(t, meta.EntityTypeWorkOrder, result.Discrepancies[0].EntityType)
	assert.Equal(t, "status", result.Discrepancies[0].Field)
	assert.Equal(t, meta.SeverityCritical, result.Discrepancies[0].Severity)
}

func TestRunFetchFailureFinalizesFailed(t *testing.T) {
	f := setupReconcile(t)
	f.factory.CreateMaterialMappings(f.integration.ID)
	f.erpSide.FetchErr = errors.New("ERP网关超时")

	result, err := f.svc.Run(context.Background(), f.integration.ID, &RunOptions{
		EntityType: meta.EntityTypeMaterial,
	})
	require.Error(t, err)
	assert.Equal(t, meta.ErrReconciliationFailed, meta.CodeOf(err))
	require.NotNil(t, result)

	var rpt models.ReconciliationReport
	require.NoError(t, f.tdb.DB.First(&rpt, "id = ?", result.Report.ID).Error)
	assert.Equal(t, meta.ReportStatusFailed, rpt.Status)
	assert.NotEmpty(t, rpt.ErrorMessage)
	assert.NotNil(t, rpt.CompletedAt)
}

func TestRunValidation(t *testing.T) {
	f := setupReconcile(t)

	_, err := f.svc.Run(context.Background(), f.integration.ID, &RunOptions{
		EntityType: "bogus",
	})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))

	_, err = f.svc.Run(context.Background(), "no-such-id", &RunOptions{
		EntityType: meta.EntityTypeMaterial,
	})
	require.Error(t, err)
	assert.Equal(t, meta.ErrNotFound, meta.CodeOf(err))

	require.NoError(t, f.tdb.DB.Model(f.integration).Update("enabled", false).Error)
	_, err = f.svc.Run(context.Background(), f.integration.ID, &RunOptions{
		EntityType: meta.EntityTypeMaterial,
	})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))
}

func TestRunMergesRecurringDiscrepancy(t *testing.T) {
	f := setupReconcile(t)
	f.factory.CreateMaterialMappings(f.integration.ID)

	f.mesSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"partNumber": "PN-1", "unitCost": 100},
	})
	f.erpSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"MATNR": "PN-1", "STPRS": 110},
	})

	first, err := f.svc.Run(context.Background(), f.integration.ID, &RunOptions{
		EntityType: meta.EntityTypeMaterial,
	})
	require.NoError(t, err)

	// 第二轮同一差异仍未解决：合并到新报告并累加出现次数
	f.erpSide.SetRecords(meta.EntityTypeMaterial, []adapter.Record{
		{"MATNR": "PN-1", "STPRS": 120},
	})
	second, err := f.svc.Run(context.Background(), f.integration.ID, &RunOptions{
		EntityType: meta.EntityTypeMaterial,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.Report.ID, second.Report.ID)

	var stored []models.Discrepancy
	require.NoError(t, f.tdb.DB.Find(&stored).Error)
	require.Len(t, stored, 1, "跨运行同一差异不重复建行")
	assert.Equal(t, second.Report.ID, stored[0].ReportID)
	assert.Equal(t, 2, stored[0].OccurrenceCount)
	assert.Equal(t, "120", stored[0].ERPValue)
}
