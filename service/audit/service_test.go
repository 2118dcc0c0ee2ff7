package audit

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/utils"
	"mes-sync-service/testutil"
)

func setupAudit(t *testing.T) (*Service, *testutil.TestDB) {
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)
	return NewService(tdb.DB), tdb
}

func record(t *testing.T, svc *Service, ev *models.AuditEvent) *models.AuditEvent {
	require.NoError(t, svc.Record(ev))
	return ev
}

func TestRecordValidation(t *testing.T) {
	svc, _ := setupAudit(t)

	err := svc.Record(&models.AuditEvent{})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))

	ev := record(t, svc, &models.AuditEvent{EventType: meta.AuditSyncStarted})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, meta.AuditSeverityInfo, ev.Severity)
	assert.Equal(t, meta.AuditStatusSuccess, ev.Status)
	assert.Equal(t, "system", ev.Actor)
	assert.False(t, ev.PerformedAt.IsZero())
}

func TestEntityTimelineOrdering(t *testing.T) {
	svc, _ := setupAudit(t)

	base := time.Now().Add(-time.Hour)
	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditDiscrepancyResolved, EntityType: meta.EntityTypeMaterial,
		EntityID: "PN-1", PerformedAt: base.Add(20 * time.Minute),
	})
	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditDiscrepancyCreated, EntityType: meta.EntityTypeMaterial,
		EntityID: "PN-1", PerformedAt: base,
	})
	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditSyncCompleted, EntityType: meta.EntityTypeMaterial,
		EntityID: "PN-1", PerformedAt: base.Add(10 * time.Minute),
	})
	// 其他实体的事件不混入
	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditDiscrepancyCreated, EntityType: meta.EntityTypeMaterial,
		EntityID: "PN-2", PerformedAt: base,
	})

	timeline, err := svc.EntityTimeline(meta.EntityTypeMaterial, "PN-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, meta.AuditDiscrepancyCreated, timeline[0].EventType)
	assert.Equal(t, meta.AuditSyncCompleted, timeline[1].EventType)
	assert.Equal(t, meta.AuditDiscrepancyResolved, timeline[2].EventType)
}

func TestQueryFilters(t *testing.T) {
	svc, _ := setupAudit(t)

	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditSyncFailed, Actor: "ops",
		Severity: meta.AuditSeverityWarning, Status: meta.AuditStatusFailure,
	})
	record(t, svc, &models.AuditEvent{EventType: meta.AuditSyncCompleted, Actor: "ops"})
	record(t, svc, &models.AuditEvent{EventType: meta.AuditSyncCompleted, Actor: "scheduler"})

	events, total, err := svc.Query(&QueryFilter{Actor: "ops"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, events, 2)

	events, total, err = svc.Query(&QueryFilter{EventType: meta.AuditSyncFailed})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, "ops", events[0].Actor)
}

func TestCriticalEvents(t *testing.T) {
	svc, _ := setupAudit(t)

	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditReconcileFailed, Status: meta.AuditStatusFailure,
	})
	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditDiscrepancyCreated, Severity: meta.AuditSeverityCritical,
	})
	record(t, svc, &models.AuditEvent{EventType: meta.AuditSyncCompleted})

	events, err := svc.CriticalEvents(time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestActorActivityWindow(t *testing.T) {
	svc, _ := setupAudit(t)

	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditSyncStarted, Actor: "ops",
		PerformedAt: time.Now().Add(-48 * time.Hour),
	})
	record(t, svc, &models.AuditEvent{EventType: meta.AuditSyncCompleted, Actor: "ops"})

	events, err := svc.ActorActivity("ops", time.Now().Add(-24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "时间窗外的活动不返回")
	assert.Equal(t, meta.AuditSyncCompleted, events[0].EventType)
}

func TestChangeSummary(t *testing.T) {
	svc, _ := setupAudit(t)

	record(t, svc, &models.AuditEvent{EventType: meta.AuditSyncCompleted})
	record(t, svc, &models.AuditEvent{EventType: meta.AuditSyncCompleted})
	record(t, svc, &models.AuditEvent{EventType: meta.AuditDiscrepancyCreated})

	summary, err := svc.ChangeSummary(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary[meta.AuditSyncCompleted])
	assert.EqualValues(t, 1, summary[meta.AuditDiscrepancyCreated])
}

func TestImpactAnalysis(t *testing.T) {
	svc, _ := setupAudit(t)

	for i := 0; i < 3; i++ {
		record(t, svc, &models.AuditEvent{
			EventType:  meta.AuditDiscrepancyCreated,
			EntityType: meta.EntityTypeMaterial,
			Details:    models.JSONB{"field": "unitCost"},
		})
	}
	record(t, svc, &models.AuditEvent{
		EventType:  meta.AuditDiscrepancyResolved,
		EntityType: meta.EntityTypeWorkOrder,
		Details:    models.JSONB{"field": "status"},
	})
	// 无field明细的事件跳过
	record(t, svc, &models.AuditEvent{EventType: meta.AuditDiscrepancyCreated})

	stats, err := svc.ImpactAnalysis(time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "unitCost", stats[0].Field)
	assert.Equal(t, 3, stats[0].Changes)
	assert.Equal(t, "status", stats[1].Field)
}

func TestComplianceExportCSV(t *testing.T) {
	svc, _ := setupAudit(t)

	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditSyncCompleted, EntityType: meta.EntityTypeMaterial,
		EntityID: "PN-1", Actor: "ops",
	})

	var buf bytes.Buffer
	require.NoError(t, svc.ComplianceExport(&buf,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour), false))

	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2, "表头加一条记录")
	assert.Equal(t, "event_id", rows[0][0])
	assert.Equal(t, meta.AuditSyncCompleted, rows[1][1])
	assert.Equal(t, "PN-1", rows[1][5])
}

func TestComplianceExportGBK(t *testing.T) {
	svc, _ := setupAudit(t)

	record(t, svc, &models.AuditEvent{
		EventType: meta.AuditSyncCompleted, Actor: "运维值班",
	})

	var buf bytes.Buffer
	require.NoError(t, svc.ComplianceExport(&buf,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour), true))

	// GBK输出解码回UTF-8后应还原中文操作者
	decoded, err := utils.GBKToUTF8(buf.Bytes())
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "运维值班")
	assert.NotContains(t, buf.String(), "运维值班", "输出本身不是UTF-8编码")
}
