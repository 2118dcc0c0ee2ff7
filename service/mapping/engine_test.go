package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/testutil"
)

func setupEngine(t *testing.T) (*Engine, *testutil.TestDB, *models.Integration) {
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	factory := testutil.NewTestDataFactory(tdb.DB)
	integration := factory.CreateIntegration()
	return NewEngine(tdb.DB), tdb, integration
}

func createMapping(t *testing.T, tdb *testutil.TestDB, m *models.FieldMapping) {
	require.NoError(t, tdb.DB.Create(m).Error)
}

func TestTranslateForward(t *testing.T) {
	engine, tdb, integration := setupEngine(t)

	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeMaterial,
		SourceField: "partNumber", TargetField: "MATNR", Required: true,
		Direction: meta.DirectionBidirect,
	})
	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeMaterial,
		SourceField: "description", TargetField: "MAKTX",
		Direction: meta.DirectionBidirect,
	})

	out, err := engine.Translate(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionMESToERP, adapter.Record{
			"partNumber":  "PN-1001",
			"description": "轴承座",
		})
	require.NoError(t, err)
	assert.Equal(t, "PN-1001", out["MATNR"])
	assert.Equal(t, "轴承座", out["MAKTX"])
	// 业务主键透传，即使映射后字段名不同也保留原键
	assert.Equal(t, "PN-1001", out["partNumber"])
}

func TestTranslateUnitConvertRoundTrip(t *testing.T) {
	engine, tdb, integration := setupEngine(t)

	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeMaterial,
		SourceField: "partNumber", TargetField: "MATNR",
		Direction: meta.DirectionBidirect,
	})
	// MES以千克计，ERP以克计
	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeMaterial,
		SourceField: "weightKg", TargetField: "BRGEW",
		Transform: models.JSONB{"type": "unit_convert", "factor": 1000.0},
		Direction: meta.DirectionBidirect,
	})

	forward, err := engine.Translate(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionMESToERP, adapter.Record{"partNumber": "PN-1", "weightKg": 2.5})
	require.NoError(t, err)
	assert.InDelta(t, 2500.0, forward["BRGEW"], 1e-9)

	// 逆向翻译必须与正向互逆
	back, err := engine.Translate(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionERPToMES, adapter.Record{"MATNR": "PN-1", "BRGEW": 2500.0})
	require.NoError(t, err)
	assert.InDelta(t, 2.5, back["weightKg"], 1e-9)
}

func TestTranslateEnumMapReverse(t *testing.T) {
	engine, tdb, integration := setupEngine(t)

	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeWorkOrder,
		SourceField: "workOrderNumber", TargetField: "AUFNR",
		Direction: meta.DirectionBidirect,
	})
	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeWorkOrder,
		SourceField: "status", TargetField: "STTXT",
		Transform: models.JSONB{"type": "enum_map", "values": map[string]interface{}{
			"IN_PROGRESS": "REL",
			"COMPLETED":   "TECO",
		}},
		Direction: meta.DirectionBidirect,
	})

	forward, err := engine.Translate(integration.ID, meta.EntityTypeWorkOrder,
		meta.DirectionMESToERP, adapter.Record{"workOrderNumber": "WO-1", "status": "IN_PROGRESS"})
	require.NoError(t, err)
	assert.Equal(t, "REL", forward["STTXT"])

	back, err := engine.Translate(integration.ID, meta.EntityTypeWorkOrder,
		meta.DirectionERPToMES, adapter.Record{"AUFNR": "WO-1", "STTXT": "TECO"})
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", back["status"])

	// 映射表之外的枚举值必须报错而不是静默透传
	_, err = engine.Translate(integration.ID, meta.EntityTypeWorkOrder,
		meta.DirectionMESToERP, adapter.Record{"workOrderNumber": "WO-1", "status": "UNKNOWN"})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))
}

func TestTranslateRequiredFieldMissing(t *testing.T) {
	engine, tdb, integration := setupEngine(t)

	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeMaterial,
		SourceField: "partNumber", TargetField: "MATNR", Required: true,
		Direction: meta.DirectionBidirect,
	})
	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeMaterial,
		SourceField: "description", TargetField: "MAKTX",
		Direction: meta.DirectionBidirect,
	})

	// 非必填字段缺失时跳过不报错
	out, err := engine.Translate(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionMESToERP, adapter.Record{"partNumber": "PN-1"})
	require.NoError(t, err)
	_, has := out["MAKTX"]
	assert.False(t, has)

	// 必填字段缺失时整条记录失败并点名缺失字段
	_, err = engine.Translate(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionMESToERP, adapter.Record{"description": "只有描述"})
	require.Error(t, err)
	se := meta.AsSyncError(err)
	assert.Equal(t, meta.ErrMappingIncomplete, se.Code)
	assert.Contains(t, se.Details, "missing_fields")
}

func TestTranslateNoMappings(t *testing.T) {
	engine, _, integration := setupEngine(t)

	_, err := engine.Translate(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionMESToERP, adapter.Record{"partNumber": "PN-1"})
	require.Error(t, err)
	assert.Equal(t, meta.ErrMappingIncomplete, meta.CodeOf(err))

	err = engine.ValidateMappingComplete(integration.ID, meta.EntityTypeMaterial, meta.DirectionMESToERP)
	require.Error(t, err)
	assert.Equal(t, meta.ErrMappingIncomplete, meta.CodeOf(err))
}

func TestTranslateRejectsBidirectional(t *testing.T) {
	engine, _, integration := setupEngine(t)

	_, err := engine.Translate(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionBidirect, adapter.Record{})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))
}

func TestTranslateField(t *testing.T) {
	engine, tdb, integration := setupEngine(t)

	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeMaterial,
		SourceField: "unitCost", TargetField: "STPRS",
		Transform: models.JSONB{"type": "unit_convert", "factor": 100.0},
		Direction: meta.DirectionBidirect,
	})

	target, value, err := engine.TranslateField(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionMESToERP, "unitCost", 12.5)
	require.NoError(t, err)
	assert.Equal(t, "STPRS", target)
	assert.InDelta(t, 1250.0, value, 1e-9)

	// 无映射的字段报MAPPING_INCOMPLETE
	_, _, err = engine.TranslateField(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionMESToERP, "color", "red")
	require.Error(t, err)
	assert.Equal(t, meta.ErrMappingIncomplete, meta.CodeOf(err))
}

func TestApplyNumberFormat(t *testing.T) {
	out, err := applyNumberFormat(models.JSONB{"precision": 2}, 3.14159, false)
	require.NoError(t, err)
	assert.InDelta(t, 3.14, out, 1e-9)

	// 舍入不可逆，逆向返回原值
	out, err = applyNumberFormat(models.JSONB{"precision": 2}, 3.14, true)
	require.NoError(t, err)
	assert.Equal(t, 3.14, out)
}

func TestScriptTransform(t *testing.T) {
	engine, tdb, integration := setupEngine(t)

	createMapping(t, tdb, &models.FieldMapping{
		IntegrationID: integration.ID, EntityType: meta.EntityTypeMaterial,
		SourceField: "partNumber", TargetField: "MATNR",
		Transform: models.JSONB{
			"type":       "script",
			"expression": `return strings.ToUpper(fmt.Sprint(value)), nil`,
		},
		Direction: meta.DirectionBidirect,
	})

	out, err := engine.Translate(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionMESToERP, adapter.Record{"partNumber": "pn-1001"})
	require.NoError(t, err)
	assert.Equal(t, "PN-1001", out["MATNR"])

	// 未配置reverse_expression的脚本不能用于逆向
	_, err = engine.Translate(integration.ID, meta.EntityTypeMaterial,
		meta.DirectionERPToMES, adapter.Record{"MATNR": "PN-1001"})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))
}
