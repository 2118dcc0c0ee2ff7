package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/testutil"
)

func setupRules(t *testing.T) (*RuleEvaluator, *testutil.TestDB) {
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)
	return NewRuleEvaluator(tdb.DB), tdb
}

func TestClassifyMonetaryThreshold(t *testing.T) {
	rules, _ := setupRules(t)

	// 默认规则：unitCost相对偏差阈值5%，以MES侧为基准
	severity, err := rules.Classify(meta.EntityTypeMaterial, "unitCost", "100", "105")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityHigh, severity, "恰好到达阈值应判定为规则级别")

	severity, err = rules.Classify(meta.EntityTypeMaterial, "unitCost", "100", "104.9")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityLow, severity, "未达阈值降为LOW")

	severity, err = rules.Classify(meta.EntityTypeMaterial, "unitCost", "100", "200")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityHigh, severity)
}

func TestClassifyMonetaryNonNumeric(t *testing.T) {
	rules, _ := setupRules(t)

	// 金额字段出现非数值差异时按规则级别处理，不做阈值比较
	severity, err := rules.Classify(meta.EntityTypeMaterial, "unitCost", "abc", "105")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityHigh, severity)
}

func TestClassifyMonetaryZeroBase(t *testing.T) {
	rules, _ := setupRules(t)

	// MES侧为零时以ERP侧为基准
	severity, err := rules.Classify(meta.EntityTypeMaterial, "unitCost", "0", "100")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityHigh, severity)

	// 两侧都为零视为无偏差
	severity, err = rules.Classify(meta.EntityTypeMaterial, "unitCost", "0", "0")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityLow, severity)
}

func TestClassifyPresence(t *testing.T) {
	rules, _ := setupRules(t)

	severity, err := rules.Classify(meta.EntityTypeWorkOrder, models.FieldPresence, "", "")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityCritical, severity)
}

func TestClassifyEnumStatus(t *testing.T) {
	rules, _ := setupRules(t)

	severity, err := rules.Classify(meta.EntityTypeWorkOrder, "status", "IN_PROGRESS", "COMPLETED")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityCritical, severity)
}

func TestClassifyTextField(t *testing.T) {
	rules, _ := setupRules(t)

	severity, err := rules.Classify(meta.EntityTypeMaterial, "description", "轴承", "轴承座")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityLow, severity)
}

func TestClassifyDefaultFallback(t *testing.T) {
	rules, _ := setupRules(t)

	// 无专门规则的字段落入兜底规则
	severity, err := rules.Classify(meta.EntityTypeQualityInspection, "inspector", "张三", "李四")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityMedium, severity)
}

func TestClassifySpecificityOverridesWildcard(t *testing.T) {
	rules, tdb := setupRules(t)

	// 精确命中实体类型和字段的规则优先于通配规则
	require.NoError(t, tdb.DB.Create(&models.SeverityRule{
		EntityType: meta.EntityTypeMaterial,
		Field:      "leadTimeDays",
		Kind:       RuleKindDefault,
		Severity:   meta.SeverityHigh,
	}).Error)

	severity, err := rules.Classify(meta.EntityTypeMaterial, "leadTimeDays", "7", "14")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityHigh, severity)
}

func TestClassifyDisabledRuleIgnored(t *testing.T) {
	rules, tdb := setupRules(t)

	err := tdb.DB.Model(&models.SeverityRule{}).
		Where("entity_type = ? AND field = ?", meta.EntityTypeMaterial, "unitCost").
		Update("enabled", false).Error
	require.NoError(t, err)

	// 停用后unitCost落入兜底规则
	severity, err := rules.Classify(meta.EntityTypeMaterial, "unitCost", "100", "200")
	require.NoError(t, err)
	assert.Equal(t, meta.SeverityMedium, severity)
}
