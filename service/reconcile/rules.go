/*
 * @module service/reconcile/rules
 * @description 差异严重程度分类，基于可配置的SeverityRule规则表
 * @architecture 规则引擎模式 - 按(实体类型, 字段)特异度选择最匹配规则
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.3节
 * @stateFlow 加载启用规则 -> 特异度排序匹配 -> 按规则类型判定严重程度
 * @rules
 *   - 阈值是配置不是常量，分类必须读规则表
 *   - 金额类字段相对偏差达到阈值为规则指定级别，未达阈值降为LOW
 *   - 无匹配规则时兜底MEDIUM
 * @dependencies gorm.io/gorm, github.com/spf13/cast
 * @refs service/models/reconciliation.go, service/database/migrate.go
 */

package reconcile

import (
	"math"

	"github.com/spf13/cast"
	"gorm.io/gorm"

	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
)

// 规则类型
const (
	RuleKindPresence    = "presence"
	RuleKindMonetaryPct = "monetary_pct"
	RuleKindEnum        = "enum"
	RuleKindText        = "text"
	RuleKindDefault     = "default"
)

// RuleEvaluator 严重程度规则求值器
type RuleEvaluator struct {
	db *gorm.DB
}

// NewRuleEvaluator 创建规则求值器实例
func NewRuleEvaluator(db *gorm.DB) *RuleEvaluator {
	return &RuleEvaluator{db: db}
}

// rulesFor 加载对给定实体类型生效的启用规则
func (r *RuleEvaluator) rulesFor(entityType string) ([]models.SeverityRule, error) {
	var rules []models.SeverityRule
	err := r.db.Where("enabled = ? AND entity_type IN ?", true, []string{entityType, "*"}).
		Find(&rules).Error
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "加载严重程度规则失败", err)
	}
	return rules, nil
}

// Classify 判定一条字段差异的严重程度。
// 规则按特异度匹配：实体类型精确命中优先于通配，字段精确命中优先于通配。
func (r *RuleEvaluator) Classify(entityType, field, mesValue, erpValue string) (string, error) {
	rules, err := r.rulesFor(entityType)
	if err != nil {
		return "", err
	}

	rule := bestMatch(rules, entityType, field)
	if rule == nil {
		return meta.SeverityMedium, nil
	}

	switch rule.Kind {
	case RuleKindPresence:
		return rule.Severity, nil
	case RuleKindMonetaryPct:
		pct, ok := relativeDeviationPct(mesValue, erpValue)
		if !ok {
			// 非数值的金额字段差异按规则级别处理
			return rule.Severity, nil
		}
		if pct >= rule.Threshold {
			return rule.Severity, nil
		}
		return meta.SeverityLow, nil
	case RuleKindEnum, RuleKindText, RuleKindDefault:
		return rule.Severity, nil
	default:
		return meta.SeverityMedium, nil
	}
}

// bestMatch 选出特异度最高的匹配规则
func bestMatch(rules []models.SeverityRule, entityType, field string) *models.SeverityRule {
	var best *models.SeverityRule
	bestScore := -1

	for i := range rules {
		rule := &rules[i]
		if rule.Field != field && rule.Field != "*" {
			continue
		}
		// 存在性规则只用于存在性差异，反之亦然
		if (rule.Kind == RuleKindPresence) != (field == models.FieldPresence) {
			continue
		}

		score := 0
		if rule.EntityType == entityType {
			score += 2
		}
		if rule.Field == field {
			score++
		}
		if score > bestScore {
			best = rule
			bestScore = score
		}
	}
	return best
}

// relativeDeviationPct 计算相对偏差百分比，以MES侧值为基准，MES侧为零时退回ERP侧
func relativeDeviationPct(mesValue, erpValue string) (float64, bool) {
	mes, err1 := cast.ToFloat64E(mesValue)
	erp, err2 := cast.ToFloat64E(erpValue)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	base := math.Abs(mes)
	if base == 0 {
		base = math.Abs(erp)
	}
	if base == 0 {
		return 0, true
	}
	return math.Abs(mes-erp) / base * 100, true
}
