/*
 * @module service/report/score
 * @description 数据质量评分计算
 * @architecture 纯函数
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.5节
 * @stateFlow 配对统计 + 差异清单 -> [0,1]质量分
 * @rules 评分 = 配对率 - 严重程度加权惩罚，越界截断到[0,1]
 * @refs service/reconcile/service.go
 */

package report

import (
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
)

// ComputeQualityScore 计算一次对账的数据质量分。
// total为两侧记录数的较大值，matched为成功配对数，
// 每条差异按严重程度权重折算惩罚后摊到总量上。
func ComputeQualityScore(matched, total int, discrepancies []models.Discrepancy) float64 {
	if total < 1 {
		total = 1
	}

	score := float64(matched) / float64(total)
	var penalty float64
	for _, d := range discrepancies {
		penalty += meta.SeverityWeights[d.Severity]
	}
	score -= penalty / float64(total)

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
