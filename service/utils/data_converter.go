/*
 * @module service/utils/data_converter
 * @description 数据转换工具，提供字符编码转换和通用值转换辅助
 * @architecture 工具集模式
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.7节
 * @stateFlow 无状态转换
 * @rules 合规导出需支持GBK编码以兼容旧版ERP报表工具
 * @dependencies golang.org/x/text, github.com/spf13/cast
 * @refs service/audit
 */

package utils

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// UTF8ToGBK UTF-8编码转GBK
func UTF8ToGBK(data []byte) ([]byte, error) {
	reader := transform.NewReader(bytes.NewReader(data), simplifiedchinese.GBK.NewEncoder())
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("GBK编码转换失败: %w", err)
	}
	return out, nil
}

// GBKToUTF8 GBK编码转UTF-8
func GBKToUTF8(data []byte) ([]byte, error) {
	reader := transform.NewReader(bytes.NewReader(data), simplifiedchinese.GBK.NewDecoder())
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("GBK解码失败: %w", err)
	}
	return out, nil
}

// ToDisplayString 将任意值转换为可比对的显示字符串。
// nil归一为空串，浮点数去除尾随零，避免 "5" 与 "5.0" 被误判为不同。
func ToDisplayString(value interface{}) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case float64, float32:
		s := cast.ToString(v)
		if strings.Contains(s, ".") {
			s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
		}
		return s
	default:
		return cast.ToString(value)
	}
}
