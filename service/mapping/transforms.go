/*
 * @module service/mapping/transforms
 * @description 字段值转换实现，支持单位换算、枚举映射、数值格式化和Go脚本转换
 * @architecture 转换器模式 - 按配置选择转换策略，脚本转换带编译缓存
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.1节
 * @stateFlow 转换配置解析 -> 策略分发 -> 值转换（双向同步时支持逆向）
 * @rules 逆向转换必须与正向互逆；不可逆的转换在逆向调用时显式报错
 * @dependencies github.com/spf13/cast, github.com/traefik/yaegi
 * @refs engine.go, service/models/integration.go
 */

package mapping

import (
	"crypto/sha1"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
)

// 转换类型
const (
	TransformUnitConvert  = "unit_convert"  // 数值乘系数，逆向除系数
	TransformEnumMap      = "enum_map"      // 枚举值映射，逆向反转映射表
	TransformNumberFormat = "number_format" // 按精度舍入，逆向为恒等
	TransformScript       = "script"        // Go脚本转换，逆向需配置reverse_expression
)

// applyTransform 按配置对单个字段值执行转换
func (e *Engine) applyTransform(cfg models.JSONB, value interface{}, reverse bool) (interface{}, error) {
	if len(cfg) == 0 || value == nil {
		return value, nil
	}

	kind := cast.ToString(cfg["type"])
	switch kind {
	case "":
		return value, nil
	case TransformUnitConvert:
		return applyUnitConvert(cfg, value, reverse)
	case TransformEnumMap:
		return applyEnumMap(cfg, value, reverse)
	case TransformNumberFormat:
		return applyNumberFormat(cfg, value, reverse)
	case TransformScript:
		return e.scripts.Transform(cfg, value, reverse)
	default:
		return nil, meta.NewSyncError(meta.ErrValidation,
			fmt.Sprintf("不支持的转换类型: %s", kind))
	}
}

// applyUnitConvert 单位换算：正向乘系数，逆向除系数
func applyUnitConvert(cfg models.JSONB, value interface{}, reverse bool) (interface{}, error) {
	factor := cast.ToFloat64(cfg["factor"])
	if factor == 0 {
		return nil, meta.NewSyncError(meta.ErrValidation, "unit_convert转换缺少非零factor")
	}
	num, err := cast.ToFloat64E(value)
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrValidation, "unit_convert转换要求数值输入", err)
	}
	if reverse {
		return num / factor, nil
	}
	return num * factor, nil
}

// applyEnumMap 枚举映射：逆向时反转映射表
func applyEnumMap(cfg models.JSONB, value interface{}, reverse bool) (interface{}, error) {
	values := cast.ToStringMapString(cfg["values"])
	if len(values) == 0 {
		return nil, meta.NewSyncError(meta.ErrValidation, "enum_map转换缺少values映射表")
	}
	table := values
	if reverse {
		table = make(map[string]string, len(values))
		for src, dst := range values {
			table[dst] = src
		}
	}
	key := cast.ToString(value)
	mapped, ok := table[key]
	if !ok {
		return nil, meta.NewSyncError(meta.ErrValidation,
			fmt.Sprintf("枚举值 %q 不在映射表中", key)).
			WithDetails(map[string]interface{}{"value": key, "reverse": reverse})
	}
	return mapped, nil
}

// applyNumberFormat 按精度舍入。舍入不可逆，逆向调用返回原值。
func applyNumberFormat(cfg models.JSONB, value interface{}, reverse bool) (interface{}, error) {
	if reverse {
		return value, nil
	}
	num, err := cast.ToFloat64E(value)
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrValidation, "number_format转换要求数值输入", err)
	}
	precision := cast.ToInt(cfg["precision"])
	if precision < 0 {
		precision = 0
	}
	scale := math.Pow10(precision)
	return math.Round(num*scale) / scale, nil
}

// ScriptTransformer Go脚本转换执行器，带编译缓存
type ScriptTransformer struct {
	mu    sync.RWMutex
	cache map[string]*compiledScript
}

type compiledScript struct {
	fn       func(map[string]interface{}) (interface{}, error)
	compiled time.Time
}

// NewScriptTransformer 创建脚本转换执行器
func NewScriptTransformer() *ScriptTransformer {
	return &ScriptTransformer{
		cache: make(map[string]*compiledScript),
	}
}

// Transform 执行脚本转换。逆向转换使用reverse_expression，未配置时报错。
func (s *ScriptTransformer) Transform(cfg models.JSONB, value interface{}, reverse bool) (interface{}, error) {
	key := "expression"
	if reverse {
		key = "reverse_expression"
	}
	expr := cast.ToString(cfg[key])
	if expr == "" {
		if reverse {
			return nil, meta.NewSyncError(meta.ErrValidation,
				"script转换未配置reverse_expression，无法用于双向同步")
		}
		return nil, meta.NewSyncError(meta.ErrValidation, "script转换缺少expression")
	}

	fn, err := s.compiled(expr)
	if err != nil {
		return nil, err
	}
	return fn(map[string]interface{}{"value": value})
}

// compiled 获取编译后的脚本函数，按脚本内容哈希缓存
func (s *ScriptTransformer) compiled(script string) (func(map[string]interface{}) (interface{}, error), error) {
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(script)))

	s.mu.RLock()
	cached, ok := s.cache[hash]
	s.mu.RUnlock()
	if ok {
		return cached.fn, nil
	}

	fn, err := compileScript(script)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[hash] = &compiledScript{fn: fn, compiled: time.Now()}
	s.mu.Unlock()
	return fn, nil
}

// compileScript 编译脚本为可执行函数。脚本体以value为输入，必须返回(interface{}, error)。
func compileScript(script string) (func(map[string]interface{}) (interface{}, error), error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "加载脚本标准库失败", err)
	}

	wrapped := fmt.Sprintf(`
package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Run 脚本入口，params["value"]为待转换的字段值
func Run(params map[string]interface{}) (interface{}, error) {
	value := params["value"]
	_ = value

	// 脚本内容
%s
}
`, script)

	if _, err := i.Eval(wrapped); err != nil {
		return nil, meta.WrapSyncError(meta.ErrValidation, "脚本编译失败", err)
	}

	v, err := i.Eval("Run")
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrValidation, "脚本缺少Run入口", err)
	}
	fn, ok := v.Interface().(func(map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, meta.NewSyncError(meta.ErrValidation,
			"Run函数签名必须是 func(map[string]interface{}) (interface{}, error)")
	}
	return fn, nil
}
