/*
 * @module service/adapter/rest
 * @description 通用REST适配器，按集成连接配置访问对端的HTTP记录接口。
 *              MES本地侧和不落厂商SDK的ERP侧都可用它接入
 * @architecture 适配器模式 - HTTP JSON记录接口的统一封装
 * @documentReference ai_docs/mes_erp_sync_design.md 第6节
 * @stateFlow 连接测试 -> 按实体类型拉取/推送记录
 * @rules 非2xx响应归类为连接错误；所有请求受超时约束并透传context；
 *        连接配置中的加密凭据在适配器构造时解密，出站请求携带明文凭据
 * @dependencies net/http, github.com/spf13/cast, service/utils
 * @refs adapter.go, service/models/integration.go
 */

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cast"

	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/utils"
)

// SystemKindGenericREST 通用REST目标系统类型
const SystemKindGenericREST = "generic_rest"

// RESTAdapter 通用REST记录接口适配器
type RESTAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTAdapter 从集成连接配置创建REST适配器。
// api_key落库时是加密的，这里解密后才能作为凭据发往对端
func NewRESTAdapter(integration *models.Integration, crypto *utils.CryptoUtils) (ERPAdapter, error) {
	baseURL := cast.ToString(integration.ConnectionConfig["base_url"])
	if baseURL == "" {
		return nil, meta.NewSyncError(meta.ErrValidation, "连接配置缺少base_url")
	}
	timeout := cast.ToInt(integration.ConnectionConfig["timeout_seconds"])
	if timeout <= 0 {
		timeout = 30
	}

	apiKey := cast.ToString(integration.ConnectionConfig["api_key"])
	if crypto != nil {
		decrypted, err := crypto.DecryptMarked(apiKey)
		if err != nil {
			return nil, meta.WrapSyncError(meta.ErrValidation, "解密连接凭据失败", err)
		}
		apiKey = decrypted
	}

	return &RESTAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}, nil
}

// NewRESTSource 直接按地址创建REST记录源，用于MES本地侧接入
func NewRESTSource(baseURL, apiKey string) *RESTAdapter {
	return &RESTAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterDefaults 注册内置适配器工厂
func RegisterDefaults(registry *Registry, crypto *utils.CryptoUtils) {
	registry.RegisterFactory(SystemKindGenericREST, func(integration *models.Integration) (ERPAdapter, error) {
		return NewRESTAdapter(integration, crypto)
	})
}

// TestConnection 探测对端健康端点并返回时延
func (a *RESTAdapter) TestConnection(ctx context.Context) (*ConnectionTestResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrValidation, "构造连接测试请求失败", err)
	}
	a.decorate(req)

	start := time.Now()
	resp, err := a.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &ConnectionTestResult{
			Connected: false,
			Latency:   latency,
			Message:   err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	result := &ConnectionTestResult{Latency: latency}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Connected = true
		result.Message = "ok"
	} else {
		result.Message = fmt.Sprintf("健康检查返回状态码%d", resp.StatusCode)
	}
	return result, nil
}

// FetchRecords 拉取记录：GET {base}/{entityType}，响应为JSON数组
func (a *RESTAdapter) FetchRecords(ctx context.Context, entityType string, filter *Filter) ([]Record, error) {
	endpoint := fmt.Sprintf("%s/%s", a.baseURL, entityType)
	query := url.Values{}
	if filter != nil {
		if filter.UpdatedAfter != nil {
			query.Set("updated_after", filter.UpdatedAfter.Format(time.RFC3339))
		}
		if filter.UpdatedBefore != nil {
			query.Set("updated_before", filter.UpdatedBefore.Format(time.RFC3339))
		}
		if filter.Limit > 0 {
			query.Set("limit", strconv.Itoa(filter.Limit))
		}
		for k, v := range filter.Extra {
			query.Set(k, cast.ToString(v))
		}
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrValidation, "构造拉取请求失败", err)
	}
	a.decorate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrConnection, "拉取记录请求失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, meta.NewSyncError(meta.ErrConnection,
			fmt.Sprintf("拉取记录返回状态码%d", resp.StatusCode))
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, meta.WrapSyncError(meta.ErrConnection, "解析记录响应失败", err)
	}
	return records, nil
}

// PushRecord 推送记录：POST {base}/{entityType}
func (a *RESTAdapter) PushRecord(ctx context.Context, entityType string, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return meta.WrapSyncError(meta.ErrValidation, "序列化记录失败", err)
	}

	endpoint := fmt.Sprintf("%s/%s", a.baseURL, entityType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return meta.WrapSyncError(meta.ErrValidation, "构造推送请求失败", err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.decorate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return meta.WrapSyncError(meta.ErrConnection, "推送记录请求失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return meta.NewSyncError(meta.ErrConnection,
			fmt.Sprintf("推送记录返回状态码%d", resp.StatusCode))
	}
	return nil
}

func (a *RESTAdapter) decorate(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}
