/*
 * @module api/controllers/response
 * @description 统一API响应结构与错误码到HTTP状态的映射
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/mes_erp_sync_design.md 第7节
 * @stateFlow 服务层错误 -> 错误码映射 -> HTTP响应
 * @rules 错误响应必须携带稳定错误码，前端按错误码而非消息文本做分支
 * @dependencies github.com/go-chi/render
 * @refs service/meta/errors.go
 */

package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"mes-sync-service/service/meta"
)

// APIResponse 统一API响应结构
type APIResponse struct {
	Status    int         `json:"status" example:"0"`
	Msg       string      `json:"msg" example:"操作成功"`
	Error     string      `json:"error,omitempty" example:"VALIDATION_ERROR"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Status    int         `json:"status" example:"0"`
	Msg       string      `json:"msg" example:"操作成功"`
	Data      interface{} `json:"data"`
	Total     int64       `json:"total" example:"100"`
	Limit     int         `json:"limit" example:"20"`
	Offset    int         `json:"offset" example:"0"`
	Timestamp time.Time   `json:"timestamp"`
}

// SuccessResponse 成功响应
func SuccessResponse(msg string, data interface{}) APIResponse {
	return APIResponse{Status: 0, Msg: msg, Data: data, Timestamp: time.Now()}
}

// PagedResponse 分页成功响应
func PagedResponse(msg string, data interface{}, total int64, limit, offset int) PaginatedResponse {
	return PaginatedResponse{
		Status: 0, Msg: msg, Data: data,
		Total: total, Limit: limit, Offset: offset,
		Timestamp: time.Now(),
	}
}

// ErrorResponse 指定HTTP状态的错误响应
func ErrorResponse(status int, msg string, err error) APIResponse {
	resp := APIResponse{Status: status, Msg: msg, Timestamp: time.Now()}
	if err != nil {
		resp.Error = string(meta.CodeOf(err))
		resp.Data = err.Error()
	}
	return resp
}

// BadRequestResponse 400错误响应
func BadRequestResponse(msg string, err error) APIResponse {
	return ErrorResponse(http.StatusBadRequest, msg, err)
}

// NotFoundResponse 404错误响应
func NotFoundResponse(msg string, err error) APIResponse {
	return ErrorResponse(http.StatusNotFound, msg, err)
}

// ConflictResponse 409错误响应
func ConflictResponse(msg string, err error) APIResponse {
	return ErrorResponse(http.StatusConflict, msg, err)
}

// InternalErrorResponse 500错误响应
func InternalErrorResponse(msg string, err error) APIResponse {
	return ErrorResponse(http.StatusInternalServerError, msg, err)
}

// httpStatusOf 错误码到HTTP状态码的映射
func httpStatusOf(code meta.ErrorCode) int {
	switch code {
	case meta.ErrValidation:
		return http.StatusBadRequest
	case meta.ErrNotFound:
		return http.StatusNotFound
	case meta.ErrConcurrencyConflict:
		return http.StatusConflict
	case meta.ErrMappingIncomplete:
		return http.StatusUnprocessableEntity
	case meta.ErrConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RenderError 按服务层错误码渲染HTTP错误响应
func RenderError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	se := meta.AsSyncError(err)
	status := httpStatusOf(se.Code)
	render.Status(r, status)
	resp := APIResponse{
		Status: status, Msg: msg,
		Error: string(se.Code), Data: se.Message,
		Timestamp: time.Now(),
	}
	if len(se.Details) > 0 {
		resp.Data = map[string]interface{}{"message": se.Message, "details": se.Details}
	}
	render.JSON(w, r, resp)
}
