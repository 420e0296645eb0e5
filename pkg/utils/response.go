package utils

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/notify"
)

// APIResponse 标准API响应结构
type APIResponse struct {
	Success bool            `json:"success"`
	Data    interface{}     `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
	Notices []notify.Notice `json:"notices,omitempty"`
}

// APIError 错误信息结构
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// maxBodyBytes 请求体大小上限
const maxBodyBytes = 1 << 20

// WriteJSONResponse 写入JSON响应
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}, notices []notify.Notice) {
	writeEnvelope(w, statusCode, APIResponse{
		Success: statusCode >= 200 && statusCode < 300,
		Data:    data,
		Notices: notices,
	})
}

// WriteSuccessResponse 写入成功响应
func WriteSuccessResponse(w http.ResponseWriter, data interface{}, notices []notify.Notice) {
	WriteJSONResponse(w, http.StatusOK, data, notices)
}

// WriteCreatedResponse 写入创建成功响应
func WriteCreatedResponse(w http.ResponseWriter, data interface{}, notices []notify.Notice) {
	WriteJSONResponse(w, http.StatusCreated, data, notices)
}

// WriteErrorResponseWithCode 写入带错误代码的错误响应
func WriteErrorResponseWithCode(w http.ResponseWriter, statusCode int, code, message, details string, notices []notify.Notice) {
	writeEnvelope(w, statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Notices: notices,
	})
}

// WriteAppError maps err onto a status code and error envelope.
// Internal causes are never exposed; only the AppError message is.
func WriteAppError(w http.ResponseWriter, err error, notices []notify.Notice) {
	status := models.HTTPStatus(err)
	code := models.ErrorCode(err)
	message := "Internal server error"
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	WriteErrorResponseWithCode(w, status, code, message, "", notices)
}

// WriteBadRequestResponse 写入400错误响应
func WriteBadRequestResponse(w http.ResponseWriter, message string) {
	WriteErrorResponseWithCode(w, http.StatusBadRequest, "BAD_REQUEST", message, "", nil)
}

// WriteUnauthorizedResponse 写入401错误响应
func WriteUnauthorizedResponse(w http.ResponseWriter, message string) {
	WriteErrorResponseWithCode(w, http.StatusUnauthorized, models.CodeUnauthenticated, message, "", nil)
}

// WriteNotFoundResponse 写入404错误响应
func WriteNotFoundResponse(w http.ResponseWriter, message string) {
	WriteErrorResponseWithCode(w, http.StatusNotFound, models.CodeNotFound, message, "", nil)
}

// WriteInternalServerErrorResponse 写入500错误响应
func WriteInternalServerErrorResponse(w http.ResponseWriter, message string) {
	WriteErrorResponseWithCode(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", message, "", nil)
}

func writeEnvelope(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// 头已写出，编码失败时无法再改状态码
	_ = json.NewEncoder(w).Encode(response)
}

// ParseJSONBody 解析JSON请求体（限制大小，拒绝未知字段）
func ParseJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}

// ReadBody 读取原始请求体（限制大小）
func ReadBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, models.NewValidationError("failed to read request body")
	}
	return data, nil
}

// GetQueryParam 获取查询参数，如果不存在则返回默认值
func GetQueryParam(r *http.Request, key, defaultValue string) string {
	if value := r.URL.Query().Get(key); value != "" {
		return value
	}
	return defaultValue
}
