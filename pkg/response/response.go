package response

import (
	"net/http"

	"rentflow/pkg/errors"
	"rentflow/pkg/pagination"

	"github.com/gin-gonic/gin"
)

// Response 统一返回格式
type Response struct {
	Success  bool                 `json:"success"`
	Data     interface{}          `json:"data,omitempty"`
	Error    *ErrorBody           `json:"error,omitempty"`
	PageInfo *pagination.PageInfo `json:"page_info,omitempty"`
}

// ErrorBody 错误详情
type ErrorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ========== 基础返回方法 ==========

// Success 成功返回
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// SuccessWithPage 分页成功返回
func SuccessWithPage(c *gin.Context, data interface{}, pageInfo *pagination.PageInfo) {
	c.JSON(http.StatusOK, Response{
		Success:  true,
		Data:     data,
		PageInfo: pageInfo,
	})
}

// Error 通用错误返回
func Error(c *gin.Context, status int, code string, kind errors.Kind, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &ErrorBody{
			Code:    code,
			Kind:    string(kind),
			Message: message,
		},
	})
}

// FromError 按业务错误类别返回
func FromError(c *gin.Context, err error) {
	appErr := errors.As(err)
	message := appErr.Message
	if appErr.Kind == errors.KindInternal || appErr.Kind == errors.KindInvariant {
		// 内部错误不向调用方暴露细节
		_ = c.Error(err)
	} else if appErr.Err != nil {
		message = appErr.Message + ": " + appErr.Err.Error()
	}
	Error(c, appErr.HTTPCode(), appErr.Code, appErr.Kind, message)
}

// ========== HTTP错误快捷方法 ==========

func BadRequest(c *gin.Context, message string) {
	Error(c, errors.CodeInvalidParam, errors.ErrValidation.Code, errors.KindValidation, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, errors.CodeUnauthorized, "Unauthorized", errors.KindValidation, message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, errors.CodeForbidden, "Forbidden", errors.KindValidation, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, errors.CodeNotFound, "NotFound", errors.KindNotFound, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, errors.CodeServerError, errors.ErrInternal.Code, errors.KindInternal, message)
}
