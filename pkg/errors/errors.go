package errors

import (
	stderrors "errors"
	"fmt"
)

// ========== 错误码常量定义 ==========

// CodeSuccess 成功码
const (
	CodeSuccess = 200
)

// HTTP层错误码
const (
	CodeInvalidParam     = 400
	CodeUnauthorized     = 401
	CodeForbidden        = 403
	CodeNotFound         = 404
	CodeConflict         = 409
	CodeServerError      = 500
	CodeExternalProvider = 502
)

// Kind 错误类别，决定调用方的处理方式
type Kind string

const (
	KindValidation       Kind = "validation"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindExternalProvider Kind = "external_provider"
	KindInvariant        Kind = "invariant"
	KindInternal         Kind = "internal"
)

// AppError 业务错误
type AppError struct {
	Kind    Kind
	Code    string // 稳定的机器可读错误名，如 DuplicateSignature
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误名匹配，使 errors.Is(err, ErrDuplicateSignature) 对带上下文的副本同样成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

// HTTPCode 错误类别对应的响应码
func (e *AppError) HTTPCode() int {
	switch e.Kind {
	case KindValidation:
		return CodeInvalidParam
	case KindConflict:
		return CodeConflict
	case KindNotFound:
		return CodeNotFound
	case KindExternalProvider:
		return CodeExternalProvider
	default:
		return CodeServerError
	}
}

// With 复制错误并附加说明
func (e *AppError) With(format string, args ...interface{}) *AppError {
	return &AppError{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

// Wrap 复制错误并附加底层原因
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: err}
}

func newError(kind Kind, code, message string) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message}
}

// ========== 领域错误 ==========

var (
	ErrValidation              = newError(KindValidation, "ValidationError", "参数错误")
	ErrInvalidSignature        = newError(KindValidation, "InvalidSignature", "签名验证失败")
	ErrInvalidAmount           = newError(KindValidation, "InvalidAmount", "金额无效")
	ErrInvalidStatusTransition = newError(KindValidation, "InvalidStatusTransition", "不允许的状态变更")
	ErrLeaseNotEnded           = newError(KindValidation, "LeaseNotEnded", "租约尚未到期")

	ErrDuplicateSignature       = newError(KindConflict, "DuplicateSignature", "该角色已签署")
	ErrObligationAlreadySettled = newError(KindConflict, "ObligationAlreadySettled", "付款义务已在处理或已完成")
	ErrLeaseTerminal            = newError(KindConflict, "LeaseTerminal", "租约已结束")

	ErrLeaseNotFound      = newError(KindNotFound, "LeaseNotFound", "租约不存在")
	ErrObligationNotFound = newError(KindNotFound, "ObligationNotFound", "付款义务不存在")
	ErrUserNotFound       = newError(KindNotFound, "UserNotFound", "用户不存在")

	ErrExternalProvider   = newError(KindExternalProvider, "ExternalProviderError", "支付网络请求失败")
	ErrInvariantViolation = newError(KindInvariant, "InvariantViolation", "租约激活事务失败")
	ErrInternal           = newError(KindInternal, "InternalError", "服务器内部错误")
)

// Validation 构造参数错误
func Validation(format string, args ...interface{}) *AppError {
	return ErrValidation.With(format, args...)
}

// As 提取 AppError，非业务错误归为内部错误
func As(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return ErrInternal.Wrap(err)
}

// IsKind 判断错误类别
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Kind == kind
}
