package swaperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind 标识错误所属的分类。
type Kind string

const (
	KindInputInvalid           Kind = "input_invalid"
	KindQuoteUnavailable       Kind = "quote_unavailable"
	KindQuoteExpired           Kind = "quote_expired"
	KindAllowanceCheckFailed   Kind = "allowance_check_failed"
	KindApprovalRejectedByUser Kind = "approval_rejected_by_user"
	KindApprovalFailed         Kind = "approval_failed"
	KindSigningRejectedByUser  Kind = "signing_rejected_by_user"
	KindSigningFailed          Kind = "signing_failed"
	KindSubmissionRejected     Kind = "submission_rejected"
	KindNetworkError           Kind = "network_error"
	KindInternal               Kind = "internal"
)

// Error 是带分类的业务错误，Message 面向调用方展示。
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, &Error{Kind: k}) 按分类匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// New 构造指定分类的错误。
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Retryable: kind == KindNetworkError}
}

// Wrap 以指定分类包装底层错误，err 为 nil 时返回 nil。
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Retryable: kind == KindNetworkError, Err: err}
}

// WrapRetryable 与 Wrap 相同，但标记为可重试。
func WrapRetryable(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Retryable: true, Err: err}
}

// KindOf 提取错误分类，未分类的错误视为 Internal，上下文取消视为 NetworkError。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkError
	}
	return KindInternal
}

// Marker 返回仅含分类的哨兵值，供 errors.Is 使用。
func Marker(kind Kind) error {
	return &Error{Kind: kind}
}

// IsKind 判断错误是否属于指定分类。
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsUserRejection 判断错误是否由用户主动拒绝引起。
func IsUserRejection(err error) bool {
	switch KindOf(err) {
	case KindApprovalRejectedByUser, KindSigningRejectedByUser:
		return true
	default:
		return false
	}
}

// IsRetryable 判断错误是否可由调用方安全重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
