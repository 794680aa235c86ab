package service

import (
	"errors"

	"llmchat/internal/auth"
)

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = auth.ErrSessionExpired
	ErrSessionInvalid     = auth.ErrSessionInvalid
	ErrNotFound           = errors.New("not found")
	ErrNotOwner           = errors.New("conversation belongs to another user")
	ErrValidation         = errors.New("validation failed")
)

// ValidationError 描述一次输入校验失败，Reason 可直接展示给用户。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Field + ": " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
