package inference

import "errors"

// 网关失败分类，编排层据此给出不同的用户提示。
var (
	ErrBackendUnreachable = errors.New("inference backend unreachable")
	ErrModelNotFound      = errors.New("model not found on backend")
	ErrBackendError       = errors.New("inference backend error")
	ErrTimeout            = errors.New("inference backend timed out")
)
