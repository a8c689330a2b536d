package controller

import "errors"

var (
	// ErrUnknownLabel 标签不由该控制器负责
	ErrUnknownLabel = errors.New("label not served by controller")

	// ErrNotReady 标签 fleet 的栈尚未创建完成
	ErrNotReady = errors.New("fleet not ready")

	// ErrUnknownController 控制器不存在
	ErrUnknownController = errors.New("controller not found")
)
