package fleet

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration fleet/身份无法解析，本周期致命，需要人工处理
	ErrConfiguration = errors.New("fleet configuration error")

	// ErrTransientProvider 提供方限流或暂时不可用
	ErrTransientProvider = errors.New("transient provider error")

	// ErrBackendNotRegistered 注册表中没有对应的 Backend
	ErrBackendNotRegistered = errors.New("fleet backend not registered")
)

// ConfigurationError 指明无法解析的 fleet
type ConfigurationError struct {
	Identity Identity
	Err      error
}

// Error 实现 error 接口
func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fleet %s does not resolve", e.Identity)
	}
	return fmt.Sprintf("fleet %s does not resolve: %v", e.Identity, e.Err)
}

// Unwrap 支持 errors.Is(err, ErrConfiguration)
func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

// NewConfigurationError 创建配置错误
func NewConfigurationError(id Identity, cause error) error {
	return &ConfigurationError{Identity: id, Err: cause}
}

// IsConfiguration 是否为配置错误
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
