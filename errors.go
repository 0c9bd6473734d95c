package ratelimiter

import (
	"errors"
	"fmt"
)

// ErrInvalidIdentifier 标识缺少必要字段
var ErrInvalidIdentifier = errors.New("无效的限流标识: ip和path不能同时为空")

// ConfigurationError 配置错误（如未知算法、非法窗口）
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("配置错误 %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("配置错误 %s=%q: %s", e.Field, e.Value, e.Reason)
}

// StoreUnavailableError 共享存储不可用
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("存储不可用(%s): %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IsConfigurationError 判断是否为配置错误
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsStoreUnavailable 判断是否为存储不可用错误
func IsStoreUnavailable(err error) bool {
	var se *StoreUnavailableError
	return errors.As(err, &se)
}
