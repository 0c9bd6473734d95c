package ratelimiter

import (
	"context"
	"time"
)

// StrategyType 限流算法类型
type StrategyType string

const (
	// StrategySlidingWindowLog 滑动窗口日志（最精确）
	StrategySlidingWindowLog StrategyType = "sliding_window_log"
	// StrategySlidingWindowCounter 滑动窗口计数器（O(1)内存，窗口边界近似）
	StrategySlidingWindowCounter StrategyType = "sliding_window_counter"
	// StrategyTokenBucket 令牌桶（允许突发）
	StrategyTokenBucket StrategyType = "token_bucket"
	// StrategyLeakyBucket 漏桶（平滑突发）
	StrategyLeakyBucket StrategyType = "leaky_bucket"
)

// Strategies 返回所有支持的算法
func Strategies() []StrategyType {
	return []StrategyType{
		StrategySlidingWindowLog,
		StrategySlidingWindowCounter,
		StrategyTokenBucket,
		StrategyLeakyBucket,
	}
}

// IsValid 检查算法是否有效
func (s StrategyType) IsValid() bool {
	switch s {
	case StrategySlidingWindowLog, StrategySlidingWindowCounter, StrategyTokenBucket, StrategyLeakyBucket:
		return true
	default:
		return false
	}
}

// Identifier 限流主体
type Identifier struct {
	// IP 客户端IP
	IP string `json:"ip"`
	// UserID 用户ID（为空表示匿名）
	UserID string `json:"userId,omitempty"`
	// Path 请求路径
	Path string `json:"path"`
	// Custom 自定义维度（可选）
	Custom string `json:"custom,omitempty"`
}

// RateLimitConfig 单个类别的限流配置
type RateLimitConfig struct {
	// Limit 窗口内允许的请求数，0表示禁止访问
	Limit int64 `json:"limit" yaml:"limit"`
	// Window 时间窗口
	Window time.Duration `json:"window" yaml:"window"`
	// BlockDuration 封禁时长（可选）
	BlockDuration time.Duration `json:"blockDuration,omitempty" yaml:"block_duration"`
}

// Forbidden 是否禁止访问
func (c RateLimitConfig) Forbidden() bool {
	return c.Limit <= 0
}

// Result 限流检查结果
type Result struct {
	// Allowed 是否允许通过
	Allowed bool `json:"allowed"`
	// Current 当前窗口内已计入的请求数
	Current int64 `json:"current"`
	// Limit 限流阈值
	Limit int64 `json:"limit"`
	// Remaining 剩余配额
	Remaining int64 `json:"remaining"`
	// Reset 重置时间（Unix时间戳）
	Reset int64 `json:"resetAt"`
	// ResetIn 距离重置的秒数
	ResetIn int64 `json:"resetIn"`
	// RetryAfter 建议重试时间（秒），允许时为0
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

// Store 共享存储接口
//
// 所有实例通过同一个Store共享状态。Get在键不存在时返回空字符串；
// TTL在键不存在时返回负值。
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Keys 按glob模式列出键
	Keys(ctx context.Context, pattern string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRangeScores 按排名返回有序集合成员的分数
	ZRangeScores(ctx context.Context, key string, start, stop int64) ([]float64, error)

	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// PushCapped 追加到列表尾部并只保留最新的capacity个元素，整个操作原子完成
	PushCapped(ctx context.Context, key, value string, capacity int64, expiration time.Duration) error
}
