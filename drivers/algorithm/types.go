package algorithm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Context 限流上下文（独立类型，不依赖核心包）
type Context struct {
	Allowed    bool  // 是否允许请求
	Current    int64 // 当前计入的请求数
	Limit      int64 // 限流阈值
	Remaining  int64 // 剩余配额
	Reset      int64 // 重置时间戳
	ResetIn    int64 // 距离重置的秒数
	RetryAfter int64 // 建议重试时间（秒）
}

// Store 存储接口（algorithm包需要的最小接口）
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeScores(ctx context.Context, key string, start, stop int64) ([]float64, error)
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// Strategy 限流算法接口
type Strategy interface {
	// Allow 检查key是否允许一次请求
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Context, error)
	// Reset 删除key的全部状态
	Reset(ctx context.Context, key string) error
	// ResetAll 删除命名空间内匹配pattern的全部状态
	ResetAll(ctx context.Context, pattern string) error
}

// Option 算法选项
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock 指定时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// escapeGlob 转义glob元字符，按字面值匹配key
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

// deleteMatching 删除所有匹配pattern的键
func deleteMatching(ctx context.Context, store Store, patterns ...string) error {
	for _, pattern := range patterns {
		keys, err := store.Keys(ctx, pattern)
		if err != nil {
			return fmt.Errorf("列出键失败: %w", err)
		}
		if len(keys) == 0 {
			continue
		}
		if err := store.Del(ctx, keys...); err != nil {
			return fmt.Errorf("删除键失败: %w", err)
		}
	}
	return nil
}

// checkArgs 校验阈值和窗口
func checkArgs(limit int64, window time.Duration) error {
	if window < time.Millisecond {
		return fmt.Errorf("无效的时间窗口: %v", window)
	}
	if limit < 0 {
		return fmt.Errorf("无效的限流阈值: %d", limit)
	}
	return nil
}

// ceilSeconds 毫秒向上取整为秒
func ceilSeconds(ms float64) int64 {
	if ms <= 0 {
		return 0
	}
	return int64(math.Ceil(ms / 1000))
}

func remainingOf(limit, current int64) int64 {
	if current >= limit {
		return 0
	}
	return limit - current
}

func atLeastOne(seconds int64) int64 {
	if seconds < 1 {
		return 1
	}
	return seconds
}
