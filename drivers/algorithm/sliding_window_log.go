package algorithm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// NamespaceSlidingLog 滑动窗口日志键前缀
	NamespaceSlidingLog  = "swl"
	// slidingLogTTLPadding 日志键的额外存活时间
	slidingLogTTLPadding = 10 * time.Second
)

// SlidingWindowLogLimiter 滑动窗口日志限流器
//
// 每个请求记录一条时间戳，精确但内存占用与窗口内请求数成正比。
type SlidingWindowLogLimiter struct {
	store Store
	now   func() time.Time
}

// NewSlidingWindowLogLimiter 创建滑动窗口日志限流器
func NewSlidingWindowLogLimiter(store Store, opts ...Option) *SlidingWindowLogLimiter {
	o := newOptions(opts)
	return &SlidingWindowLogLimiter{
		store: store,
		now:   o.now,
	}
}

func (l *SlidingWindowLogLimiter) key(key string) string {
	return NamespaceSlidingLog + ":" + key
}

// Allow 检查是否允许请求
func (l *SlidingWindowLogLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Context, error) {
	if err := checkArgs(limit, window); err != nil {
		return nil, err
	}

	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	k := l.key(key)

	// 删除窗口之外的记录
	if err := l.store.ZRemRangeByScore(ctx, k, 0, float64(nowMs-windowMs)); err != nil {
		return nil, fmt.Errorf("删除过期记录失败: %w", err)
	}

	// 统计当前窗口内的请求数
	count, err := l.store.ZCard(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("统计请求数失败: %w", err)
	}

	allowed := count < limit
	if allowed {
		// 成员带唯一标记，避免同一毫秒内的请求互相覆盖
		member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())
		if err := l.store.ZAdd(ctx, k, float64(nowMs), member); err != nil {
			return nil, fmt.Errorf("添加请求记录失败: %w", err)
		}
		if err := l.store.Expire(ctx, k, window+slidingLogTTLPadding); err != nil {
			return nil, fmt.Errorf("设置过期时间失败: %w", err)
		}
		count++
	}

	// 最早一条记录滑出窗口的时间
	resetAtMs := nowMs + windowMs
	scores, err := l.store.ZRangeScores(ctx, k, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("获取最早记录失败: %w", err)
	}
	if len(scores) > 0 {
		resetAtMs = int64(scores[0]) + windowMs
	}
	resetIn := ceilSeconds(float64(resetAtMs - nowMs))

	result := &Context{
		Allowed:   allowed,
		Current:   count,
		Limit:     limit,
		Remaining: remainingOf(limit, count),
		Reset:     now.Add(time.Duration(resetIn) * time.Second).Unix(),
		ResetIn:   resetIn,
	}
	if !allowed {
		result.RetryAfter = atLeastOne(resetIn)
	}
	return result, nil
}

// Reset 删除key的全部记录
func (l *SlidingWindowLogLimiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Del(ctx, l.key(key)); err != nil {
		return fmt.Errorf("重置失败: %w", err)
	}
	return nil
}

// ResetAll 删除所有匹配pattern的记录
func (l *SlidingWindowLogLimiter) ResetAll(ctx context.Context, pattern string) error {
	return deleteMatching(ctx, l.store, l.key(pattern))
}
