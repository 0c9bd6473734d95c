package algorithm

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// NamespaceLeakyBucket 漏桶键前缀
const NamespaceLeakyBucket = "lb"

// LeakyBucketLimiter 漏桶限流器
//
// 队列按 limit/window 的恒定速率漏出，队列长度不超过limit。
type LeakyBucketLimiter struct {
	store Store
	now   func() time.Time
}

// NewLeakyBucketLimiter 创建漏桶限流器
func NewLeakyBucketLimiter(store Store, opts ...Option) *LeakyBucketLimiter {
	o := newOptions(opts)
	return &LeakyBucketLimiter{
		store: store,
		now:   o.now,
	}
}

func (l *LeakyBucketLimiter) queueKey(key string) string {
	return NamespaceLeakyBucket + ":queue:" + key
}

func (l *LeakyBucketLimiter) leakKey(key string) string {
	return NamespaceLeakyBucket + ":ts:" + key
}

func (l *LeakyBucketLimiter) lastLeak(ctx context.Context, key string, nowMs int64) (int64, error) {
	raw, err := l.store.Get(ctx, l.leakKey(key))
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return nowMs, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// Allow 检查是否允许请求
func (l *LeakyBucketLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Context, error) {
	if err := checkArgs(limit, window); err != nil {
		return nil, err
	}

	now := l.now()
	nowMs := now.UnixMilli()
	// 每毫秒漏出的请求数
	rate := float64(limit) / float64(window.Milliseconds())
	qk := l.queueKey(key)

	last, err := l.lastLeak(ctx, key, nowMs)
	if err != nil {
		return nil, fmt.Errorf("读取漏出时间失败: %w", err)
	}
	size, err := l.store.LLen(ctx, qk)
	if err != nil {
		return nil, fmt.Errorf("读取队列长度失败: %w", err)
	}

	// 漏出队首的请求
	var leaked int64
	if elapsed := nowMs - last; elapsed > 0 {
		leaked = int64(math.Floor(float64(elapsed)*rate + 1e-9))
	}
	if leaked > size {
		leaked = size
	}
	if leaked > 0 {
		if err := l.store.LTrim(ctx, qk, leaked, -1); err != nil {
			return nil, fmt.Errorf("漏出请求失败: %w", err)
		}
		size -= leaked
		last += int64(float64(leaked) / rate)
	}
	// 空桶不积累漏出额度
	if size == 0 {
		last = nowMs
	}

	allowed := size < limit
	ttl := 2 * window
	if allowed {
		if _, err := l.store.RPush(ctx, qk, strconv.FormatInt(nowMs, 10)); err != nil {
			return nil, fmt.Errorf("请求入队失败: %w", err)
		}
		if err := l.store.Expire(ctx, qk, ttl); err != nil {
			return nil, fmt.Errorf("设置过期时间失败: %w", err)
		}
		size++
	}
	if err := l.store.Set(ctx, l.leakKey(key), strconv.FormatInt(last, 10), ttl); err != nil {
		return nil, fmt.Errorf("保存漏出时间失败: %w", err)
	}

	// 队列完全漏空所需时间
	var resetIn int64
	if rate > 0 {
		resetIn = ceilSeconds(float64(size)/rate - float64(nowMs-last))
	}

	result := &Context{
		Allowed:   allowed,
		Current:   size,
		Limit:     limit,
		Remaining: remainingOf(limit, size),
		Reset:     now.Add(time.Duration(resetIn) * time.Second).Unix(),
		ResetIn:   resetIn,
	}
	if !allowed {
		// 下一个请求漏出的时间
		var wait int64
		if rate > 0 {
			wait = ceilSeconds(1/rate - float64(nowMs-last))
		} else {
			wait = ceilSeconds(float64(window.Milliseconds()))
		}
		result.RetryAfter = atLeastOne(wait)
	}
	return result, nil
}

// Reset 删除key的队列和漏出时间
func (l *LeakyBucketLimiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Del(ctx, l.queueKey(key), l.leakKey(key)); err != nil {
		return fmt.Errorf("重置失败: %w", err)
	}
	return nil
}

// ResetAll 删除所有匹配pattern的漏桶
func (l *LeakyBucketLimiter) ResetAll(ctx context.Context, pattern string) error {
	return deleteMatching(ctx, l.store, l.queueKey(pattern), l.leakKey(pattern))
}
