package algorithm

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// NamespaceSlidingCounter 滑动窗口计数器键前缀
const NamespaceSlidingCounter = "swc"

// SlidingWindowCounterLimiter 滑动窗口计数器限流器
//
// 按窗口长度切分固定桶，只保存当前桶和上一个桶的计数，
// 用上一个桶按剩余比例加权估算滑动窗口内的请求数。
type SlidingWindowCounterLimiter struct {
	store Store
	now   func() time.Time
}

// NewSlidingWindowCounterLimiter 创建滑动窗口计数器限流器
func NewSlidingWindowCounterLimiter(store Store, opts ...Option) *SlidingWindowCounterLimiter {
	o := newOptions(opts)
	return &SlidingWindowCounterLimiter{
		store: store,
		now:   o.now,
	}
}

// bucketKey swc:<bucket>:<key>
func (l *SlidingWindowCounterLimiter) bucketKey(bucket int64, key string) string {
	return NamespaceSlidingCounter + ":" + strconv.FormatInt(bucket, 10) + ":" + key
}

func (l *SlidingWindowCounterLimiter) count(ctx context.Context, key string) (int64, error) {
	val, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 0, nil
	}
	return strconv.ParseInt(val, 10, 64)
}

// Allow 检查是否允许请求
func (l *SlidingWindowCounterLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Context, error) {
	if err := checkArgs(limit, window); err != nil {
		return nil, err
	}

	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()

	bucket := nowMs / windowMs
	elapsed := float64(nowMs%windowMs) / float64(windowMs)

	currentKey := l.bucketKey(bucket, key)
	current, err := l.count(ctx, currentKey)
	if err != nil {
		return nil, fmt.Errorf("读取当前窗口计数失败: %w", err)
	}
	previous, err := l.count(ctx, l.bucketKey(bucket-1, key))
	if err != nil {
		return nil, fmt.Errorf("读取上一窗口计数失败: %w", err)
	}

	estimate := current + int64(math.Ceil(float64(previous)*(1-elapsed)))

	allowed := estimate < limit
	if allowed {
		// 递增计数
		if _, err := l.store.Incr(ctx, currentKey); err != nil {
			return nil, fmt.Errorf("递增计数失败: %w", err)
		}
		if err := l.store.Expire(ctx, currentKey, 2*window); err != nil {
			return nil, fmt.Errorf("设置过期时间失败: %w", err)
		}
		estimate++
	}

	// 当前桶结束即为重置时间
	resetAtMs := (bucket + 1) * windowMs
	resetIn := ceilSeconds(float64(resetAtMs - nowMs))

	result := &Context{
		Allowed:   allowed,
		Current:   estimate,
		Limit:     limit,
		Remaining: remainingOf(limit, estimate),
		Reset:     now.Add(time.Duration(resetIn) * time.Second).Unix(),
		ResetIn:   resetIn,
	}
	if !allowed {
		result.RetryAfter = atLeastOne(resetIn)
	}
	return result, nil
}

// Reset 删除key所有桶的计数
//
// glob的*会跨过分隔符匹配到其他key，只删除桶号部分是整数的键。
func (l *SlidingWindowCounterLimiter) Reset(ctx context.Context, key string) error {
	prefix := NamespaceSlidingCounter + ":"
	suffix := ":" + key
	keys, err := l.store.Keys(ctx, prefix+"*"+escapeGlob(suffix))
	if err != nil {
		return fmt.Errorf("列出键失败: %w", err)
	}

	owned := make([]string, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || !strings.HasSuffix(k, suffix) || len(k) < len(prefix)+len(suffix) {
			continue
		}
		bucket := k[len(prefix) : len(k)-len(suffix)]
		if _, err := strconv.ParseInt(bucket, 10, 64); err == nil {
			owned = append(owned, k)
		}
	}
	if len(owned) == 0 {
		return nil
	}
	if err := l.store.Del(ctx, owned...); err != nil {
		return fmt.Errorf("重置失败: %w", err)
	}
	return nil
}

// ResetAll 删除所有匹配pattern的计数
func (l *SlidingWindowCounterLimiter) ResetAll(ctx context.Context, pattern string) error {
	return deleteMatching(ctx, l.store, NamespaceSlidingCounter+":*:"+pattern)
}
