package algorithm

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// NamespaceTokenBucket 令牌桶键前缀
const NamespaceTokenBucket = "tb"

// TokenBucketLimiter 令牌桶限流器
//
// 桶容量等于limit，每秒补充 limit/window 个令牌。
type TokenBucketLimiter struct {
	store Store
	now   func() time.Time
}

// NewTokenBucketLimiter 创建令牌桶限流器
func NewTokenBucketLimiter(store Store, opts ...Option) *TokenBucketLimiter {
	o := newOptions(opts)
	return &TokenBucketLimiter{
		store: store,
		now:   o.now,
	}
}

func (l *TokenBucketLimiter) tokensKey(key string) string {
	return NamespaceTokenBucket + ":tokens:" + key
}

func (l *TokenBucketLimiter) refillKey(key string) string {
	return NamespaceTokenBucket + ":ts:" + key
}

// load 读取令牌数和上次补充时间，首次使用时桶是满的
func (l *TokenBucketLimiter) load(ctx context.Context, key string, limit int64, nowMs int64) (float64, int64, error) {
	rawTokens, err := l.store.Get(ctx, l.tokensKey(key))
	if err != nil {
		return 0, 0, err
	}
	if rawTokens == "" {
		return float64(limit), nowMs, nil
	}
	tokens, err := strconv.ParseFloat(rawTokens, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("令牌数格式错误: %w", err)
	}

	rawRefill, err := l.store.Get(ctx, l.refillKey(key))
	if err != nil {
		return 0, 0, err
	}
	if rawRefill == "" {
		return tokens, nowMs, nil
	}
	lastRefill, err := strconv.ParseInt(rawRefill, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("补充时间格式错误: %w", err)
	}
	return tokens, lastRefill, nil
}

// Allow 检查是否允许请求
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Context, error) {
	if err := checkArgs(limit, window); err != nil {
		return nil, err
	}

	now := l.now()
	nowMs := now.UnixMilli()
	// 每毫秒补充的令牌数
	rate := float64(limit) / float64(window.Milliseconds())

	tokens, lastRefill, err := l.load(ctx, key, limit, nowMs)
	if err != nil {
		return nil, fmt.Errorf("读取令牌桶失败: %w", err)
	}

	// 计算新增的令牌数
	if elapsed := nowMs - lastRefill; elapsed > 0 {
		tokens = math.Min(float64(limit), tokens+float64(elapsed)*rate)
	}

	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	// 只保存整数令牌，补充时间回拨被舍弃的小数部分，补充进度不会丢失
	stored := math.Floor(tokens)
	refillAt := nowMs
	if rate > 0 {
		refillAt = nowMs - int64((tokens-stored)/rate)
	}

	ttl := 2 * window
	if err := l.store.Set(ctx, l.tokensKey(key), strconv.FormatInt(int64(stored), 10), ttl); err != nil {
		return nil, fmt.Errorf("保存令牌数失败: %w", err)
	}
	if err := l.store.Set(ctx, l.refillKey(key), strconv.FormatInt(refillAt, 10), ttl); err != nil {
		return nil, fmt.Errorf("保存补充时间失败: %w", err)
	}

	remaining := int64(stored)
	var resetIn int64
	if rate > 0 {
		// 桶重新装满所需时间
		resetIn = ceilSeconds((float64(limit) - tokens) / rate)
	}

	result := &Context{
		Allowed:   allowed,
		Current:   limit - remaining,
		Limit:     limit,
		Remaining: remaining,
		Reset:     now.Add(time.Duration(resetIn) * time.Second).Unix(),
		ResetIn:   resetIn,
	}
	if !allowed {
		// 需要等待的时间 = (需要的令牌数 - 当前令牌数) / 速率
		var wait int64
		if rate > 0 {
			wait = ceilSeconds((1 - tokens) / rate)
		} else {
			wait = ceilSeconds(float64(window.Milliseconds()))
		}
		result.RetryAfter = atLeastOne(wait)
	}
	return result, nil
}

// Reset 删除key的令牌桶状态
func (l *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Del(ctx, l.tokensKey(key), l.refillKey(key)); err != nil {
		return fmt.Errorf("重置失败: %w", err)
	}
	return nil
}

// ResetAll 删除所有匹配pattern的令牌桶
func (l *TokenBucketLimiter) ResetAll(ctx context.Context, pattern string) error {
	return deleteMatching(ctx, l.store, l.tokensKey(pattern), l.refillKey(pattern))
}
