package ratelimiter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

const (
	// HistoryCapacity 每个标识保留的最近违规记录数
	HistoryCapacity = 100

	violationCountNamespace   = "violation:count"
	violationHistoryNamespace = "violation:history"
	banNamespace              = "ban"
)

// BanPolicy 封禁升级策略
type BanPolicy struct {
	MaxViolationsBeforeBan int64
	BaseBanDuration        time.Duration
	MaxBanDuration         time.Duration
	BackoffMultiplier      float64
	AutoBan                bool
}

// Validate 校验封禁策略
func (p BanPolicy) Validate() error {
	if p.MaxViolationsBeforeBan < 0 {
		return &ConfigurationError{Field: "max_violations_before_ban", Reason: "不能为负数"}
	}
	if p.BaseBanDuration < time.Second {
		return &ConfigurationError{Field: "base_ban_duration", Value: p.BaseBanDuration.String(), Reason: "至少为1秒"}
	}
	if p.MaxBanDuration < p.BaseBanDuration {
		return &ConfigurationError{Field: "max_ban_duration", Value: p.MaxBanDuration.String(), Reason: "不能小于基础封禁时长"}
	}
	// 倍数小于1会使封禁时长随违规次数递减
	if p.BackoffMultiplier < 1 {
		return &ConfigurationError{Field: "backoff_multiplier", Value: fmt.Sprint(p.BackoffMultiplier), Reason: "不能小于1"}
	}
	return nil
}

// CalculateBanDuration 计算封禁时长
//
// min(MaxBanDuration, BaseBanDuration × BackoffMultiplier^max(0, violations-MaxViolationsBeforeBan))
func (p BanPolicy) CalculateBanDuration(violations int64) time.Duration {
	excess := violations - p.MaxViolationsBeforeBan
	if excess < 0 {
		excess = 0
	}

	d := float64(p.BaseBanDuration) * math.Pow(p.BackoffMultiplier, float64(excess))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxBanDuration) {
		return p.MaxBanDuration
	}
	return time.Duration(d)
}

// ShouldBan 违规次数是否达到封禁条件
func (p BanPolicy) ShouldBan(violations int64) bool {
	return p.AutoBan && violations > p.MaxViolationsBeforeBan
}

// ViolationEntry 一条违规记录
type ViolationEntry struct {
	Timestamp      string `json:"timestamp"`
	UserID         string `json:"userId"`
	Path           string `json:"path"`
	ViolationCount int64  `json:"violationCount"`
}

// BanRecord 封禁记录，键存在即表示处于封禁状态
type BanRecord struct {
	BannedAt        string `json:"bannedAt"`
	DurationSeconds int64  `json:"durationSeconds"`
}

// violationTracker 违规计数与封禁
type violationTracker struct {
	store Store
	now   func() time.Time

	mu     sync.RWMutex
	policy BanPolicy
}

func newViolationTracker(store Store, policy BanPolicy, now func() time.Time) *violationTracker {
	return &violationTracker{
		store:  store,
		now:    now,
		policy: policy,
	}
}

func (t *violationTracker) banPolicy() BanPolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.policy
}

func (t *violationTracker) setBanPolicy(policy BanPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy = policy
}

func countKey(key string) string   { return violationCountNamespace + ":" + key }
func historyKey(key string) string { return violationHistoryNamespace + ":" + key }
func banKey(key string) string     { return banNamespace + ":" + key }

// record 记录一次违规，返回当前违规次数和距上次违规的间隔（首次为0）
func (t *violationTracker) record(ctx context.Context, id Identifier, window time.Duration) (int64, time.Duration, error) {
	key := id.Key()
	now := t.now()

	count, err := t.store.Incr(ctx, countKey(key))
	if err != nil {
		return 0, 0, fmt.Errorf("递增违规计数失败: %w", err)
	}
	if err := t.store.Expire(ctx, countKey(key), 2*window); err != nil {
		return 0, 0, fmt.Errorf("设置违规计数过期时间失败: %w", err)
	}

	var sinceLast time.Duration
	last, err := t.store.LRange(ctx, historyKey(key), -1, -1)
	if err != nil {
		return 0, 0, fmt.Errorf("读取违规记录失败: %w", err)
	}
	if len(last) == 1 {
		var prev ViolationEntry
		if json.Unmarshal([]byte(last[0]), &prev) == nil {
			if at, err := time.Parse(time.RFC3339Nano, prev.Timestamp); err == nil && now.After(at) {
				sinceLast = now.Sub(at)
			}
		}
	}

	userID := id.UserID
	if userID == "" {
		userID = anonymousUser
	}
	entry, err := json.Marshal(ViolationEntry{
		Timestamp:      now.UTC().Format(time.RFC3339Nano),
		UserID:         userID,
		Path:           id.Path,
		ViolationCount: count,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("序列化违规记录失败: %w", err)
	}

	// 历史记录至少保留到可能的最长封禁结束
	historyTTL := 2 * window
	if maxBan := t.banPolicy().MaxBanDuration; maxBan > historyTTL {
		historyTTL = maxBan
	}
	if err := t.store.PushCapped(ctx, historyKey(key), string(entry), HistoryCapacity, historyTTL); err != nil {
		return 0, 0, fmt.Errorf("写入违规记录失败: %w", err)
	}

	return count, sinceLast, nil
}

// violations 获取违规次数
func (t *violationTracker) violations(ctx context.Context, id Identifier) (int64, error) {
	raw, err := t.store.Get(ctx, countKey(id.Key()))
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// history 获取违规记录，按时间从旧到新
func (t *violationTracker) history(ctx context.Context, id Identifier) ([]ViolationEntry, error) {
	raw, err := t.store.LRange(ctx, historyKey(id.Key()), 0, -1)
	if err != nil {
		return nil, err
	}
	entries := make([]ViolationEntry, 0, len(raw))
	for _, r := range raw {
		var e ViolationEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ban 封禁标识
func (t *violationTracker) ban(ctx context.Context, id Identifier, duration time.Duration) error {
	if duration < time.Second {
		return &ConfigurationError{Field: "duration", Value: duration.String(), Reason: "封禁时长至少为1秒"}
	}

	record, err := json.Marshal(BanRecord{
		BannedAt:        t.now().UTC().Format(time.RFC3339),
		DurationSeconds: int64(duration / time.Second),
	})
	if err != nil {
		return fmt.Errorf("序列化封禁记录失败: %w", err)
	}
	if err := t.store.Set(ctx, banKey(id.Key()), string(record), duration); err != nil {
		return fmt.Errorf("写入封禁记录失败: %w", err)
	}
	return nil
}

// unban 解除封禁，未封禁时为空操作
func (t *violationTracker) unban(ctx context.Context, id Identifier) error {
	if err := t.store.Del(ctx, banKey(id.Key())); err != nil {
		return fmt.Errorf("删除封禁记录失败: %w", err)
	}
	return nil
}

// isBanned 是否处于封禁状态
func (t *violationTracker) isBanned(ctx context.Context, id Identifier) (bool, error) {
	banned, err := t.store.Exists(ctx, banKey(id.Key()))
	if err != nil {
		return false, fmt.Errorf("读取封禁记录失败: %w", err)
	}
	return banned, nil
}

// banTTL 封禁剩余时间，未封禁返回0
func (t *violationTracker) banTTL(ctx context.Context, id Identifier) (time.Duration, error) {
	ttl, err := t.store.TTL(ctx, banKey(id.Key()))
	if err != nil {
		return 0, fmt.Errorf("读取封禁剩余时间失败: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// banRecord 读取封禁记录，未封禁返回nil
func (t *violationTracker) banRecord(ctx context.Context, id Identifier) (*BanRecord, error) {
	raw, err := t.store.Get(ctx, banKey(id.Key()))
	if err != nil {
		return nil, fmt.Errorf("读取封禁记录失败: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var record BanRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("解析封禁记录失败: %w", err)
	}
	return &record, nil
}

// clear 清除违规计数和记录
func (t *violationTracker) clear(ctx context.Context, id Identifier) error {
	key := id.Key()
	if err := t.store.Del(ctx, countKey(key), historyKey(key)); err != nil {
		return fmt.Errorf("清除违规记录失败: %w", err)
	}
	return nil
}
