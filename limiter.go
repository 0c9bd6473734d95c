package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Fischlvor/go-distributed-ratelimiter/drivers/algorithm"
	"github.com/Fischlvor/go-distributed-ratelimiter/pkg/logger"
)

// Outcome 准入结果
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeWhitelisted Outcome = "whitelisted"
	OutcomeBanned      Outcome = "banned"
	OutcomeForbidden   Outcome = "forbidden"
	OutcomeLimited     Outcome = "limited"
	OutcomeDisabled    Outcome = "disabled"
)

// Permitted 该结果是否放行请求
func (o Outcome) Permitted() bool {
	switch o {
	case OutcomeAllowed, OutcomeWhitelisted, OutcomeDisabled:
		return true
	default:
		return false
	}
}

// Observer 接收请求和违规事件（如指标收集器）
type Observer interface {
	ObserveRequest(id Identifier, outcome Outcome)
	ObserveViolation(id Identifier, count int64, sinceLast time.Duration)
}

// Decision 一次准入判定
type Decision struct {
	Outcome  Outcome         `json:"outcome"`
	Role     Role            `json:"role"`
	Category Category        `json:"category"`
	Strategy StrategyType    `json:"strategy,omitempty"`
	Config   RateLimitConfig `json:"config"`
	// Result 限流结果，仅在执行了算法检查或封禁时存在
	Result *Result `json:"result,omitempty"`
	// BanTTL 封禁剩余时间
	BanTTL time.Duration `json:"banTtl,omitempty"`
}

// IdentifierMetrics 单个标识的违规与封禁信息
type IdentifierMetrics struct {
	Violations       int64            `json:"violations"`
	IsBanned         bool             `json:"isBanned"`
	BanTTL           int64            `json:"banTtl"`
	Ban              *BanRecord       `json:"ban,omitempty"`
	ViolationHistory []ViolationEntry `json:"violationHistory"`
}

// SystemStats 全局统计
type SystemStats struct {
	TotalActiveKeys   int64 `json:"totalActiveKeys"`
	TotalViolations   int64 `json:"totalViolations"`
	BannedIdentifiers int64 `json:"bannedIdentifiers"`
}

// Option 限流器选项
type Option func(*Limiter)

// WithClock 指定时钟（测试用），同时作用于所有算法
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithObserver 注册事件观察者
func WithObserver(observer Observer) Option {
	return func(l *Limiter) {
		l.observer = observer
	}
}

// Limiter 限流器
type Limiter struct {
	store      Store
	strategies map[StrategyType]algorithm.Strategy
	policy     *Policy
	tracker    *violationTracker
	now        func() time.Time

	mu             sync.RWMutex
	config         *Config
	observer       Observer
	whitelistIPs   map[string]bool
	whitelistUsers map[string]bool
}

// NewFromFile 从配置文件创建限流器
func NewFromFile(configFile string, store Store, opts ...Option) (*Limiter, error) {
	// 获取配置文件路径
	configPath, err := GetConfigPath(configFile)
	if err != nil {
		return nil, err
	}

	// 加载配置
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	return NewFromConfig(config, store, opts...)
}

// NewFromConfig 从配置对象创建限流器，config为nil时使用内置默认配置
func NewFromConfig(config *Config, store Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("store不能为空")
	}
	if config == nil {
		config = Defaults()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	limiter := &Limiter{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(limiter)
	}

	clock := algorithm.WithClock(limiter.now)
	limiter.strategies = map[StrategyType]algorithm.Strategy{
		StrategySlidingWindowLog:     algorithm.NewSlidingWindowLogLimiter(store, clock),
		StrategySlidingWindowCounter: algorithm.NewSlidingWindowCounterLimiter(store, clock),
		StrategyTokenBucket:          algorithm.NewTokenBucketLimiter(store, clock),
		StrategyLeakyBucket:          algorithm.NewLeakyBucketLimiter(store, clock),
	}

	policy, err := NewPolicy(config)
	if err != nil {
		return nil, err
	}
	limiter.policy = policy

	banPolicy, err := config.Ban.toBanPolicy()
	if err != nil {
		return nil, err
	}
	limiter.tracker = newViolationTracker(store, banPolicy, limiter.now)

	limiter.applyConfig(config)
	return limiter, nil
}

// applyConfig 替换配置和白名单
func (l *Limiter) applyConfig(config *Config) {
	whitelistIPs := make(map[string]bool, len(config.Whitelist.IPs))
	for _, ip := range config.Whitelist.IPs {
		whitelistIPs[ip] = true
	}
	whitelistUsers := make(map[string]bool, len(config.Whitelist.Users))
	for _, user := range config.Whitelist.Users {
		whitelistUsers[user] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.config = config
	l.whitelistIPs = whitelistIPs
	l.whitelistUsers = whitelistUsers
}

// Reload 热更新配置：策略表、封禁策略和白名单整体替换，已有的限流状态保留
func (l *Limiter) Reload(config *Config) error {
	if config == nil {
		return errors.New("配置不能为空")
	}
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}
	banPolicy, err := config.Ban.toBanPolicy()
	if err != nil {
		return err
	}
	if err := l.policy.Load(config); err != nil {
		return err
	}
	l.tracker.setBanPolicy(banPolicy)
	l.applyConfig(config)

	logger.Info("限流配置已重新加载", "strategy", config.Default.Strategy, "enabled", config.Default.Enabled)
	return nil
}

// CheckRateLimit 使用指定算法检查标识
//
// 被拒绝时记录一次违规，违规次数超过阈值且开启自动封禁时封禁该标识。
func (l *Limiter) CheckRateLimit(ctx context.Context, id Identifier, config RateLimitConfig, strategy StrategyType) (*Result, error) {
	result, err := l.check(ctx, id, config, strategy)
	if err != nil {
		return nil, err
	}

	outcome := OutcomeAllowed
	if !result.Allowed {
		outcome = OutcomeLimited
	}
	l.observeRequest(id, outcome)
	return result, nil
}

func (l *Limiter) check(ctx context.Context, id Identifier, config RateLimitConfig, strategy StrategyType) (*Result, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	impl, ok := l.strategies[strategy]
	if !ok {
		return nil, &ConfigurationError{Field: "strategy", Value: string(strategy), Reason: "未知的算法"}
	}
	if err := validateRateLimitConfig(config); err != nil {
		return nil, err
	}

	key := id.Key()
	actx, err := impl.Allow(ctx, key, config.Limit, config.Window)
	if err != nil {
		return nil, storeError("check:"+string(strategy), err)
	}

	result := &Result{
		Allowed:    actx.Allowed,
		Current:    actx.Current,
		Limit:      actx.Limit,
		Remaining:  actx.Remaining,
		Reset:      actx.Reset,
		ResetIn:    actx.ResetIn,
		RetryAfter: actx.RetryAfter,
	}

	if !result.Allowed {
		l.recordViolation(ctx, id, config)
	}
	return result, nil
}

// recordViolation 记录违规并按需封禁，失败只记日志，不影响本次拒绝
func (l *Limiter) recordViolation(ctx context.Context, id Identifier, config RateLimitConfig) {
	count, sinceLast, err := l.tracker.record(ctx, id, config.Window)
	if err != nil {
		logger.Error("记录违规失败", "key", id.Key(), "error", err)
		return
	}
	l.observeViolation(id, count, sinceLast)

	policy := l.tracker.banPolicy()
	if !policy.ShouldBan(count) {
		return
	}
	duration := policy.CalculateBanDuration(count)
	if err := l.tracker.ban(ctx, id, duration); err != nil {
		logger.Error("自动封禁失败", "key", id.Key(), "violations", count, "error", err)
		return
	}
	logger.Warn("标识已被自动封禁", "key", id.Key(), "violations", count, "duration", duration.String())
}

// Admit 按 白名单→封禁→策略→算法 的顺序做一次完整准入判定
func (l *Limiter) Admit(ctx context.Context, id Identifier, role string, category Category) (*Decision, error) {
	decision := &Decision{Role: NormalizeRole(role), Category: category}

	if !l.IsEnabled() {
		decision.Outcome = OutcomeDisabled
		return decision, nil
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}

	if l.isWhitelisted(id) {
		decision.Outcome = OutcomeWhitelisted
		l.observeRequest(id, decision.Outcome)
		return decision, nil
	}

	banned, err := l.IsBanned(ctx, id)
	if err != nil {
		return nil, err
	}
	if banned {
		ttl, err := l.BanTTL(ctx, id)
		if err != nil {
			return nil, err
		}
		retryAfter := int64((ttl + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		decision.Outcome = OutcomeBanned
		decision.BanTTL = ttl
		decision.Result = &Result{
			Allowed:    false,
			Reset:      l.now().Add(ttl).Unix(),
			ResetIn:    retryAfter,
			RetryAfter: retryAfter,
		}
		l.observeRequest(id, decision.Outcome)
		return decision, nil
	}

	decision.Config = l.policy.GetRateLimit(role, category)
	if decision.Config.Forbidden() {
		decision.Outcome = OutcomeForbidden
		l.observeRequest(id, decision.Outcome)
		return decision, nil
	}

	decision.Strategy = l.policy.StrategyFor(category)
	result, err := l.check(ctx, id, decision.Config, decision.Strategy)
	if err != nil {
		return nil, err
	}
	decision.Result = result
	decision.Outcome = OutcomeAllowed
	if !result.Allowed {
		decision.Outcome = OutcomeLimited
	}
	l.observeRequest(id, decision.Outcome)
	return decision, nil
}

// isWhitelisted 检查IP或用户白名单
func (l *Limiter) isWhitelisted(id Identifier) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.whitelistIPs[id.IP] {
		return true
	}
	return id.UserID != "" && l.whitelistUsers[id.UserID]
}

// ResetRateLimit 清除标识在某算法下的状态
func (l *Limiter) ResetRateLimit(ctx context.Context, id Identifier, strategy StrategyType) error {
	impl, ok := l.strategies[strategy]
	if !ok {
		return &ConfigurationError{Field: "strategy", Value: string(strategy), Reason: "未知的算法"}
	}
	if err := impl.Reset(ctx, id.Key()); err != nil {
		return storeError("reset:"+string(strategy), err)
	}
	return nil
}

// ResetAllRateLimits 清除某算法下所有key匹配pattern的状态
func (l *Limiter) ResetAllRateLimits(ctx context.Context, pattern string, strategy StrategyType) error {
	impl, ok := l.strategies[strategy]
	if !ok {
		return &ConfigurationError{Field: "strategy", Value: string(strategy), Reason: "未知的算法"}
	}
	if err := impl.ResetAll(ctx, pattern); err != nil {
		return storeError("reset_all:"+string(strategy), err)
	}
	return nil
}

// IsBanned 检查标识是否被封禁
func (l *Limiter) IsBanned(ctx context.Context, id Identifier) (bool, error) {
	banned, err := l.tracker.isBanned(ctx, id)
	if err != nil {
		return false, storeError("is_banned", err)
	}
	return banned, nil
}

// BanTTL 封禁剩余时间，未封禁为0
func (l *Limiter) BanTTL(ctx context.Context, id Identifier) (time.Duration, error) {
	ttl, err := l.tracker.banTTL(ctx, id)
	if err != nil {
		return 0, storeError("ban_ttl", err)
	}
	return ttl, nil
}

// BanIdentifier 手动封禁标识
func (l *Limiter) BanIdentifier(ctx context.Context, id Identifier, duration time.Duration) error {
	if err := l.tracker.ban(ctx, id, duration); err != nil {
		if IsConfigurationError(err) {
			return err
		}
		return storeError("ban", err)
	}
	logger.Info("标识已被封禁", "key", id.Key(), "duration", duration.String())
	return nil
}

// UnbanIdentifier 解除封禁，未封禁时为空操作
func (l *Limiter) UnbanIdentifier(ctx context.Context, id Identifier) error {
	if err := l.tracker.unban(ctx, id); err != nil {
		return storeError("unban", err)
	}
	logger.Info("标识已解除封禁", "key", id.Key())
	return nil
}

// ClearViolations 清除标识的违规计数和记录
func (l *Limiter) ClearViolations(ctx context.Context, id Identifier) error {
	if err := l.tracker.clear(ctx, id); err != nil {
		return storeError("clear_violations", err)
	}
	return nil
}

// GetMetrics 获取标识的违规与封禁信息
func (l *Limiter) GetMetrics(ctx context.Context, id Identifier) (*IdentifierMetrics, error) {
	violations, err := l.tracker.violations(ctx, id)
	if err != nil {
		return nil, storeError("violations", err)
	}
	history, err := l.tracker.history(ctx, id)
	if err != nil {
		return nil, storeError("violation_history", err)
	}
	ban, err := l.tracker.banRecord(ctx, id)
	if err != nil {
		return nil, storeError("ban_record", err)
	}
	ttl, err := l.BanTTL(ctx, id)
	if err != nil {
		return nil, err
	}

	return &IdentifierMetrics{
		Violations:       violations,
		IsBanned:         ban != nil,
		BanTTL:           int64(ttl / time.Second),
		Ban:              ban,
		ViolationHistory: history,
	}, nil
}

// GetSystemStats 统计活跃key数、违规标识数和封禁标识数
//
// 各命名空间并发扫描；结果是近似值，扫描期间的写入可能不被计入。
func (l *Limiter) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	activePatterns := []string{
		algorithm.NamespaceSlidingLog + ":*",
		algorithm.NamespaceSlidingCounter + ":*",
		algorithm.NamespaceTokenBucket + ":*",
		algorithm.NamespaceLeakyBucket + ":*",
	}
	active := make([]int64, len(activePatterns))
	var violations, banned int64

	g, gctx := errgroup.WithContext(ctx)
	for i, pattern := range activePatterns {
		i, pattern := i, pattern
		g.Go(func() error {
			n, err := l.countKeys(gctx, pattern)
			active[i] = n
			return err
		})
	}
	g.Go(func() error {
		n, err := l.countKeys(gctx, violationCountNamespace+":*")
		violations = n
		return err
	})
	g.Go(func() error {
		n, err := l.countKeys(gctx, banNamespace+":*")
		banned = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &SystemStats{TotalViolations: violations, BannedIdentifiers: banned}
	for _, n := range active {
		stats.TotalActiveKeys += n
	}
	return stats, nil
}

func (l *Limiter) countKeys(ctx context.Context, pattern string) (int64, error) {
	keys, err := l.store.Keys(ctx, pattern)
	if err != nil {
		return 0, storeError("keys:"+pattern, err)
	}
	return int64(len(keys)), nil
}

// CalculateBanDuration 按当前封禁策略计算封禁时长
func (l *Limiter) CalculateBanDuration(violations int64) time.Duration {
	return l.tracker.banPolicy().CalculateBanDuration(violations)
}

// BanConfig 当前封禁策略
func (l *Limiter) BanConfig() BanPolicy {
	return l.tracker.banPolicy()
}

// UpdateBanConfig 修改封禁策略，立即生效
func (l *Limiter) UpdateBanConfig(policy BanPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	l.tracker.setBanPolicy(policy)

	// GetConfig返回的指针可能正在被读取，替换为副本而不是原地修改
	l.mu.Lock()
	next := *l.config
	next.Ban = BanConfig{
		MaxViolationsBeforeBan: policy.MaxViolationsBeforeBan,
		BaseBanDuration:        policy.BaseBanDuration.String(),
		MaxBanDuration:         policy.MaxBanDuration.String(),
		BackoffMultiplier:      policy.BackoffMultiplier,
		AutoBan:                policy.AutoBan,
	}
	l.config = &next
	l.mu.Unlock()

	logger.Info("封禁策略已更新",
		"maxViolations", policy.MaxViolationsBeforeBan,
		"base", policy.BaseBanDuration.String(),
		"max", policy.MaxBanDuration.String(),
		"multiplier", strconv.FormatFloat(policy.BackoffMultiplier, 'f', -1, 64),
		"autoBan", policy.AutoBan)
	return nil
}

// Policy 角色策略
func (l *Limiter) Policy() *Policy {
	return l.policy
}

// SetObserver 替换事件观察者
func (l *Limiter) SetObserver(observer Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = observer
}

func (l *Limiter) observeRequest(id Identifier, outcome Outcome) {
	l.mu.RLock()
	observer := l.observer
	l.mu.RUnlock()
	if observer != nil {
		observer.ObserveRequest(id, outcome)
	}
}

func (l *Limiter) observeViolation(id Identifier, count int64, sinceLast time.Duration) {
	l.mu.RLock()
	observer := l.observer
	l.mu.RUnlock()
	if observer != nil {
		observer.ObserveViolation(id, count, sinceLast)
	}
}

// IsEnabled 检查限流是否启用
func (l *Limiter) IsEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Default.Enabled
}

// FailOpen 存储不可用时是否放行
func (l *Limiter) FailOpen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Default.FailOpen
}

// GetConfig 获取配置
func (l *Limiter) GetConfig() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// storeError 统一包装为存储不可用错误
func storeError(op string, err error) error {
	var se *StoreUnavailableError
	if errors.As(err, &se) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}
