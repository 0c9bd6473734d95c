package ratelimiter

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Role 调用方角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleAdmin     Role = "admin"
	RolePremium   Role = "premium"
	RoleUser      Role = "user"
	RoleAnonymous Role = "anonymous"
)

// Roles 返回所有角色，按权限从高到低
func Roles() []Role {
	return []Role{RoleSystem, RoleAdmin, RolePremium, RoleUser, RoleAnonymous}
}

// ParseRole 解析角色（不区分大小写）
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleSystem, RoleAdmin, RolePremium, RoleUser, RoleAnonymous:
		return r, true
	default:
		return "", false
	}
}

// NormalizeRole 解析角色，无法识别时降级为权限最低的匿名角色
func NormalizeRole(s string) Role {
	if r, ok := ParseRole(s); ok {
		return r
	}
	return RoleAnonymous
}

// Category 接口类别
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryPublic     Category = "public"
	CategoryMarketData Category = "market_data"
	CategoryTrading    Category = "trading"
	CategoryWebhook    Category = "webhook"
	CategoryAI         Category = "ai"
	CategoryAdmin      Category = "admin"
)

// Categories 返回所有接口类别
func Categories() []Category {
	return []Category{
		CategoryAuth,
		CategoryPublic,
		CategoryMarketData,
		CategoryTrading,
		CategoryWebhook,
		CategoryAI,
		CategoryAdmin,
	}
}

// ParseCategory 解析接口类别（不区分大小写）
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories() {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// Tier 共享同一套限额的一组角色
type Tier struct {
	Name   string                       `json:"name"`
	Roles  []Role                       `json:"roles"`
	Limits map[Category]RateLimitConfig `json:"limits"`
}

func (t *Tier) clone() Tier {
	limits := make(map[Category]RateLimitConfig, len(t.Limits))
	for c, cfg := range t.Limits {
		limits[c] = cfg
	}
	return Tier{
		Name:   t.Name,
		Roles:  append([]Role(nil), t.Roles...),
		Limits: limits,
	}
}

// Policy 基于角色的限流策略
//
// 层级表由基础限额乘以角色倍率推导，再叠加配置中的显式覆盖。
// 所有读写都经过读写锁，运行时修改只在内存中生效。
type Policy struct {
	mu sync.RWMutex

	base            map[Category]RateLimitConfig
	multipliers     map[Role]float64
	forbidden       map[Category]map[Role]bool
	strategies      map[Category]StrategyType
	defaultStrategy StrategyType
	baseBlock       time.Duration

	tiers  []*Tier
	byRole map[Role]*Tier
}

// NewPolicy 从配置创建策略
func NewPolicy(config *Config) (*Policy, error) {
	p := &Policy{}
	if err := p.Load(config); err != nil {
		return nil, err
	}
	return p, nil
}

// Load 用新配置整体替换策略表
func (p *Policy) Load(config *Config) error {
	next, err := buildPolicy(config)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.base = next.base
	p.multipliers = next.multipliers
	p.forbidden = next.forbidden
	p.strategies = next.strategies
	p.defaultStrategy = next.defaultStrategy
	p.baseBlock = next.baseBlock
	p.tiers = next.tiers
	p.byRole = next.byRole
	return nil
}

func buildPolicy(config *Config) (*Policy, error) {
	if config == nil {
		config = Defaults()
	}

	baseBlock, err := parseOptionalDuration(config.Ban.BaseBanDuration)
	if err != nil {
		return nil, fmt.Errorf("解析基础封禁时长失败: %w", err)
	}

	p := &Policy{
		base:            make(map[Category]RateLimitConfig),
		multipliers:     make(map[Role]float64),
		forbidden:       make(map[Category]map[Role]bool),
		strategies:      make(map[Category]StrategyType),
		defaultStrategy: StrategyType(config.Default.Strategy),
		baseBlock:       baseBlock,
		byRole:          make(map[Role]*Tier),
	}
	if p.defaultStrategy == "" {
		p.defaultStrategy = StrategySlidingWindowCounter
	}

	// 基础限额
	for name, cc := range config.Categories {
		category, ok := ParseCategory(name)
		if !ok {
			return nil, &ConfigurationError{Field: "categories", Value: name, Reason: "未知的接口类别"}
		}
		limit, err := cc.toRateLimitConfig()
		if err != nil {
			return nil, fmt.Errorf("类别[%s]: %w", name, err)
		}
		p.base[category] = limit

		if cc.Strategy != "" {
			p.strategies[category] = StrategyType(cc.Strategy)
		}
		for _, roleName := range cc.ForbiddenRoles {
			role, ok := ParseRole(roleName)
			if !ok {
				return nil, &ConfigurationError{Field: "forbidden_roles", Value: roleName, Reason: "未知的角色"}
			}
			if p.forbidden[category] == nil {
				p.forbidden[category] = make(map[Role]bool)
			}
			p.forbidden[category][role] = true
		}
	}
	if _, ok := p.base[CategoryPublic]; !ok {
		return nil, &ConfigurationError{Field: "categories", Value: string(CategoryPublic), Reason: "必须配置public类别"}
	}

	// 角色倍率
	for _, role := range Roles() {
		p.multipliers[role] = 1
	}
	for name, m := range config.Roles {
		role, ok := ParseRole(name)
		if !ok {
			return nil, &ConfigurationError{Field: "roles", Value: name, Reason: "未知的角色"}
		}
		p.multipliers[role] = m
	}

	// 显式层级
	for i, tc := range config.Tiers {
		tier := &Tier{Name: tc.Name, Limits: make(map[Category]RateLimitConfig)}
		for _, roleName := range tc.Roles {
			role, ok := ParseRole(roleName)
			if !ok {
				return nil, &ConfigurationError{Field: fmt.Sprintf("tiers[%d].roles", i), Value: roleName, Reason: "未知的角色"}
			}
			if _, dup := p.byRole[role]; dup {
				return nil, &ConfigurationError{Field: fmt.Sprintf("tiers[%d].roles", i), Value: roleName, Reason: "角色重复出现在多个层级"}
			}
			tier.Roles = append(tier.Roles, role)
			p.byRole[role] = tier
		}
		if len(tier.Roles) == 0 {
			return nil, &ConfigurationError{Field: fmt.Sprintf("tiers[%d].roles", i), Reason: "层级至少包含一个角色"}
		}
		// 推导限额以层级中第一个角色的倍率为准
		for category := range p.base {
			tier.Limits[category] = p.effective(category, tier.Roles[0])
		}
		for name, lc := range tc.Limits {
			category, ok := ParseCategory(name)
			if !ok {
				return nil, &ConfigurationError{Field: fmt.Sprintf("tiers[%d].limits", i), Value: name, Reason: "未知的接口类别"}
			}
			limit, err := lc.toRateLimitConfig()
			if err != nil {
				return nil, fmt.Errorf("层级[%s]类别[%s]: %w", tc.Name, name, err)
			}
			tier.Limits[category] = limit
		}
		p.tiers = append(p.tiers, tier)
	}

	// 未被显式层级覆盖的角色各自成为一个层级
	for _, role := range Roles() {
		if _, ok := p.byRole[role]; ok {
			continue
		}
		tier := &Tier{Name: string(role), Roles: []Role{role}, Limits: make(map[Category]RateLimitConfig)}
		for category := range p.base {
			tier.Limits[category] = p.effective(category, role)
		}
		p.tiers = append(p.tiers, tier)
		p.byRole[role] = tier
	}

	return p, nil
}

// effective 按倍率计算有效限额；调用方需持有锁
func (p *Policy) effective(category Category, role Role) RateLimitConfig {
	base, ok := p.base[category]
	if !ok {
		base = p.base[CategoryPublic]
	}
	if p.forbidden[category][role] {
		return RateLimitConfig{Limit: 0, Window: base.Window}
	}

	m := p.multipliers[role]
	if m <= 0 {
		return RateLimitConfig{Limit: 0, Window: base.Window}
	}

	block := base.BlockDuration
	if block == 0 {
		block = p.baseBlock
	}

	return RateLimitConfig{
		Limit:         int64(ceilTolerant(float64(base.Limit) * m)),
		Window:        base.Window,
		BlockDuration: time.Duration(ceilTolerant(block.Seconds()/m)) * time.Second,
	}
}

// ceilTolerant 向上取整，忽略乘法带来的相对误差（如 300*0.1=30.000000000000004）
func ceilTolerant(v float64) float64 {
	return math.Ceil(v - math.Abs(v)*ceilRelativeEpsilon)
}

// ceilRelativeEpsilon 远大于float64单次乘除的相对误差(约1e-16)，远小于有意义的小数部分
const ceilRelativeEpsilon = 1e-13

// GetRateLimit 获取角色在某类别下的限额
//
// 未知角色降级为匿名角色；层级中没有该类别时使用层级的public限额。
func (p *Policy) GetRateLimit(role string, category Category) RateLimitConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tier := p.byRole[NormalizeRole(role)]
	if cfg, ok := tier.Limits[category]; ok {
		return cfg
	}
	return tier.Limits[CategoryPublic]
}

// GetAllLimitsForRole 获取角色在所有类别下的限额
func (p *Policy) GetAllLimitsForRole(role string) map[Category]RateLimitConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tier := p.byRole[NormalizeRole(role)]
	limits := make(map[Category]RateLimitConfig, len(tier.Limits))
	for c, cfg := range tier.Limits {
		limits[c] = cfg
	}
	return limits
}

// UpdateRateLimit 修改角色所在层级的限额，同层级的其他角色一并生效
func (p *Policy) UpdateRateLimit(role string, category Category, config RateLimitConfig) error {
	r, ok := ParseRole(role)
	if !ok {
		return &ConfigurationError{Field: "role", Value: role, Reason: "未知的角色"}
	}
	if _, ok := ParseCategory(string(category)); !ok {
		return &ConfigurationError{Field: "category", Value: string(category), Reason: "未知的接口类别"}
	}
	if err := validateRateLimitConfig(config); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.byRole[r].Limits[category] = config
	return nil
}

// CanAccessEndpoint 角色是否允许访问该类别
func (p *Policy) CanAccessEndpoint(role string, category Category) bool {
	return p.GetRateLimit(role, category).Limit > 0
}

// GetEffectiveRateLimit 直接按 基础限额×角色倍率 计算有效限额
func (p *Policy) GetEffectiveRateLimit(category Category, role string) RateLimitConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.effective(category, NormalizeRole(role))
}

// Multiplier 获取角色倍率
func (p *Policy) Multiplier(role string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.multipliers[NormalizeRole(role)]
}

// StrategyFor 获取类别使用的算法
func (p *Policy) StrategyFor(category Category) StrategyType {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if s, ok := p.strategies[category]; ok {
		return s
	}
	return p.defaultStrategy
}

// SetStrategy 修改类别使用的算法
func (p *Policy) SetStrategy(category Category, strategy StrategyType) error {
	if _, ok := ParseCategory(string(category)); !ok {
		return &ConfigurationError{Field: "category", Value: string(category), Reason: "未知的接口类别"}
	}
	if !strategy.IsValid() {
		return &ConfigurationError{Field: "strategy", Value: string(strategy), Reason: "未知的算法"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.strategies[category] = strategy
	return nil
}

// Tiers 返回层级表快照
func (p *Policy) Tiers() []Tier {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tiers := make([]Tier, 0, len(p.tiers))
	for _, t := range p.tiers {
		tiers = append(tiers, t.clone())
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Name < tiers[j].Name })
	return tiers
}

// validateRateLimitConfig 校验单个限额
func validateRateLimitConfig(config RateLimitConfig) error {
	if config.Limit < 0 {
		return &ConfigurationError{Field: "limit", Value: fmt.Sprint(config.Limit), Reason: "限流阈值不能为负数"}
	}
	if config.Window < time.Second {
		return &ConfigurationError{Field: "window", Value: config.Window.String(), Reason: "时间窗口至少为1秒"}
	}
	if config.BlockDuration < 0 {
		return &ConfigurationError{Field: "block_duration", Value: config.BlockDuration.String(), Reason: "封禁时长不能为负数"}
	}
	return nil
}
