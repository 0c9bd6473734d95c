package ratelimiter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 限流配置
type Config struct {
	// Default 默认配置
	Default DefaultConfig `yaml:"default"`
	// Ban 违规与封禁配置
	Ban BanConfig `yaml:"ban"`
	// Categories 各接口类别的基础限额
	Categories map[string]CategoryConfig `yaml:"categories"`
	// Roles 角色倍率
	Roles map[string]float64 `yaml:"roles"`
	// Tiers 显式层级（可选）
	Tiers []TierConfig `yaml:"tiers"`
	// Whitelist 白名单配置
	Whitelist WhitelistConfig `yaml:"whitelist"`
}

// DefaultConfig 默认配置
type DefaultConfig struct {
	// Strategy 默认算法
	Strategy string `yaml:"strategy"`
	// Enabled 是否启用限流
	Enabled bool `yaml:"enabled"`
	// FailOpen 存储不可用时是否放行
	FailOpen bool `yaml:"fail_open"`
}

// BanConfig 违规与封禁配置
type BanConfig struct {
	// MaxViolationsBeforeBan 超过该违规次数后封禁
	MaxViolationsBeforeBan int64 `yaml:"max_violations_before_ban"`
	// BaseBanDuration 基础封禁时长（如：300s, 5m）
	BaseBanDuration string `yaml:"base_ban_duration"`
	// MaxBanDuration 封禁时长上限
	MaxBanDuration string `yaml:"max_ban_duration"`
	// BackoffMultiplier 每多一次违规封禁时长的倍数
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// AutoBan 是否自动封禁
	AutoBan bool `yaml:"auto_ban"`
}

// CategoryConfig 类别配置
type CategoryConfig struct {
	// Limit 基础限流阈值
	Limit int64 `yaml:"limit"`
	// Window 时间窗口（如：60s, 1m, 1h）
	Window string `yaml:"window"`
	// BlockDuration 封禁时长（可选）
	BlockDuration string `yaml:"block_duration"`
	// Strategy 算法（可选，不指定则使用默认算法）
	Strategy string `yaml:"strategy"`
	// ForbiddenRoles 禁止访问的角色
	ForbiddenRoles []string `yaml:"forbidden_roles"`
}

// TierConfig 层级配置
type TierConfig struct {
	// Name 层级名称
	Name string `yaml:"name"`
	// Roles 层级包含的角色
	Roles []string `yaml:"roles"`
	// Limits 显式限额，未列出的类别按倍率推导
	Limits map[string]LimitConfig `yaml:"limits"`
}

// LimitConfig 显式限额
type LimitConfig struct {
	Limit         int64  `yaml:"limit"`
	Window        string `yaml:"window"`
	BlockDuration string `yaml:"block_duration"`
}

// WhitelistConfig 白名单配置
type WhitelistConfig struct {
	// IPs IP白名单
	IPs []string `yaml:"ips"`
	// Users 用户白名单
	Users []string `yaml:"users"`
}

// Defaults 内置默认配置
func Defaults() *Config {
	return &Config{
		Default: DefaultConfig{
			Strategy: string(StrategySlidingWindowCounter),
			Enabled:  true,
			FailOpen: true,
		},
		Ban: BanConfig{
			MaxViolationsBeforeBan: 10,
			BaseBanDuration:        "300s",
			MaxBanDuration:         "24h",
			BackoffMultiplier:      2,
			AutoBan:                true,
		},
		Categories: map[string]CategoryConfig{
			string(CategoryAuth): {
				Limit: 5, Window: "60s", BlockDuration: "15m",
				Strategy: string(StrategySlidingWindowLog),
			},
			string(CategoryPublic): {
				Limit: 100, Window: "60s",
				Strategy: string(StrategySlidingWindowCounter),
			},
			string(CategoryMarketData): {
				Limit: 300, Window: "60s",
				Strategy: string(StrategyTokenBucket),
			},
			string(CategoryTrading): {
				Limit: 50, Window: "60s",
				Strategy:       string(StrategySlidingWindowLog),
				ForbiddenRoles: []string{string(RoleAnonymous)},
			},
			string(CategoryWebhook): {
				Limit: 1000, Window: "60s",
				Strategy: string(StrategyLeakyBucket),
			},
			string(CategoryAI): {
				Limit: 20, Window: "60s",
				Strategy:       string(StrategyTokenBucket),
				ForbiddenRoles: []string{string(RoleAnonymous)},
			},
			string(CategoryAdmin): {
				Limit: 100, Window: "60s",
				Strategy:       string(StrategySlidingWindowCounter),
				ForbiddenRoles: []string{string(RolePremium), string(RoleUser), string(RoleAnonymous)},
			},
		},
		Roles: map[string]float64{
			string(RoleSystem):    10,
			string(RoleAdmin):     5,
			string(RolePremium):   2,
			string(RoleUser):      1,
			string(RoleAnonymous): 0.1,
		},
	}
}

// LoadConfig 从文件加载配置，未出现的字段沿用默认值
func LoadConfig(filename string) (*Config, error) {
	// 读取文件
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig 解析YAML配置
func ParseConfig(data []byte) (*Config, error) {
	config := Defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 验证配置
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	// 验证默认算法
	if config.Default.Strategy != "" {
		if !StrategyType(config.Default.Strategy).IsValid() {
			return fmt.Errorf("无效的默认算法: %s", config.Default.Strategy)
		}
	} else {
		config.Default.Strategy = string(StrategySlidingWindowCounter)
	}

	// 验证封禁配置
	if _, err := config.Ban.toBanPolicy(); err != nil {
		return err
	}

	// 验证类别
	if _, ok := config.Categories[string(CategoryPublic)]; !ok {
		return fmt.Errorf("缺少public类别配置")
	}
	for name, cc := range config.Categories {
		if _, ok := ParseCategory(name); !ok {
			return fmt.Errorf("未知的接口类别: %s", name)
		}
		if _, err := cc.toRateLimitConfig(); err != nil {
			return fmt.Errorf("类别[%s]: %w", name, err)
		}
		if cc.Strategy != "" && !StrategyType(cc.Strategy).IsValid() {
			return fmt.Errorf("类别[%s]无效的算法: %s", name, cc.Strategy)
		}
	}

	// 验证角色倍率
	for name, m := range config.Roles {
		if _, ok := ParseRole(name); !ok {
			return fmt.Errorf("未知的角色: %s", name)
		}
		if m < 0 {
			return fmt.Errorf("角色[%s]倍率不能为负数", name)
		}
	}

	// 验证层级
	for i, tier := range config.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("层级[%d]缺少name字段", i)
		}
		if len(tier.Roles) == 0 {
			return fmt.Errorf("层级[%d]缺少roles字段", i)
		}
	}

	// 层级的完整校验与构建一致
	if _, err := buildPolicy(config); err != nil {
		return err
	}

	return nil
}

// toRateLimitConfig 转换为内部限额
func (cc CategoryConfig) toRateLimitConfig() (RateLimitConfig, error) {
	return LimitConfig{Limit: cc.Limit, Window: cc.Window, BlockDuration: cc.BlockDuration}.toRateLimitConfig()
}

// toRateLimitConfig 转换为内部限额
func (lc LimitConfig) toRateLimitConfig() (RateLimitConfig, error) {
	window, err := parseDuration(lc.Window)
	if err != nil {
		return RateLimitConfig{}, fmt.Errorf("无效的时间窗口: %s", lc.Window)
	}
	block, err := parseOptionalDuration(lc.BlockDuration)
	if err != nil {
		return RateLimitConfig{}, fmt.Errorf("无效的封禁时长: %s", lc.BlockDuration)
	}

	config := RateLimitConfig{Limit: lc.Limit, Window: window, BlockDuration: block}
	if err := validateRateLimitConfig(config); err != nil {
		return RateLimitConfig{}, err
	}
	return config, nil
}

// toBanPolicy 转换为封禁策略
func (bc BanConfig) toBanPolicy() (BanPolicy, error) {
	base, err := parseDuration(bc.BaseBanDuration)
	if err != nil {
		return BanPolicy{}, fmt.Errorf("无效的基础封禁时长: %s", bc.BaseBanDuration)
	}
	maxBan, err := parseDuration(bc.MaxBanDuration)
	if err != nil {
		return BanPolicy{}, fmt.Errorf("无效的封禁时长上限: %s", bc.MaxBanDuration)
	}

	policy := BanPolicy{
		MaxViolationsBeforeBan: bc.MaxViolationsBeforeBan,
		BaseBanDuration:        base,
		MaxBanDuration:         maxBan,
		BackoffMultiplier:      bc.BackoffMultiplier,
		AutoBan:                bc.AutoBan,
	}
	if err := policy.Validate(); err != nil {
		return BanPolicy{}, err
	}
	return policy, nil
}

// parseDuration 解析时间窗口字符串
func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// parseOptionalDuration 解析可选的时长，空字符串为0
func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return parseDuration(s)
}

// GetConfigPath 获取配置文件路径（支持相对路径和绝对路径）
func GetConfigPath(filename string) (string, error) {
	// 如果是绝对路径，直接返回
	if filepath.IsAbs(filename) {
		return filename, nil
	}

	// 尝试从当前工作目录查找
	if _, err := os.Stat(filename); err == nil {
		return filename, nil
	}

	// 尝试从可执行文件目录查找
	execPath, err := os.Executable()
	if err == nil {
		execDir := filepath.Dir(execPath)
		configPath := filepath.Join(execDir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	return "", fmt.Errorf("配置文件不存在: %s", filename)
}
