package ratelimiter

import (
	"os"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "rate_limit_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadConfig_Success(t *testing.T) {
	configContent := `
default:
  strategy: token_bucket
  enabled: true
  fail_open: false

ban:
  max_violations_before_ban: 5
  base_ban_duration: 60s
  max_ban_duration: 1h
  backoff_multiplier: 3
  auto_ban: true

whitelist:
  ips:
    - 127.0.0.1
    - 192.168.1.1
  users:
    - admin
    - system

categories:
  public:
    limit: 200
    window: 60s
  auth:
    limit: 3
    window: 30s
    block_duration: 10m
    strategy: sliding_window_log

roles:
  anonymous: 0.5
`

	config, err := LoadConfig(writeTempConfig(t, configContent))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	// 验证默认配置
	if config.Default.Strategy != "token_bucket" {
		t.Errorf("Default.Strategy = %v, want token_bucket", config.Default.Strategy)
	}
	if !config.Default.Enabled {
		t.Error("Default.Enabled should be true")
	}
	if config.Default.FailOpen {
		t.Error("Default.FailOpen should be false")
	}

	// 验证封禁配置
	if config.Ban.MaxViolationsBeforeBan != 5 {
		t.Errorf("Ban.MaxViolationsBeforeBan = %v, want 5", config.Ban.MaxViolationsBeforeBan)
	}
	if config.Ban.BackoffMultiplier != 3 {
		t.Errorf("Ban.BackoffMultiplier = %v, want 3", config.Ban.BackoffMultiplier)
	}

	// 验证白名单
	if len(config.Whitelist.IPs) != 2 {
		t.Errorf("len(Whitelist.IPs) = %v, want 2", len(config.Whitelist.IPs))
	}
	if config.Whitelist.IPs[0] != "127.0.0.1" {
		t.Errorf("Whitelist.IPs[0] = %v, want 127.0.0.1", config.Whitelist.IPs[0])
	}
	if len(config.Whitelist.Users) != 2 {
		t.Errorf("len(Whitelist.Users) = %v, want 2", len(config.Whitelist.Users))
	}

	// 覆盖的类别
	public := config.Categories["public"]
	if public.Limit != 200 {
		t.Errorf("Categories[public].Limit = %v, want 200", public.Limit)
	}
	auth := config.Categories["auth"]
	if auth.Limit != 3 || auth.Window != "30s" || auth.BlockDuration != "10m" {
		t.Errorf("Categories[auth] = %+v", auth)
	}

	// 未覆盖的类别沿用默认值
	if config.Categories["trading"].Limit != 50 {
		t.Errorf("Categories[trading].Limit = %v, want 50", config.Categories["trading"].Limit)
	}

	// 角色倍率
	if config.Roles["anonymous"] != 0.5 {
		t.Errorf("Roles[anonymous] = %v, want 0.5", config.Roles["anonymous"])
	}
	if config.Roles["admin"] != 5 {
		t.Errorf("Roles[admin] = %v, want 5", config.Roles["admin"])
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/file.yaml")
	if err == nil {
		t.Error("LoadConfig() should return error for nonexistent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeTempConfig(t, "invalid: yaml: content: ["))
	if err == nil {
		t.Error("LoadConfig() should return error for invalid YAML")
	}
}

func TestGetConfigPath(t *testing.T) {
	path := writeTempConfig(t, "")

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:    "绝对路径",
			input:   path,
			wantErr: false,
		},
		{
			name:    "不存在的相对路径",
			input:   "nonexistent_config.yaml",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := GetConfigPath(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("GetConfigPath() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && path == "" {
				t.Error("GetConfigPath() returned empty path")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"1s", time.Second, false},
		{"30s", 30 * time.Second, false},
		{"1m", time.Minute, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseDuration(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseDuration() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseOptionalDuration(t *testing.T) {
	got, err := parseOptionalDuration("")
	if err != nil || got != 0 {
		t.Errorf("parseOptionalDuration(\"\") = %v, %v; want 0, nil", got, err)
	}
	got, err = parseOptionalDuration("15m")
	if err != nil || got != 15*time.Minute {
		t.Errorf("parseOptionalDuration(15m) = %v, %v; want 15m, nil", got, err)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "默认配置有效",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "无效算法",
			mutate:  func(c *Config) { c.Default.Strategy = "invalid_algo" },
			wantErr: true,
		},
		{
			name:    "空算法会被设置为默认值",
			mutate:  func(c *Config) { c.Default.Strategy = "" },
			wantErr: false,
		},
		{
			name: "窗口小于1秒",
			mutate: func(c *Config) {
				c.Categories["public"] = CategoryConfig{Limit: 10, Window: "500ms"}
			},
			wantErr: true,
		},
		{
			name: "负数阈值",
			mutate: func(c *Config) {
				c.Categories["public"] = CategoryConfig{Limit: -1, Window: "60s"}
			},
			wantErr: true,
		},
		{
			name: "阈值为0表示禁止访问",
			mutate: func(c *Config) {
				c.Categories["webhook"] = CategoryConfig{Limit: 0, Window: "60s"}
			},
			wantErr: false,
		},
		{
			name:    "缺少public类别",
			mutate:  func(c *Config) { delete(c.Categories, "public") },
			wantErr: true,
		},
		{
			name: "未知类别",
			mutate: func(c *Config) {
				c.Categories["graphql"] = CategoryConfig{Limit: 10, Window: "60s"}
			},
			wantErr: true,
		},
		{
			name: "类别的未知算法",
			mutate: func(c *Config) {
				c.Categories["public"] = CategoryConfig{Limit: 10, Window: "60s", Strategy: "fixed_window"}
			},
			wantErr: true,
		},
		{
			name:    "未知角色",
			mutate:  func(c *Config) { c.Roles["guest"] = 1 },
			wantErr: true,
		},
		{
			name:    "负数倍率",
			mutate:  func(c *Config) { c.Roles["user"] = -1 },
			wantErr: true,
		},
		{
			name:    "倍数小于1",
			mutate:  func(c *Config) { c.Ban.BackoffMultiplier = 0.5 },
			wantErr: true,
		},
		{
			name:    "封禁上限小于基础时长",
			mutate:  func(c *Config) { c.Ban.MaxBanDuration = "1m" },
			wantErr: true,
		},
		{
			name:    "层级缺少名称",
			mutate:  func(c *Config) { c.Tiers = []TierConfig{{Roles: []string{"user"}}} },
			wantErr: true,
		},
		{
			name: "角色出现在多个层级",
			mutate: func(c *Config) {
				c.Tiers = []TierConfig{
					{Name: "a", Roles: []string{"user"}},
					{Name: "b", Roles: []string{"user", "premium"}},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Defaults()
			tt.mutate(config)
			err := validateConfig(config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateConfig_FillsDefaultStrategy(t *testing.T) {
	config := Defaults()
	config.Default.Strategy = ""
	if err := validateConfig(config); err != nil {
		t.Fatalf("validateConfig() error = %v", err)
	}
	if config.Default.Strategy != string(StrategySlidingWindowCounter) {
		t.Errorf("Default.Strategy = %v, want %v", config.Default.Strategy, StrategySlidingWindowCounter)
	}
}

func TestBanConfig_ToBanPolicy(t *testing.T) {
	policy, err := Defaults().Ban.toBanPolicy()
	if err != nil {
		t.Fatalf("toBanPolicy() error = %v", err)
	}
	if policy.MaxViolationsBeforeBan != 10 {
		t.Errorf("MaxViolationsBeforeBan = %v, want 10", policy.MaxViolationsBeforeBan)
	}
	if policy.BaseBanDuration != 300*time.Second {
		t.Errorf("BaseBanDuration = %v, want 5m", policy.BaseBanDuration)
	}
	if policy.MaxBanDuration != 24*time.Hour {
		t.Errorf("MaxBanDuration = %v, want 24h", policy.MaxBanDuration)
	}
	if !policy.AutoBan {
		t.Error("AutoBan should be true")
	}

	bad := BanConfig{BaseBanDuration: "x", MaxBanDuration: "1h", BackoffMultiplier: 2}
	if _, err := bad.toBanPolicy(); err == nil {
		t.Error("toBanPolicy() should fail on invalid duration")
	}
}
