package ratelimiter

import (
	"errors"
	"testing"
)

func TestStrategyType_String(t *testing.T) {
	tests := []struct {
		name     string
		strategy StrategyType
		want     string
	}{
		{"滑动窗口日志", StrategySlidingWindowLog, "sliding_window_log"},
		{"滑动窗口计数器", StrategySlidingWindowCounter, "sliding_window_counter"},
		{"令牌桶", StrategyTokenBucket, "token_bucket"},
		{"漏桶", StrategyLeakyBucket, "leaky_bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.strategy) != tt.want {
				t.Errorf("StrategyType = %v, want %v", tt.strategy, tt.want)
			}
			if !tt.strategy.IsValid() {
				t.Errorf("%v.IsValid() = false, want true", tt.strategy)
			}
		})
	}

	if StrategyType("fixed_window").IsValid() {
		t.Error("fixed_window should not be valid")
	}
	if len(Strategies()) != 4 {
		t.Errorf("len(Strategies()) = %d, want 4", len(Strategies()))
	}
}

func TestRateLimitConfig_Forbidden(t *testing.T) {
	if !(RateLimitConfig{Limit: 0}).Forbidden() {
		t.Error("Limit 0 should be forbidden")
	}
	if (RateLimitConfig{Limit: 1}).Forbidden() {
		t.Error("Limit 1 should not be forbidden")
	}
}

func TestIdentifier_Key(t *testing.T) {
	tests := []struct {
		name string
		id   Identifier
		want string
	}{
		{
			name: "完整标识",
			id:   Identifier{IP: "1.2.3.4", UserID: "u1", Path: "/api/login"},
			want: "1.2.3.4:u1:/api/login",
		},
		{
			name: "匿名用户",
			id:   Identifier{IP: "1.2.3.4", Path: "/api/login"},
			want: "1.2.3.4:anonymous:/api/login",
		},
		{
			name: "自定义维度",
			id:   Identifier{IP: "1.2.3.4", UserID: "u1", Path: "/x", Custom: "tenant-9"},
			want: "1.2.3.4:u1:/x:tenant-9",
		},
		{
			name: "IPv6中的冒号被转义",
			id:   Identifier{IP: "::1", UserID: "u1", Path: "/x"},
			want: "%3A%3A1:u1:/x",
		},
		{
			name: "百分号被转义",
			id:   Identifier{IP: "1.2.3.4", UserID: "100%", Path: "/x"},
			want: "1.2.3.4:100%25:/x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Key(); got != tt.want {
				t.Errorf("Key() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdentifier_KeyNoCollision(t *testing.T) {
	a := Identifier{IP: "a:b", UserID: "c", Path: "/p"}
	b := Identifier{IP: "a", UserID: "b:c", Path: "/p"}
	if a.Key() == b.Key() {
		t.Errorf("不同标识拼出相同的key: %s", a.Key())
	}
}

func TestIdentifier_Validate(t *testing.T) {
	if err := (Identifier{}).Validate(); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("Validate() = %v, want ErrInvalidIdentifier", err)
	}
	if err := (Identifier{IP: "1.2.3.4"}).Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	if err := (Identifier{Path: "/x"}).Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestErrors(t *testing.T) {
	var err error = &ConfigurationError{Field: "window", Value: "0s", Reason: "时间窗口至少为1秒"}
	if !IsConfigurationError(err) {
		t.Error("IsConfigurationError() = false, want true")
	}
	if IsStoreUnavailable(err) {
		t.Error("IsStoreUnavailable() = true, want false")
	}

	cause := errors.New("connection refused")
	err = &StoreUnavailableError{Op: "get", Err: cause}
	if !IsStoreUnavailable(err) {
		t.Error("IsStoreUnavailable() = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Error("StoreUnavailableError should unwrap to its cause")
	}
}
