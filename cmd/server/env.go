package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// settings 进程级配置，来自环境变量（支持.env文件）
type settings struct {
	ListenAddr      string
	ConfigFile      string
	LogLevel        string
	StorageType     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	RefreshInterval time.Duration
	AdminToken      string
}

func loadSettings() (settings, error) {
	_ = godotenv.Load()

	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return settings{}, fmt.Errorf("无效的REDIS_DB: %w", err)
	}
	interval, err := time.ParseDuration(getEnv("METRICS_REFRESH_INTERVAL", "15s"))
	if err != nil {
		return settings{}, fmt.Errorf("无效的METRICS_REFRESH_INTERVAL: %w", err)
	}
	if interval <= 0 {
		return settings{}, fmt.Errorf("METRICS_REFRESH_INTERVAL必须为正数")
	}

	s := settings{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		ConfigFile:      os.Getenv("RATELIMIT_CONFIG"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		StorageType:     strings.ToLower(getEnv("STORAGE_TYPE", "redis")),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         db,
		RedisPrefix:     getEnv("REDIS_PREFIX", "ratelimit"),
		RefreshInterval: interval,
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
	}
	switch s.StorageType {
	case "redis", "memory":
	default:
		return settings{}, fmt.Errorf("不支持的存储类型: %s", s.StorageType)
	}
	return s, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
