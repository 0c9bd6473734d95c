package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	libredis "github.com/go-redis/redis"

	ratelimiter "github.com/Fischlvor/go-distributed-ratelimiter"
	"github.com/Fischlvor/go-distributed-ratelimiter/drivers/metrics/prometheus"
	ginmw "github.com/Fischlvor/go-distributed-ratelimiter/drivers/middleware/gin"
	"github.com/Fischlvor/go-distributed-ratelimiter/drivers/store/memory"
	redisstore "github.com/Fischlvor/go-distributed-ratelimiter/drivers/store/redis"
	"github.com/Fischlvor/go-distributed-ratelimiter/pkg/logger"
)

func main() {
	cfg, err := loadSettings()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	logger.Init(logger.ParseLevel(cfg.LogLevel))

	store, closeFn, err := initStore(cfg)
	if err != nil {
		logger.Error("初始化存储失败", "error", err)
		os.Exit(1)
	}
	defer closeFn()

	limiter, err := newLimiter(cfg, store)
	if err != nil {
		logger.Error("创建限流器失败", "error", err)
		os.Exit(1)
	}
	collector := prometheus.NewCollector(limiter)
	limiter.SetObserver(collector)

	r := gin.New()
	r.Use(gin.Recovery(), identify())
	registerRoutes(r, cfg, limiter, collector)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go collector.Run(ctx, cfg.RefreshInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("服务启动", "addr", cfg.ListenAddr, "storage", cfg.StorageType)
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("收到退出信号")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("服务异常退出", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("优雅关闭失败", "error", err)
	}
}

func initStore(cfg settings) (ratelimiter.Store, func(), error) {
	if cfg.StorageType == "memory" {
		logger.Warn("使用进程内存储，多实例之间不共享限流状态")
		return memory.NewStore(), func() {}, nil
	}

	client := libredis.NewClient(&libredis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	store := redisstore.NewStore(client, cfg.RedisPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		// 限流器默认放行，Redis稍后恢复即可
		logger.Warn("Redis暂不可用", "addr", cfg.RedisAddr, "error", err)
	}

	return store, func() {
		if err := client.Close(); err != nil {
			logger.Error("关闭Redis连接失败", "error", err)
		}
	}, nil
}

func newLimiter(cfg settings, store ratelimiter.Store) (*ratelimiter.Limiter, error) {
	if cfg.ConfigFile == "" {
		return ratelimiter.NewFromConfig(ratelimiter.Defaults(), store)
	}
	return ratelimiter.NewFromFile(cfg.ConfigFile, store)
}

// identify 示例认证：从请求头读取用户ID和角色
func identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			c.Set(ginmw.ContextKeyUserID, userID)
			c.Set(ginmw.ContextKeyRole, c.GetHeader("X-User-Role"))
		} else {
			c.Set(ginmw.ContextKeyRole, string(ratelimiter.RoleAnonymous))
		}
		c.Next()
	}
}

// adminAuth 校验管理令牌，未配置令牌时拒绝所有管理请求
func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func registerRoutes(r *gin.Engine, cfg settings, limiter *ratelimiter.Limiter, collector *prometheus.Collector) {
	m := ginmw.NewMiddleware(limiter, ginmw.WithFailOpen(limiter.FailOpen()))

	ok := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"path": c.Request.URL.Path})
	}

	api := r.Group("/api")
	api.POST("/auth/login", m.For(ratelimiter.CategoryAuth), ok)
	api.GET("/public/status", m.For(ratelimiter.CategoryPublic), ok)
	api.GET("/market/ticker", m.For(ratelimiter.CategoryMarketData), ok)
	api.POST("/trading/orders", m.For(ratelimiter.CategoryTrading), ok)
	api.POST("/webhooks/:source", m.For(ratelimiter.CategoryWebhook), ok)
	api.POST("/ai/completions", m.For(ratelimiter.CategoryAI), ok)

	admin := r.Group("/admin/ratelimit", adminAuth(cfg.AdminToken), m.For(ratelimiter.CategoryAdmin))
	ginmw.RegisterAdminRoutes(admin, limiter, collector)

	r.GET("/metrics", gin.WrapH(collector.Handler()))
}
