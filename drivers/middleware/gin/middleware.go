package gin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	ratelimiter "github.com/Fischlvor/go-distributed-ratelimiter"
	"github.com/Fischlvor/go-distributed-ratelimiter/pkg/logger"
)

const (
	// ContextKeyUserID 上游认证中间件写入的用户ID
	ContextKeyUserID = "user_id"
	// ContextKeyRole 上游认证中间件写入的角色
	ContextKeyRole = "role"
	// ContextKeyDecision 准入判定结果
	ContextKeyDecision = "ratelimit_decision"
)

// Limiter 限流器接口
type Limiter interface {
	Admit(ctx context.Context, id ratelimiter.Identifier, role string, category ratelimiter.Category) (*ratelimiter.Decision, error)
}

// Middleware Gin限流中间件
type Middleware struct {
	Limiter    Limiter
	FailOpen   bool
	OnError    func(*gin.Context, error)
	OnExceeded func(*gin.Context, *ratelimiter.Decision)
	KeyGetter  func(*gin.Context) (id ratelimiter.Identifier, role string)
}

// NewMiddleware 创建中间件工厂，默认在存储不可用时放行
func NewMiddleware(limiter Limiter, options ...Option) *Middleware {
	m := &Middleware{
		Limiter:    limiter,
		FailOpen:   true,
		OnError:    DefaultErrorHandler,
		OnExceeded: DefaultExceededHandler,
		KeyGetter:  DefaultKeyGetter,
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// For 返回某个接口类别的限流处理函数
func (m *Middleware) For(category ratelimiter.Category) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.Handle(c, category)
	}
}

// Handle 处理请求
func (m *Middleware) Handle(c *gin.Context, category ratelimiter.Category) {
	id, role := m.KeyGetter(c)

	decision, err := m.Limiter.Admit(c.Request.Context(), id, role, category)
	if err != nil {
		if m.FailOpen && ratelimiter.IsStoreUnavailable(err) {
			logger.Warn("限流存储不可用，放行请求", "path", id.Path, "ip", id.IP, "error", err)
			c.Next()
			return
		}
		m.OnError(c, err)
		return
	}
	c.Set(ContextKeyDecision, decision)

	// 设置限流响应头
	if result := decision.Result; result != nil {
		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))
		if !result.Allowed {
			c.Header("Retry-After", strconv.FormatInt(result.RetryAfter, 10))
		}
	}

	if !decision.Outcome.Permitted() {
		m.OnExceeded(c, decision)
		return
	}

	c.Next()
}

// Option 中间件选项
type Option func(*Middleware)

// WithErrorHandler 自定义错误处理
func WithErrorHandler(handler func(*gin.Context, error)) Option {
	return func(m *Middleware) {
		m.OnError = handler
	}
}

// WithExceededHandler 自定义拒绝处理（封禁、禁止访问、超限）
func WithExceededHandler(handler func(*gin.Context, *ratelimiter.Decision)) Option {
	return func(m *Middleware) {
		m.OnExceeded = handler
	}
}

// WithKeyGetter 自定义标识与角色获取
func WithKeyGetter(getter func(*gin.Context) (id ratelimiter.Identifier, role string)) Option {
	return func(m *Middleware) {
		m.KeyGetter = getter
	}
}

// WithFailOpen 存储不可用时是否放行
func WithFailOpen(failOpen bool) Option {
	return func(m *Middleware) {
		m.FailOpen = failOpen
	}
}

// DefaultErrorHandler 默认错误处理
func DefaultErrorHandler(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case ratelimiter.IsStoreUnavailable(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ratelimiter.ErrInvalidIdentifier):
		status = http.StatusBadRequest
	}

	c.JSON(status, gin.H{
		"error": "限流检查失败",
		"msg":   err.Error(),
	})
	c.Abort()
}

// DefaultExceededHandler 默认拒绝处理
func DefaultExceededHandler(c *gin.Context, decision *ratelimiter.Decision) {
	switch decision.Outcome {
	case ratelimiter.OutcomeForbidden:
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "无权访问该接口",
			"role":     decision.Role,
			"category": decision.Category,
		})
	case ratelimiter.OutcomeBanned:
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      "请求已被封禁",
			"retryAfter": decision.Result.RetryAfter,
		})
	default:
		result := decision.Result
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      "请求过于频繁",
			"limit":      result.Limit,
			"remaining":  result.Remaining,
			"reset":      result.Reset,
			"retryAfter": result.RetryAfter,
		})
	}
	c.Abort()
}

// DefaultKeyGetter 默认标识获取：客户端IP + 用户ID + 请求路径，角色取自上下文
func DefaultKeyGetter(c *gin.Context) (ratelimiter.Identifier, string) {
	id := ratelimiter.Identifier{
		IP:     c.ClientIP(),
		UserID: c.GetString(ContextKeyUserID),
		Path:   c.Request.URL.Path,
	}
	return id, c.GetString(ContextKeyRole)
}
