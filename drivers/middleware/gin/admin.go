package gin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	ratelimiter "github.com/Fischlvor/go-distributed-ratelimiter"
)

// Exposer 提供指标导出的HTTP处理器
type Exposer interface {
	Handler() http.Handler
}

type banRequest struct {
	ratelimiter.Identifier
	// DurationSeconds 为0时使用基础封禁时长
	DurationSeconds int64 `json:"durationSeconds"`
}

type resetRequest struct {
	ratelimiter.Identifier
	// Strategy 为空时清除所有算法下的状态
	Strategy string `json:"strategy"`
}

type resetPatternRequest struct {
	Pattern  string `json:"pattern" binding:"required"`
	Strategy string `json:"strategy"`
}

type limitRequest struct {
	Limit         int64  `json:"limit"`
	Window        string `json:"window" binding:"required"`
	BlockDuration string `json:"blockDuration"`
}

type banConfigRequest struct {
	MaxViolationsBeforeBan int64   `json:"maxViolationsBeforeBan"`
	BaseBanDuration        string  `json:"baseBanDuration" binding:"required"`
	MaxBanDuration         string  `json:"maxBanDuration" binding:"required"`
	BackoffMultiplier      float64 `json:"backoffMultiplier"`
	AutoBan                bool    `json:"autoBan"`
}

// RegisterAdminRoutes 注册管理接口，exposer为nil时不注册指标导出
func RegisterAdminRoutes(group *gin.RouterGroup, limiter *ratelimiter.Limiter, exposer Exposer) {
	h := &adminHandler{limiter: limiter}

	group.POST("/bans", h.ban)
	group.DELETE("/bans", h.unban)
	group.POST("/reset", h.reset)
	group.POST("/reset-pattern", h.resetPattern)
	group.GET("/identifier", h.identifierMetrics)
	group.GET("/stats", h.systemStats)
	group.GET("/limits/:role", h.roleLimits)
	group.PUT("/limits/:role/:category", h.updateLimit)
	group.GET("/ban-config", h.banConfig)
	group.PUT("/ban-config", h.updateBanConfig)

	if exposer != nil {
		group.GET("/metrics", gin.WrapH(exposer.Handler()))
	}
}

type adminHandler struct {
	limiter *ratelimiter.Limiter
}

func (h *adminHandler) ban(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeAdminError(c, err)
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if duration == 0 {
		duration = h.limiter.BanConfig().BaseBanDuration
	}
	if err := h.limiter.BanIdentifier(c.Request.Context(), req.Identifier, duration); err != nil {
		writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key(), "durationSeconds": int64(duration / time.Second)})
}

func (h *adminHandler) unban(c *gin.Context) {
	var id ratelimiter.Identifier
	if err := c.ShouldBindJSON(&id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := id.Validate(); err != nil {
		writeAdminError(c, err)
		return
	}
	if err := h.limiter.UnbanIdentifier(c.Request.Context(), id); err != nil {
		writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": id.Key()})
}

func (h *adminHandler) reset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeAdminError(c, err)
		return
	}

	strategies := ratelimiter.Strategies()
	if req.Strategy != "" {
		strategies = []ratelimiter.StrategyType{ratelimiter.StrategyType(req.Strategy)}
	}
	for _, s := range strategies {
		if err := h.limiter.ResetRateLimit(c.Request.Context(), req.Identifier, s); err != nil {
			writeAdminError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key(), "strategies": strategies})
}

func (h *adminHandler) resetPattern(c *gin.Context) {
	var req resetPatternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	strategies := ratelimiter.Strategies()
	if req.Strategy != "" {
		strategies = []ratelimiter.StrategyType{ratelimiter.StrategyType(req.Strategy)}
	}
	for _, s := range strategies {
		if err := h.limiter.ResetAllRateLimits(c.Request.Context(), req.Pattern, s); err != nil {
			writeAdminError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"pattern": req.Pattern, "strategies": strategies})
}

func (h *adminHandler) identifierMetrics(c *gin.Context) {
	id := ratelimiter.Identifier{
		IP:     c.Query("ip"),
		UserID: c.Query("userId"),
		Path:   c.Query("path"),
		Custom: c.Query("custom"),
	}
	if err := id.Validate(); err != nil {
		writeAdminError(c, err)
		return
	}

	metrics, err := h.limiter.GetMetrics(c.Request.Context(), id)
	if err != nil {
		writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (h *adminHandler) systemStats(c *gin.Context) {
	stats, err := h.limiter.GetSystemStats(c.Request.Context())
	if err != nil {
		writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *adminHandler) roleLimits(c *gin.Context) {
	role := ratelimiter.NormalizeRole(c.Param("role"))
	c.JSON(http.StatusOK, gin.H{
		"role":       role,
		"multiplier": h.limiter.Policy().Multiplier(string(role)),
		"limits":     h.limiter.Policy().GetAllLimitsForRole(string(role)),
	})
}

func (h *adminHandler) updateLimit(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	window, err := time.ParseDuration(req.Window)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的时间窗口: " + req.Window})
		return
	}
	var block time.Duration
	if req.BlockDuration != "" {
		if block, err = time.ParseDuration(req.BlockDuration); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的封禁时长: " + req.BlockDuration})
			return
		}
	}

	config := ratelimiter.RateLimitConfig{Limit: req.Limit, Window: window, BlockDuration: block}
	category := ratelimiter.Category(c.Param("category"))
	if err := h.limiter.Policy().UpdateRateLimit(c.Param("role"), category, config); err != nil {
		writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, config)
}

func (h *adminHandler) banConfig(c *gin.Context) {
	c.JSON(http.StatusOK, banConfigResponse(h.limiter.BanConfig()))
}

func (h *adminHandler) updateBanConfig(c *gin.Context) {
	var req banConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	base, err := time.ParseDuration(req.BaseBanDuration)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的基础封禁时长: " + req.BaseBanDuration})
		return
	}
	maxBan, err := time.ParseDuration(req.MaxBanDuration)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的封禁时长上限: " + req.MaxBanDuration})
		return
	}

	policy := ratelimiter.BanPolicy{
		MaxViolationsBeforeBan: req.MaxViolationsBeforeBan,
		BaseBanDuration:        base,
		MaxBanDuration:         maxBan,
		BackoffMultiplier:      req.BackoffMultiplier,
		AutoBan:                req.AutoBan,
	}
	if err := h.limiter.UpdateBanConfig(policy); err != nil {
		writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, banConfigResponse(policy))
}

func banConfigResponse(p ratelimiter.BanPolicy) gin.H {
	return gin.H{
		"maxViolationsBeforeBan": p.MaxViolationsBeforeBan,
		"baseBanDuration":        p.BaseBanDuration.String(),
		"maxBanDuration":         p.MaxBanDuration.String(),
		"backoffMultiplier":      p.BackoffMultiplier,
		"autoBan":                p.AutoBan,
	}
}

// writeAdminError 按错误类型返回状态码
func writeAdminError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case ratelimiter.IsConfigurationError(err), errors.Is(err, ratelimiter.ErrInvalidIdentifier):
		status = http.StatusBadRequest
	case ratelimiter.IsStoreUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
