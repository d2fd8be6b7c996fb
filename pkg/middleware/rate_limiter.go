package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"HibiscusCrisis/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// RateLimiterConfig 限流配置
//
// 示例：
// Rate: "120-M"、Identifier: "ip"/"client"/"ip+route"
// PerRouteRates: {"/api/messages": "30-M"}
// WhitelistCIDRs: ["10.0.0.0/8"]，内网的响应者终端不受限
// SkipPaths: ["/health", "/metrics"] 前缀匹配
type RateLimiterConfig struct {
	Rate           string            `json:"rate"`
	PerRouteRates  map[string]string `json:"per_route_rates"`
	Identifier     string            `json:"identifier"`
	WhitelistCIDRs []string          `json:"whitelist_cidrs"`
	BlacklistCIDRs []string          `json:"blacklist_cidrs"`
	SkipPaths      []string          `json:"skip_paths"`
	AddHeaders     bool              `json:"add_headers"`
	DenyStatus     int               `json:"deny_status"` // 默认 429
	DenyMessage    string            `json:"deny_message"`
}

// RateLimiter 面向实例的限流器，按速率缓存 limiter
type RateLimiter struct {
	cfg            RateLimiterConfig
	store          limiter.Store
	metrics        *metrics.Metrics
	limitersByRate map[string]*limiter.Limiter
	mu             sync.RWMutex
	whiteCIDRs     []*net.IPNet
	blackCIDRs     []*net.IPNet
}

// NewRedisStore 多实例共享计数
func NewRedisStore(client *redis.Client, prefix string) (limiter.Store, error) {
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix + "ratelimit", MaxRetry: 3})
}

// NewRateLimiter store 为 nil 时使用内存存储
func NewRateLimiter(cfg RateLimiterConfig, store limiter.Store, m *metrics.Metrics) *RateLimiter {
	if store == nil {
		store = memory.NewStore()
	}
	l := &RateLimiter{
		cfg:            cfg,
		store:          store,
		metrics:        m,
		limitersByRate: make(map[string]*limiter.Limiter),
	}
	l.whiteCIDRs = compileCIDRs(cfg.WhitelistCIDRs)
	l.blackCIDRs = compileCIDRs(cfg.BlacklistCIDRs)
	return l
}

// Middleware 返回 Gin 中间件
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if pathSkipped(l.cfg.SkipPaths, route) {
			c.Next()
			return
		}

		clientIP := clientIPFromRequest(c)
		if ipListed(clientIP, l.whiteCIDRs) {
			c.Next()
			return
		}
		if ipListed(clientIP, l.blackCIDRs) {
			l.metrics.RateLimit(route, "deny")
			l.deny(c)
			return
		}

		lim := l.getLimiter(l.pickRate(route))
		ctx, err := lim.Get(c, l.limitKey(c, clientIP, route))
		if err != nil {
			// 存储故障时放行
			c.Next()
			return
		}
		if l.cfg.AddHeaders {
			setStandardHeaders(c, ctx)
		}
		if ctx.Reached {
			setRetryAfter(c, time.Until(time.Unix(ctx.Reset, 0)))
			l.metrics.RateLimit(route, "deny")
			l.deny(c)
			return
		}
		l.metrics.RateLimit(route, "allow")
		c.Next()
	}
}

func (l *RateLimiter) getLimiter(rateStr string) *limiter.Limiter {
	l.mu.RLock()
	lim, ok := l.limitersByRate[rateStr]
	l.mu.RUnlock()
	if ok {
		return lim
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limitersByRate[rateStr]; ok {
		return lim
	}
	r, err := limiter.NewRateFromFormatted(rateStr)
	if err != nil {
		r = limiter.Rate{Period: time.Second, Limit: 10}
	}
	lim = limiter.New(l.store, r)
	l.limitersByRate[rateStr] = lim
	return lim
}

func (l *RateLimiter) pickRate(route string) string {
	if r, ok := l.cfg.PerRouteRates[route]; ok && r != "" {
		return r
	}
	if l.cfg.Rate != "" {
		return l.cfg.Rate
	}
	return "10-S"
}

func (l *RateLimiter) limitKey(c *gin.Context, ip, route string) string {
	switch l.cfg.Identifier {
	case "client":
		return ClientIdentity(c)
	case "ip+route":
		return "iprt:" + ip + ":" + route
	default:
		return "ip:" + ip
	}
}

func (l *RateLimiter) deny(c *gin.Context) {
	status := l.cfg.DenyStatus
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	msg := l.cfg.DenyMessage
	if msg == "" {
		msg = "Too Many Requests"
	}
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": msg})
}

func compileCIDRs(list []string) []*net.IPNet {
	var out []*net.IPNet
	for _, c := range list {
		if _, ipnet, err := net.ParseCIDR(strings.TrimSpace(c)); err == nil {
			out = append(out, ipnet)
		}
	}
	return out
}

func pathSkipped(prefixes []string, p string) bool {
	for _, pref := range prefixes {
		if pref != "" && strings.HasPrefix(p, pref) {
			return true
		}
	}
	return false
}

func clientIPFromRequest(c *gin.Context) string {
	return strings.TrimPrefix(c.ClientIP(), "::ffff:")
}

func ipListed(ip string, nets []*net.IPNet) bool {
	pip := net.ParseIP(ip)
	if pip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(pip) {
			return true
		}
	}
	return false
}

func setStandardHeaders(c *gin.Context, ctx limiter.Context) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(ctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(ctx.Remaining, 10))
	resetSec := int(time.Until(time.Unix(ctx.Reset, 0)).Seconds())
	if resetSec < 0 {
		resetSec = 0
	}
	c.Header("X-RateLimit-Reset", strconv.Itoa(resetSec))
}

func setRetryAfter(c *gin.Context, d time.Duration) {
	sec := int(d.Seconds())
	if sec < 0 {
		sec = 0
	}
	c.Header("Retry-After", strconv.Itoa(sec))
}
