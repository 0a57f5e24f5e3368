// Package ratelimit enforces per-IP and per-peer request budgets on both
// transports using a shared ulule/limiter store (Redis when available,
// in-memory otherwise).
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/config"
	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/metrics"
)

// Limiter holds the sequencer's rate limiter instances: one per concern
// named in the config's rate-limit options.
type Limiter struct {
	apiGlobal *limiter.Limiter
	apiRooms  *limiter.Limiter
	wsIP      *limiter.Limiter
	wsPeer    *limiter.Limiter
	connectIP *limiter.Limiter
	store     limiter.Store
}

// New builds a Limiter. When redisClient is nil the limiter falls back to an
// in-process memory store (fine for a single-instance deployment, but limits
// aren't shared across sequencer replicas).
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	rates := map[string]string{
		"api_global": cfg.RateLimitAPIGlobal,
		"api_rooms":  cfg.RateLimitAPIRooms,
		"ws_ip":      cfg.RateLimitWsIP,
		"ws_peer":    cfg.RateLimitWsPeer,
		"connect_ip": cfg.RateLimitConnectIP,
	}
	parsed := make(map[string]limiter.Rate, len(rates))
	for name, formatted := range rates {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: invalid rate %q for %s: %w", formatted, name, err)
		}
		parsed[name] = rate
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "z4:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "ratelimit: using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "ratelimit: using in-memory store, limits not shared across replicas")
	}

	return &Limiter{
		apiGlobal: limiter.New(store, parsed["api_global"]),
		apiRooms:  limiter.New(store, parsed["api_rooms"]),
		wsIP:      limiter.New(store, parsed["ws_ip"]),
		wsPeer:    limiter.New(store, parsed["ws_peer"]),
		connectIP: limiter.New(store, parsed["connect_ip"]),
		store:     store,
	}, nil
}

// HTTPMiddleware enforces the global per-IP JSON-RPC request budget.
func (l *Limiter) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		l.enforce(c, l.apiGlobal, c.ClientIP(), "api_global")
	}
}

// AllowRoomMarketQuery enforces a tighter budget, keyed by key (typically
// the querying connection's IP), on the room_market query, which walks the
// full pending set for a game. Unlike HTTPMiddleware this isn't a gin
// middleware: room_market travels as an RPC method over an already-upgraded
// websocket connection, with no per-call gin.Context to attach a route
// middleware to.
func (l *Limiter) AllowRoomMarketQuery(ctx context.Context, key string) bool {
	result, err := l.apiRooms.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "ratelimit: room market store lookup failed, failing open", zap.Error(err))
		return true
	}
	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("room_market", "api_rooms").Inc()
		return false
	}
	return true
}

// enforce checks key against lim, aborting the request with 429 if the
// budget is exhausted. A store failure fails open (the request proceeds) so
// a degraded Redis never takes the whole transport down.
func (l *Limiter) enforce(c *gin.Context, lim *limiter.Limiter, key, label string) {
	ctx := c.Request.Context()
	result, err := lim.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "ratelimit: store lookup failed, failing open", zap.String("limiter", label), zap.Error(err))
		c.Next()
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))

	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), label).Inc()
		c.Header("Retry-After", strconv.FormatInt(result.Reset-time.Now().Unix(), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "retry_after": result.Reset})
		return
	}

	metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
	c.Next()
}

// AllowConnect checks the per-IP websocket connect budget before the
// handshake is accepted. Returns false (already having written the response)
// if the connection should be refused.
func (l *Limiter) AllowConnect(c *gin.Context) bool {
	ctx := c.Request.Context()
	result, err := l.connectIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "ratelimit: connect store lookup failed, failing open", zap.Error(err))
		return true
	}
	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_connect", "connect_ip").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts from this IP"})
		return false
	}
	return true
}

// AllowPeerEvent checks a connected peer's event budget once it is online.
func (l *Limiter) AllowPeerEvent(ctx context.Context, peer string) bool {
	result, err := l.wsPeer.Get(ctx, peer)
	if err != nil {
		logging.Error(ctx, "ratelimit: peer store lookup failed, failing open", zap.Error(err))
		return true
	}
	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_event", "ws_peer").Inc()
		return false
	}
	return true
}

// AllowPeerIP checks ip against the ws_ip budget (distinct from the HTTP
// connect budget); each call counts once. The P2P ingress calls it once per
// accepted connection, before any frame is read.
func (l *Limiter) AllowPeerIP(ctx context.Context, ip string) bool {
	result, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ratelimit: ws ip store lookup failed, failing open", zap.Error(err))
		return true
	}
	return !result.Reached
}
