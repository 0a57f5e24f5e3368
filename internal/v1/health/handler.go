// Package health implements liveness/readiness probes for the sequencer
// process: Kubernetes-style endpoints checking the Reprove queue's Redis
// backend and at least one chain RPC provider.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/logging"
)

// ChainChecker reports whether a chain RPC endpoint is reachable.
type ChainChecker interface {
	Check(ctx context.Context) string
}

// Handler serves the sequencer's health endpoints.
type Handler struct {
	redisClient  *redis.Client
	chainChecker ChainChecker
}

// NewHandler builds a Handler. redisClient and chainChecker may both be nil
// (single-instance mode without a Reprove backend, or chain checks disabled
// for a local dev run); a nil dependency is reported healthy by default.
func NewHandler(redisClient *redis.Client, chainChecker ChainChecker) *Handler {
	return &Handler{redisClient: redisClient, chainChecker: chainChecker}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness answers "is the process alive" with no dependency checks.
// GET /health/live
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness answers "can this sequencer serve rooms right now": it checks
// the Reprove queue's Redis backend and chain RPC reachability.
// GET /health/ready
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	chainStatus := h.checkChain(ctx)
	checks["chain"] = chainStatus
	if chainStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	code := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisClient == nil {
		return "healthy"
	}
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "health: redis ping failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkChain(ctx context.Context) string {
	if h.chainChecker == nil {
		return "healthy"
	}
	return h.chainChecker.Check(ctx)
}
