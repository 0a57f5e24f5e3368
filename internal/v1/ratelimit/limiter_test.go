package ratelimit

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z4-labs/sequencer/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitAPIGlobal: "2-M",
		RateLimitAPIRooms:  "2-M",
		RateLimitWsIP:      "2-M",
		RateLimitWsPeer:    "2-M",
		RateLimitConnectIP: "2-M",
	}
}

func newTestContext(t *testing.T, clientIP string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = clientIP + ":1234"
	c.Request = req
	return c, w
}

func TestNew_RejectsMalformedRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitAPIGlobal = "not-a-rate"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNew_BuildsMemoryStoreWhenRedisNil(t *testing.T) {
	lim, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, lim)
}

func TestHTTPMiddleware_AllowsUntilBudgetExhausted(t *testing.T) {
	lim, err := New(testConfig(), nil)
	require.NoError(t, err)

	mw := lim.HTTPMiddleware()
	for i := 0; i < 2; i++ {
		c, w := newTestContext(t, "10.0.0.1")
		mw(c)
		assert.Equal(t, 200, w.Code)
	}

	c, w := newTestContext(t, "10.0.0.1")
	mw(c)
	assert.Equal(t, 429, w.Code)
}

func TestHTTPMiddleware_TracksIPsIndependently(t *testing.T) {
	lim, err := New(testConfig(), nil)
	require.NoError(t, err)

	mw := lim.HTTPMiddleware()
	for i := 0; i < 2; i++ {
		c, _ := newTestContext(t, "10.0.0.2")
		mw(c)
	}

	c, w := newTestContext(t, "10.0.0.3")
	mw(c)
	assert.Equal(t, 200, w.Code)
}

func TestAllowConnect_RefusesOverBudget(t *testing.T) {
	lim, err := New(testConfig(), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		c, _ := newTestContext(t, "10.0.0.4")
		assert.True(t, lim.AllowConnect(c))
	}

	c, w := newTestContext(t, "10.0.0.4")
	assert.False(t, lim.AllowConnect(c))
	assert.Equal(t, 429, w.Code)
}

func TestAllowPeerEvent_RefusesOverBudget(t *testing.T) {
	lim, err := New(testConfig(), nil)
	require.NoError(t, err)

	c, _ := newTestContext(t, "10.0.0.5")
	ctx := c.Request.Context()

	for i := 0; i < 2; i++ {
		assert.True(t, lim.AllowPeerEvent(ctx, "peer-1"))
	}
	assert.False(t, lim.AllowPeerEvent(ctx, "peer-1"))
}

func TestAllowRoomMarketQuery_RefusesOverBudget(t *testing.T) {
	lim, err := New(testConfig(), nil)
	require.NoError(t, err)

	c, _ := newTestContext(t, "10.0.0.7")
	ctx := c.Request.Context()

	for i := 0; i < 2; i++ {
		assert.True(t, lim.AllowRoomMarketQuery(ctx, "10.0.0.7"))
	}
	assert.False(t, lim.AllowRoomMarketQuery(ctx, "10.0.0.7"))
}

func TestAllowPeerIP_RefusesOverBudget(t *testing.T) {
	lim, err := New(testConfig(), nil)
	require.NoError(t, err)

	c, _ := newTestContext(t, "10.0.0.6")
	ctx := c.Request.Context()

	for i := 0; i < 2; i++ {
		assert.True(t, lim.AllowPeerIP(ctx, "10.0.0.6"))
	}
	assert.False(t, lim.AllowPeerIP(ctx, "10.0.0.6"))
}
