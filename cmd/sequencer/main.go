package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/games/echo"
	"github.com/z4-labs/sequencer/internal/v1/chain"
	"github.com/z4-labs/sequencer/internal/v1/config"
	"github.com/z4-labs/sequencer/internal/v1/engine"
	"github.com/z4-labs/sequencer/internal/v1/handler"
	"github.com/z4-labs/sequencer/internal/v1/health"
	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/middleware"
	"github.com/z4-labs/sequencer/internal/v1/p2pingress"
	"github.com/z4-labs/sequencer/internal/v1/ratelimit"
	"github.com/z4-labs/sequencer/internal/v1/rpcingress"
	"github.com/z4-labs/sequencer/internal/v1/tracing"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

const serviceName = "sequencer"

// transportSink fans HandleResult-driven sends out to whichever ingress
// actually owns the wire: p2pingress for P2P-reachable peers, rpcingress for
// RPC-channel-reachable ones. A room's viewers may be a mix of both, so the
// dispatcher needs a single Sink spanning both transports.
type transportSink struct {
	rpc *rpcingress.Server
	p2p *p2pingress.Server
}

func (s *transportSink) SendP2P(room types.RoomId, peer types.PeerId, payload []byte) {
	s.p2p.SendP2P(room, peer, payload)
}

func (s *transportSink) SendRPC(channelID uint64, room types.RoomId, requestID uint64, method string, params json.RawMessage) {
	s.rpc.SendRPC(channelID, room, requestID, method, params)
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, relying on process environment")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OtelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing: failed to initialize, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}

	lim, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "ratelimit: failed to initialize", zap.Error(err))
	}

	providers := make(map[string]chain.Provider, len(cfg.ChainRPCs))
	var primary *ethclient.Client
	for i, rpc := range cfg.ChainRPCs {
		client, err := ethclient.DialContext(ctx, rpc)
		if err != nil {
			logging.Fatal(ctx, "chain: failed to dial provider", zap.String("rpc", rpc), zap.Error(err))
		}
		name := fmt.Sprintf("rpc-%d", i)
		providers[name] = client
		if primary == nil {
			primary = client
		}
	}

	market := common.HexToAddress(cfg.ChainMarket)
	scanner := chain.NewScanner(market, cfg.ChainStartBlock, providers)
	chainChecker := chain.NewRPCChecker(primary)

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SecretKey, "0x"))
	if err != nil {
		logging.Fatal(ctx, "config: SECRET_KEY is not a valid ECDSA key", zap.Error(err))
	}
	selfAddress := crypto.PubkeyToAddress(privateKey.PublicKey)
	selfPeer := types.PeerId(selfAddress)

	chainID, err := primary.NetworkID(ctx)
	if err != nil {
		logging.Fatal(ctx, "chain: failed to fetch network id", zap.Error(err))
	}
	opts, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
	if err != nil {
		logging.Fatal(ctx, "chain: failed to build transactor", zap.Error(err))
	}

	reprove := chain.NewReproveQueue(redisClient)
	pool, err := chain.NewPool(market, primary, opts, reprove)
	if err != nil {
		logging.Fatal(ctx, "chain: failed to build submission pool", zap.Error(err))
	}

	games := make([]handler.Game, 0, len(cfg.Games))
	for _, g := range cfg.Games {
		gid, err := types.ParseGameId(g)
		if err != nil {
			logging.Fatal(ctx, "config: GAMES entry is not a valid address", zap.String("game", g), zap.Error(err))
		}
		games = append(games, echo.New(gid))
	}

	rpcSrv := rpcingress.New(nil, lim)
	p2pSrv := p2pingress.New(nil, lim)
	sink := &transportSink{rpc: rpcSrv, p2p: p2pSrv}

	poolOut := make(chan chain.PoolMessage, 64)
	eng := engine.New(games, sink, poolOut)
	eng.SetSelfPeer(selfPeer)
	eng.SetReproveQueue(reprove)
	rpcSrv.BindEngine(eng)
	p2pSrv.BindEngine(eng)

	chainIn := make(chan chain.Event, 256)
	reproveIn := make(chan chain.ReproveMessage, 64)

	go scanner.Run(ctx, chainIn)
	go pool.Run(ctx, poolOut, reproveIn)
	go eng.Run(ctx, chainIn, reproveIn)

	gin.SetMode(ginModeFor(cfg.GoEnv))
	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID())
	if cfg.OtelCollectorAddr != "" {
		router.Use(otelgin.Middleware(serviceName))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins()
	router.Use(cors.New(corsCfg))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(redisClient, chainChecker)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	rpcGroup := router.Group("/")
	rpcSrv.RegisterRoutes(rpcGroup)

	httpSrv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	go func() {
		logging.Info(ctx, "rpcingress: http server starting", zap.String("port", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "rpcingress: http server failed", zap.Error(err))
		}
	}()

	p2pLn, err := net.Listen("tcp", ":"+cfg.P2PPort)
	if err != nil {
		logging.Fatal(ctx, "p2pingress: failed to bind listener", zap.String("port", cfg.P2PPort), zap.Error(err))
	}
	go func() {
		logging.Info(ctx, "p2pingress: server starting", zap.String("port", cfg.P2PPort))
		if err := p2pSrv.Serve(ctx, p2pLn); err != nil {
			logging.Warn(ctx, "p2pingress: server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(ctx, "sequencer: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "rpcingress: graceful shutdown failed", zap.Error(err))
	}
	_ = p2pLn.Close()

	logging.Info(shutdownCtx, "sequencer: shutdown complete")
}

func ginModeFor(goEnv string) string {
	if goEnv == "production" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}

// allowedOrigins reads ALLOWED_ORIGINS (comma-separated) directly from the
// environment, falling back to localhost for a bare dev run.
func allowedOrigins() []string {
	raw := os.Getenv("ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
