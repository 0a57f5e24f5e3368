package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the sequencer process.
type Config struct {
	// Required
	SecretKey     string   // hex-encoded 32-byte sequencer identity
	Games         []string // hex game addresses this sequencer serves
	ChainNetwork  string
	ChainRPCs     []string
	ChainMarket   string // hex address of the RoomMarket contract
	WsPort        string
	HTTPPort      string
	P2PPort       string

	// Optional with defaults
	Groups          []string
	ChainStartBlock uint64
	AutoStake       bool
	URLHTTP         string
	URLWebsocket    string
	GoEnv           string
	LogLevel        string

	// Reprove retry queue (optional; falls back to in-memory-only retries when unset)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits (M = Minute, H = Hour)
	RateLimitAPIGlobal  string
	RateLimitAPIRooms   string
	RateLimitWsIP       string
	RateLimitWsPeer     string
	RateLimitConnectIP  string

	// Tracing (optional; tracing stays disabled with no collector configured)
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: SECRET_KEY (hex, 64 chars = 32 bytes)
	cfg.SecretKey = os.Getenv("SECRET_KEY")
	if cfg.SecretKey == "" {
		errors = append(errors, "SECRET_KEY is required")
	} else if len(strings.TrimPrefix(cfg.SecretKey, "0x")) != 64 {
		errors = append(errors, fmt.Sprintf("SECRET_KEY must be a hex-encoded 32-byte key (got %d hex chars)", len(strings.TrimPrefix(cfg.SecretKey, "0x"))))
	}

	// Required: GAMES (comma-separated hex addresses)
	gamesRaw := os.Getenv("GAMES")
	if gamesRaw == "" {
		errors = append(errors, "GAMES is required")
	} else {
		cfg.Games = splitAndTrim(gamesRaw)
	}

	// Required: CHAIN_NETWORK
	cfg.ChainNetwork = os.Getenv("CHAIN_NETWORK")
	if cfg.ChainNetwork == "" {
		errors = append(errors, "CHAIN_NETWORK is required")
	}

	// Required: CHAIN_RPCS (comma-separated provider URLs, at least one)
	rpcsRaw := os.Getenv("CHAIN_RPCS")
	if rpcsRaw == "" {
		errors = append(errors, "CHAIN_RPCS is required")
	} else {
		cfg.ChainRPCs = splitAndTrim(rpcsRaw)
	}

	// Required: CHAIN_MARKET (RoomMarket contract address)
	cfg.ChainMarket = os.Getenv("CHAIN_MARKET")
	if cfg.ChainMarket == "" {
		errors = append(errors, "CHAIN_MARKET is required")
	}

	// Required: WS_PORT / HTTP_PORT / P2P_PORT
	cfg.WsPort = os.Getenv("WS_PORT")
	if cfg.WsPort == "" {
		errors = append(errors, "WS_PORT is required")
	} else if !isValidPort(cfg.WsPort) {
		errors = append(errors, fmt.Sprintf("WS_PORT must be a valid port number (got '%s')", cfg.WsPort))
	}

	cfg.HTTPPort = os.Getenv("HTTP_PORT")
	if cfg.HTTPPort == "" {
		errors = append(errors, "HTTP_PORT is required")
	} else if !isValidPort(cfg.HTTPPort) {
		errors = append(errors, fmt.Sprintf("HTTP_PORT must be a valid port number (got '%s')", cfg.HTTPPort))
	}

	cfg.P2PPort = os.Getenv("P2P_PORT")
	if cfg.P2PPort == "" {
		errors = append(errors, "P2P_PORT is required")
	} else if !isValidPort(cfg.P2PPort) {
		errors = append(errors, fmt.Sprintf("P2P_PORT must be a valid port number (got '%s')", cfg.P2PPort))
	}

	// Optional: GROUPS
	cfg.Groups = splitAndTrim(os.Getenv("GROUPS"))

	// Optional: CHAIN_START_BLOCK (defaults to 0, i.e. scan from genesis)
	if raw := os.Getenv("CHAIN_START_BLOCK"); raw != "" {
		block, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			errors = append(errors, fmt.Sprintf("CHAIN_START_BLOCK must be a non-negative integer (got '%s')", raw))
		} else {
			cfg.ChainStartBlock = block
		}
	}

	// Optional: AUTO_STAKE
	cfg.AutoStake = os.Getenv("AUTO_STAKE") == "true"
	cfg.URLHTTP = os.Getenv("URL_HTTP")
	cfg.URLWebsocket = os.Getenv("URL_WEBSOCKET")
	if cfg.AutoStake && (cfg.URLHTTP == "" || cfg.URLWebsocket == "") {
		errors = append(errors, "URL_HTTP and URL_WEBSOCKET are required when AUTO_STAKE=true")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Rate limits
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsPeer = getEnvOrDefault("RATE_LIMIT_WS_PEER", "30-M")
	cfg.RateLimitConnectIP = getEnvOrDefault("RATE_LIMIT_CONNECT_IP", "20-M")

	// Optional: OTEL_COLLECTOR_ADDR (tracing disabled when unset)
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
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

// isValidPort checks that a string parses to a port number in [1, 65535].
func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port <= 65535
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	if !isValidPort(parts[1]) {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"secret_key", redactSecret(cfg.SecretKey),
		"games", len(cfg.Games),
		"chain_network", cfg.ChainNetwork,
		"chain_rpcs", len(cfg.ChainRPCs),
		"chain_market", cfg.ChainMarket,
		"chain_start_block", cfg.ChainStartBlock,
		"ws_port", cfg.WsPort,
		"http_port", cfg.HTTPPort,
		"p2p_port", cfg.P2PPort,
		"auto_stake", cfg.AutoStake,
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"tracing_enabled", cfg.OtelCollectorAddr != "",
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
