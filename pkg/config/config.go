package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the arbitrage detector.
type Config struct {
	Port string
	Env  string

	// Message bus
	RedisURL string

	// Chains this instance watches. ChainRPCURLs/ChainWSURLs are keyed by
	// chain name ("ethereum", "arbitrum", ...).
	Chains       []string
	ChainRPCURLs map[string]string
	ChainWSURLs  map[string]string

	// KMS / signing
	FeatureKMSSigning bool
	KMSKeyIDDefault   string
	KMSKeyIDByChain   map[string]string
	AWSRegion         string

	// Detector (4.H)
	DetectionInterval   time.Duration
	MaxPriceAge         time.Duration
	MinProfitThreshold  float64
	FeePercentage       float64
	ErrorThreshold      int
	ErrorCooldown       time.Duration
	SuperWhaleUsd       float64

	// StreamConsumer (4.B)
	ConsumerGroup string
	InstanceID    string
	PollInterval  time.Duration

	// PreValidationOrchestrator (4.I)
	PreValidationEnabled  bool
	MonthlyBudget         int
	MinProfitForValidation float64
	SampleRate            float64
	PreValidationTimeout  time.Duration

	// BridgeRecoveryManager (4.J)
	RecoveryCheckInterval time.Duration
	RecoveryMaxAge        time.Duration
	RecoveryHMACSecret    string

	// CircuitBreakerManager (4.K)
	CircuitFailureThreshold int
	CircuitCooldownPeriod   time.Duration

	// BalanceMonitor (4.L)
	BalanceCheckInterval  time.Duration
	LowBalanceThresholdEth float64
	BalanceMonitorDisabled bool

	// Audit / metrics
	AuditDBPath string
	MetricsPort int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	chains := splitAndTrim(getEnv("CHAINS", "ethereum,arbitrum,base"))

	return &Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("NODE_ENV", "development"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		Chains:       chains,
		ChainRPCURLs: perChainEnv(chains, "RPC_URL"),
		ChainWSURLs:  perChainEnv(chains, "WS_URL"),

		FeatureKMSSigning: getEnv("FEATURE_KMS_SIGNING", "false") == "true",
		KMSKeyIDDefault:   os.Getenv("KMS_KEY_ID"),
		KMSKeyIDByChain:   perChainEnv(chains, "KMS_KEY_ID"),
		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),

		DetectionInterval:  getEnvDuration("DETECTION_INTERVAL_MS", 100*time.Millisecond),
		MaxPriceAge:        getEnvDuration("MAX_PRICE_AGE_MS", 30*time.Second),
		MinProfitThreshold: getEnvFloat("MIN_PROFIT_THRESHOLD", 0.001),
		FeePercentage:      getEnvFloat("FEE_PERCENTAGE", 0.003),
		ErrorThreshold:     getEnvInt("DETECTOR_ERROR_THRESHOLD", 5),
		ErrorCooldown:      getEnvDuration("DETECTOR_ERROR_COOLDOWN_MS", 30*time.Second),
		SuperWhaleUsd:      getEnvFloat("SUPER_WHALE_USD", 1_000_000),

		ConsumerGroup: getEnv("CONSUMER_GROUP", "detector-group"),
		InstanceID:    getEnv("INSTANCE_ID", hostnameOr("")),
		PollInterval:  getEnvDuration("POLL_INTERVAL_MS", 100*time.Millisecond),

		PreValidationEnabled:   getEnv("PREVALIDATION_ENABLED", "true") == "true",
		MonthlyBudget:          getEnvInt("MONTHLY_SIMULATION_BUDGET", 1000),
		MinProfitForValidation: getEnvFloat("MIN_PROFIT_FOR_VALIDATION", 10),
		SampleRate:             getEnvFloat("VALIDATION_SAMPLE_RATE", 0.1),
		PreValidationTimeout:   getEnvDuration("VALIDATION_TIMEOUT_MS", 2*time.Second),

		RecoveryCheckInterval: getEnvDuration("RECOVERY_CHECK_INTERVAL_MS", 60*time.Second),
		RecoveryMaxAge:        getEnvDuration("RECOVERY_MAX_AGE_MS", 24*time.Hour),
		RecoveryHMACSecret:    os.Getenv("RECOVERY_HMAC_SECRET"),

		CircuitFailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitCooldownPeriod:   getEnvDuration("CIRCUIT_COOLDOWN_MS", 300*time.Second),

		BalanceCheckInterval:   getEnvDuration("BALANCE_CHECK_INTERVAL_MS", 60*time.Second),
		LowBalanceThresholdEth: getEnvFloat("LOW_BALANCE_THRESHOLD_ETH", 0.01),
		BalanceMonitorDisabled: getEnv("BALANCE_MONITOR_DISABLED", "false") == "true",

		AuditDBPath: getEnv("AUDIT_DB_PATH", "./data/audit.db"),
		MetricsPort: getEnvInt("METRICS_PORT", 9090),
	}, nil
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	if fallback != "" {
		return fallback
	}
	return "detector-" + uuid.NewString()[:8]
}

// fileOverrides is the subset of Config that may be overlaid from a YAML
// file pointed to by --config, for settings better expressed as structured
// data than flat env vars (per-chain RPC/WS endpoints).
type fileOverrides struct {
	ChainRPCURLs map[string]string `yaml:"chainRpcUrls"`
	ChainWSURLs  map[string]string `yaml:"chainWsUrls"`
}

// LoadFile behaves like Load but additionally overlays chain endpoint
// overrides read from a YAML file at path. An empty path is equivalent to
// Load.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read override file: %w", err)
	}

	var overrides fileOverrides
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("config: parse override file: %w", err)
	}
	for chain, url := range overrides.ChainRPCURLs {
		cfg.ChainRPCURLs[chain] = url
	}
	for chain, url := range overrides.ChainWSURLs {
		cfg.ChainWSURLs[chain] = url
	}
	return cfg, nil
}

// perChainEnv resolves a per-chain env var (e.g. RPC_URL_ETHEREUM) with a
// fallback to the generic one (RPC_URL), matching the factory pattern the
// spec uses for KMS_KEY_ID_<CHAIN>.
func perChainEnv(chains []string, suffix string) map[string]string {
	out := make(map[string]string, len(chains))
	generic := os.Getenv(suffix)
	for _, chain := range chains {
		key := suffix + "_" + strings.ToUpper(chain)
		if v := os.Getenv(key); v != "" {
			out[chain] = v
		} else if generic != "" {
			out[chain] = generic
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return def
}
