package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "CHAINS", "REDIS_URL", "DETECTION_INTERVAL_MS", "FEATURE_KMS_SIGNING", "NODE_ENV")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("expected default redis url, got %q", cfg.RedisURL)
	}
	if cfg.Env != "development" {
		t.Errorf("expected default env, got %q", cfg.Env)
	}
	if cfg.FeatureKMSSigning {
		t.Errorf("expected KMS signing disabled by default")
	}
	if len(cfg.Chains) != 3 {
		t.Errorf("expected 3 default chains, got %v", cfg.Chains)
	}
	if cfg.DetectionInterval != 100*time.Millisecond {
		t.Errorf("expected default detection interval of 100ms, got %v", cfg.DetectionInterval)
	}
}

func TestLoadHonorsOverrides(t *testing.T) {
	clearEnv(t, "CHAINS", "DETECTION_INTERVAL_MS", "FEATURE_KMS_SIGNING")
	os.Setenv("CHAINS", "ethereum, polygon ,")
	os.Setenv("DETECTION_INTERVAL_MS", "250")
	os.Setenv("FEATURE_KMS_SIGNING", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Chains) != 2 || cfg.Chains[0] != "ethereum" || cfg.Chains[1] != "polygon" {
		t.Errorf("expected trimmed chain list [ethereum polygon], got %v", cfg.Chains)
	}
	if cfg.DetectionInterval != 250*time.Millisecond {
		t.Errorf("expected overridden detection interval, got %v", cfg.DetectionInterval)
	}
	if !cfg.FeatureKMSSigning {
		t.Errorf("expected KMS signing enabled")
	}
}

func TestPerChainEnvFallsBackToGeneric(t *testing.T) {
	clearEnv(t, "RPC_URL", "RPC_URL_ETHEREUM", "RPC_URL_ARBITRUM")
	os.Setenv("RPC_URL", "https://generic.example/rpc")
	os.Setenv("RPC_URL_ETHEREUM", "https://eth.example/rpc")

	urls := perChainEnv([]string{"ethereum", "arbitrum"}, "RPC_URL")
	if urls["ethereum"] != "https://eth.example/rpc" {
		t.Errorf("expected chain-specific override, got %q", urls["ethereum"])
	}
	if urls["arbitrum"] != "https://generic.example/rpc" {
		t.Errorf("expected fallback to generic RPC_URL, got %q", urls["arbitrum"])
	}
}

func TestLoadFileOverlaysChainEndpoints(t *testing.T) {
	clearEnv(t, "CHAINS", "RPC_URL_ETHEREUM")

	path := filepath.Join(t.TempDir(), "override.yaml")
	content := "chainRpcUrls:\n  ethereum: https://overridden.example/rpc\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write override file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.ChainRPCURLs["ethereum"] != "https://overridden.example/rpc" {
		t.Errorf("expected override to apply, got %q", cfg.ChainRPCURLs["ethereum"])
	}
}

func TestLoadFileWithEmptyPathBehavesLikeLoad(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
}

func TestHostnameOrFallsBackToGeneratedID(t *testing.T) {
	id := hostnameOr("")
	if id == "" {
		t.Error("expected a non-empty instance id")
	}
}
