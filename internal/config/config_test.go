package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	isolate(t)
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("output: plain\nretries: 1\nnetwork: mainnet\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("EXPLORER_OUTPUT", "json")
	t.Setenv("EXPLORER_NETWORK", "devnet")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 5}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.Network != "devnet" {
		t.Fatalf("expected env to override file network, got %s", settings.Network)
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	isolate(t)
	_, err := Load(GlobalFlags{JSON: true, Plain: true, Retries: -1})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadPlatformOptionsFromFile(t *testing.T) {
	isolate(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	body := strings.Join([]string{
		"network: local",
		"dapi_addresses: [\"127.0.0.1:2443\", \" \", \"127.0.0.2:2443\"]",
		"insight_api_url: http://127.0.0.1:3001/insight-api",
		"core:",
		"  host: 127.0.0.1",
		"  user: dashrpc",
		"  password: secret",
		"quorum_public_key: 02aa",
		"identities:",
		"  - id: 4EfA9Jrvv3nnCFdSf7fad59851iiTRZ6Wcu6YVJ4iSeF",
		"    keys:",
		"      - id: 1",
		"        purpose: authentication",
		"        security_level: critical",
		"        secret: \"0000000000000000000000000000000000000000000000000000000000000001\"",
	}, "\n")
	if err := os.WriteFile(configPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	settings, err := Load(GlobalFlags{ConfigPath: configPath, Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(settings.DAPIAddresses) != 2 || settings.DAPIAddresses[1] != "127.0.0.2:2443" {
		t.Fatalf("unexpected dapi addresses: %#v", settings.DAPIAddresses)
	}
	if settings.Core.Port != 19898 || settings.Core.User != "dashrpc" {
		t.Fatalf("unexpected core settings: %+v", settings.Core)
	}
	if len(settings.Identities) != 1 || settings.Identities[0].Keys[0].SecurityLevel != "critical" {
		t.Fatalf("unexpected identities: %+v", settings.Identities)
	}
	if settings.Retries != 2 {
		t.Fatalf("expected default retries, got %d", settings.Retries)
	}
}

func TestLoadEnvironmentTypedValues(t *testing.T) {
	isolate(t)
	t.Setenv("EXPLORER_DAPI_ADDRESSES", "a.example:443,b.example:443")
	t.Setenv("EXPLORER_TIMEOUT", "3s")
	t.Setenv("EXPLORER_NO_CACHE", "true")
	t.Setenv("EXPLORER_WALLET_PRIVATE_KEY", "cMahea7zqjxrtgAbB7LSGbcQUr1uX1ojuat9jZodMN87JcbXMTcA")
	settings, err := Load(GlobalFlags{Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(settings.DAPIAddresses) != 2 || settings.Timeout != 3*time.Second || settings.CacheEnabled {
		t.Fatalf("unexpected settings: %+v", settings)
	}
	if settings.Wallet.PrivateKey == "" {
		t.Fatal("expected wallet key from environment")
	}

	t.Setenv("EXPLORER_TIMEOUT", "soon")
	if _, err := Load(GlobalFlags{Retries: -1}); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestLoadRejectsUnknownNetwork(t *testing.T) {
	isolate(t)
	if _, err := Load(GlobalFlags{Network: "moonnet", Retries: -1}); err == nil {
		t.Fatal("expected network error")
	}
}

func TestDefaultPathsUseXDG(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/explorer-cache")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/explorer-config-missing")
	settings, err := Load(GlobalFlags{Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.RunStorePath != "/tmp/explorer-cache/platform-explorer/runs.db" {
		t.Fatalf("unexpected run store path %s", settings.RunStorePath)
	}
}
