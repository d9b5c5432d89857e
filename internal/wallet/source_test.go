package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
)

func TestResolvePrefersRawSecretInAutoMode(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	file := filepath.Join(t.TempDir(), "wallet.key")
	if err := os.WriteFile(file, []byte("other\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	got, err := KeySource{Secret: keyOneHex, SecretFile: file}.Resolve(KeySourceAuto)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != keyOneHex {
		t.Fatalf("expected raw secret, got %q", got)
	}
	got, err = KeySource{Secret: keyOneHex, SecretFile: file}.Resolve(KeySourceFile)
	if err != nil || got != "other" {
		t.Fatalf("file mode: got %q err=%v", got, err)
	}
}

func TestResolveAutoUsesDefaultKeyFile(t *testing.T) {
	cfg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfg)
	if err := os.MkdirAll(filepath.Join(cfg, "platform-explorer"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg, defaultKeyRelativePath), []byte(keyOneMainnetWIF), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	got, err := KeySource{}.Resolve("")
	if err != nil || got != keyOneMainnetWIF {
		t.Fatalf("expected default key file, got %q err=%v", got, err)
	}
}

func TestResolveNothingConfigured(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	got, err := KeySource{}.Resolve(KeySourceAuto)
	if err != nil || got != "" {
		t.Fatalf("expected empty secret without error, got %q err=%v", got, err)
	}
	_, err = KeySource{}.Resolve(KeySourceKeystore)
	if cErr, ok := clierr.As(err); !ok || cErr.Code != clierr.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
	if _, err := (KeySource{}).Resolve("ledger"); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestResolveDecryptsKeystore(t *testing.T) {
	dir := t.TempDir()
	pk, err := crypto.HexToECDSA(keyOneHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)
	acct, err := ks.ImportECDSA(pk, "hunter2")
	if err != nil {
		t.Fatalf("ImportECDSA: %v", err)
	}
	pwFile := filepath.Join(dir, "password")
	if err := os.WriteFile(pwFile, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatalf("write password: %v", err)
	}

	got, err := KeySource{KeystorePath: acct.URL.Path, KeystorePasswordFile: pwFile}.Resolve(KeySourceKeystore)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != keyOneHex {
		t.Fatalf("expected decrypted key, got %s", got)
	}

	_, err = KeySource{KeystorePath: acct.URL.Path, KeystorePassword: "wrong"}.Resolve(KeySourceKeystore)
	if cErr, ok := clierr.As(err); !ok || cErr.Code != clierr.CodeCrypto {
		t.Fatalf("expected crypto error for wrong password, got %v", err)
	}
}
