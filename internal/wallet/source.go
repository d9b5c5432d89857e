package wallet

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
)

const (
	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultKeyRelativePath = "platform-explorer/wallet.key"
)

// KeySource lists the places a wallet secret may come from. Secret is a raw
// hex or WIF string; the keystore is an encrypted go-ethereum JSON key.
type KeySource struct {
	Secret               string
	SecretFile           string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// Resolve returns the wallet secret selected by mode. In auto mode the raw
// secret wins over the file, and the file over the keystore. An empty result
// with a nil error means no key was configured.
func (k KeySource) Resolve(mode string) (string, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = KeySourceAuto
	}
	secret := strings.TrimSpace(k.Secret)
	file := strings.TrimSpace(k.SecretFile)
	store := strings.TrimSpace(k.KeystorePath)
	if file == "" && mode == KeySourceAuto {
		file = discoverDefaultKeyFile()
	}

	switch mode {
	case KeySourceAuto:
	case KeySourceEnv:
		file, store = "", ""
	case KeySourceFile:
		secret, store = "", ""
	case KeySourceKeystore:
		secret, file = "", ""
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported key source %q (expected %s|%s|%s|%s)", mode, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore))
	}

	switch {
	case secret != "":
		return secret, nil
	case file != "":
		return ReadSecretFile(file)
	case store != "":
		return k.decryptKeystore(store)
	}
	if mode != KeySourceAuto {
		return "", clierr.New(clierr.CodeConfig, fmt.Sprintf("key source %s selected but nothing is configured for it", mode))
	}
	return "", nil
}

func (k KeySource) decryptKeystore(path string) (string, error) {
	password := k.KeystorePassword
	if strings.TrimSpace(password) == "" && strings.TrimSpace(k.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(k.KeystorePasswordFile)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeConfig, "read keystore password file", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if strings.TrimSpace(password) == "" {
		return "", clierr.New(clierr.CodeConfig, "keystore password is required")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeConfig, "read keystore file", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeCrypto, "decrypt keystore", err)
	}
	return hex.EncodeToString(crypto.FromECDSA(key.PrivateKey)), nil
}

func discoverDefaultKeyFile() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, defaultKeyRelativePath)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
