package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/platform-explorer/internal/id"
)

// EnvPrefix prefixes every environment option, e.g. EXPLORER_DAPI_ADDRESSES.
const EnvPrefix = "EXPLORER"

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Strict         bool
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	Network        string
	DAPIAddresses  string
	LogLevel       string
}

type Core struct {
	Host     string
	Port     int
	User     string
	Password string
}

// IdentityKey is a configured private key for a pre-loaded identity.
type IdentityKey struct {
	ID            uint32 `yaml:"id"`
	Purpose       string `yaml:"purpose"`
	SecurityLevel string `yaml:"security_level"`
	Secret        string `yaml:"secret"`
}

type IdentityConfig struct {
	ID   string        `yaml:"id"`
	Keys []IdentityKey `yaml:"keys"`
}

type Wallet struct {
	PrivateKey           string
	PrivateKeyFile       string
	KeySource            string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Strict         bool
	Timeout        time.Duration
	Retries        int
	MaxStale       time.Duration
	NoStale        bool
	CacheEnabled   bool
	CachePath      string
	CacheLockPath  string
	RunStorePath   string
	RunLockPath    string
	KeyLogPath     string
	KeyLogLockPath string
	LogPath        string
	LogLevel       string

	Network         string
	DAPIAddresses   []string
	InsightURL      string
	Core            Core
	Wallet          Wallet
	QuorumPublicKey string
	Identities      []IdentityConfig
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Strict  *bool  `yaml:"strict"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Runs struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"runs"`
	KeyLog struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"key_log"`
	Log struct {
		Path  string `yaml:"path"`
		Level string `yaml:"level"`
	} `yaml:"log"`
	Network       string   `yaml:"network"`
	DAPIAddresses []string `yaml:"dapi_addresses"`
	InsightAPIURL string   `yaml:"insight_api_url"`
	Core          struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"core"`
	Wallet struct {
		PrivateKey           string `yaml:"private_key"`
		PrivateKeyEnv        string `yaml:"private_key_env"`
		PrivateKeyFile       string `yaml:"private_key_file"`
		KeySource            string `yaml:"key_source"`
		KeystorePath         string `yaml:"keystore_path"`
		KeystorePasswordFile string `yaml:"keystore_password_file"`
	} `yaml:"wallet"`
	QuorumPublicKey string           `yaml:"quorum_public_key"`
	Identities      []IdentityConfig `yaml:"identities"`
}

// envConfig is filled by envconfig from EXPLORER_<FIELD_IN_SNAKE_CASE>;
// pointer fields stay nil when unset.
type envConfig struct {
	Output               string         `split_words:"true"`
	Strict               *bool          `split_words:"true"`
	Timeout              *time.Duration `split_words:"true"`
	Retries              *int           `split_words:"true"`
	MaxStale             *time.Duration `split_words:"true"`
	NoStale              *bool          `split_words:"true"`
	NoCache              *bool          `split_words:"true"`
	CachePath            string         `split_words:"true"`
	CacheLockPath        string         `split_words:"true"`
	RunsPath             string         `split_words:"true"`
	RunsLockPath         string         `split_words:"true"`
	KeyLogPath           string         `split_words:"true"`
	LogPath              string         `split_words:"true"`
	LogLevel             string         `split_words:"true"`
	Network              string         `split_words:"true"`
	DAPIAddresses        []string       `split_words:"true"`
	InsightApiUrl        string         `split_words:"true"`
	CoreHost             string         `split_words:"true"`
	CorePort             *int           `split_words:"true"`
	CoreUser             string         `split_words:"true"`
	CorePassword         string         `split_words:"true"`
	WalletPrivateKey     string         `split_words:"true"`
	WalletPrivateKeyFile string         `split_words:"true"`
	WalletKeySource      string         `split_words:"true"`
	KeystorePath         string         `split_words:"true"`
	KeystorePassword     string         `split_words:"true"`
	KeystorePasswordFile string         `split_words:"true"`
	QuorumPublicKey      string         `split_words:"true"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.Core.Port == 0 {
		settings.Core.Port = DefaultCorePort(settings.Network)
	}

	return settings, nil
}

// DefaultCorePort is the Dash Core RPC port for a network.
func DefaultCorePort(network string) int {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "mainnet":
		return 9998
	case "local", "regtest":
		return 19898
	default:
		return 19998
	}
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	dir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:     "json",
		Timeout:        10 * time.Second,
		Retries:        2,
		MaxStale:       5 * time.Minute,
		CacheEnabled:   true,
		CachePath:      cachePath,
		CacheLockPath:  lockPath,
		RunStorePath:   filepath.Join(dir, "runs.db"),
		RunLockPath:    filepath.Join(dir, "runs.lock"),
		KeyLogPath:     filepath.Join(dir, "identity-keys.log"),
		KeyLogLockPath: filepath.Join(dir, "identity-keys.lock"),
		LogPath:        filepath.Join(dir, "explorer.log"),
		LogLevel:       "info",
		Network:        "testnet",
		Wallet:         Wallet{KeySource: "auto"},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "platform-explorer", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "platform-explorer")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	setString(&settings.CachePath, cfg.Cache.Path)
	setString(&settings.CacheLockPath, cfg.Cache.LockPath)
	setString(&settings.RunStorePath, cfg.Runs.Path)
	setString(&settings.RunLockPath, cfg.Runs.LockPath)
	setString(&settings.KeyLogPath, cfg.KeyLog.Path)
	setString(&settings.KeyLogLockPath, cfg.KeyLog.LockPath)
	setString(&settings.LogPath, cfg.Log.Path)
	setString(&settings.LogLevel, strings.ToLower(cfg.Log.Level))
	setString(&settings.Network, strings.ToLower(cfg.Network))
	if len(cfg.DAPIAddresses) > 0 {
		settings.DAPIAddresses = cleanList(cfg.DAPIAddresses)
	}
	setString(&settings.InsightURL, cfg.InsightAPIURL)
	setString(&settings.Core.Host, cfg.Core.Host)
	if cfg.Core.Port != 0 {
		settings.Core.Port = cfg.Core.Port
	}
	setString(&settings.Core.User, cfg.Core.User)
	setString(&settings.Core.Password, cfg.Core.Password)
	setString(&settings.Wallet.PrivateKey, cfg.Wallet.PrivateKey)
	if cfg.Wallet.PrivateKeyEnv != "" {
		settings.Wallet.PrivateKey = os.Getenv(cfg.Wallet.PrivateKeyEnv)
	}
	setString(&settings.Wallet.PrivateKeyFile, cfg.Wallet.PrivateKeyFile)
	setString(&settings.Wallet.KeySource, strings.ToLower(cfg.Wallet.KeySource))
	setString(&settings.Wallet.KeystorePath, cfg.Wallet.KeystorePath)
	setString(&settings.Wallet.KeystorePasswordFile, cfg.Wallet.KeystorePasswordFile)
	setString(&settings.QuorumPublicKey, cfg.QuorumPublicKey)
	for _, ident := range cfg.Identities {
		if strings.TrimSpace(ident.ID) == "" {
			return fmt.Errorf("config identities: entry without id")
		}
		settings.Identities = append(settings.Identities, ident)
	}

	return nil
}

func applyEnv(settings *Settings) error {
	var env envConfig
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	setString(&settings.OutputMode, strings.ToLower(env.Output))
	if env.Strict != nil {
		settings.Strict = *env.Strict
	}
	if env.Timeout != nil {
		settings.Timeout = *env.Timeout
	}
	if env.Retries != nil {
		settings.Retries = *env.Retries
	}
	if env.MaxStale != nil {
		settings.MaxStale = *env.MaxStale
	}
	if env.NoStale != nil {
		settings.NoStale = *env.NoStale
	}
	if env.NoCache != nil {
		settings.CacheEnabled = !*env.NoCache
	}
	setString(&settings.CachePath, env.CachePath)
	setString(&settings.CacheLockPath, env.CacheLockPath)
	setString(&settings.RunStorePath, env.RunsPath)
	setString(&settings.RunLockPath, env.RunsLockPath)
	setString(&settings.KeyLogPath, env.KeyLogPath)
	setString(&settings.LogPath, env.LogPath)
	setString(&settings.LogLevel, strings.ToLower(env.LogLevel))
	setString(&settings.Network, strings.ToLower(env.Network))
	if list := cleanList(env.DAPIAddresses); len(list) > 0 {
		settings.DAPIAddresses = list
	}
	setString(&settings.InsightURL, env.InsightApiUrl)
	setString(&settings.Core.Host, env.CoreHost)
	if env.CorePort != nil {
		settings.Core.Port = *env.CorePort
	}
	setString(&settings.Core.User, env.CoreUser)
	setString(&settings.Core.Password, env.CorePassword)
	setString(&settings.Wallet.PrivateKey, env.WalletPrivateKey)
	setString(&settings.Wallet.PrivateKeyFile, env.WalletPrivateKeyFile)
	setString(&settings.Wallet.KeySource, strings.ToLower(env.WalletKeySource))
	setString(&settings.Wallet.KeystorePath, env.KeystorePath)
	setString(&settings.Wallet.KeystorePassword, env.KeystorePassword)
	setString(&settings.Wallet.KeystorePasswordFile, env.KeystorePasswordFile)
	setString(&settings.QuorumPublicKey, env.QuorumPublicKey)
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}

	if flags.Strict {
		settings.Strict = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	setString(&settings.Network, strings.ToLower(strings.TrimSpace(flags.Network)))
	if nodes := splitList(flags.DAPIAddresses); len(nodes) > 0 {
		settings.DAPIAddresses = nodes
	}
	setString(&settings.LogLevel, strings.ToLower(strings.TrimSpace(flags.LogLevel)))

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	network, err := id.ParseNetwork(settings.Network)
	if err != nil {
		return err
	}
	settings.Network = network.Name

	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return cleanList(strings.Split(v, ","))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, part := range in {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
