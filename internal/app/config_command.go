package app

import (
	"strings"

	"github.com/spf13/cobra"
)

const redacted = "[redacted]"

type effectiveConfig struct {
	Network         string            `json:"network"`
	DAPIAddresses   []string          `json:"dapi_addresses"`
	InsightURL      string            `json:"insight_api_url,omitempty"`
	Core            effectiveCore     `json:"core"`
	QuorumPublicKey string            `json:"quorum_public_key,omitempty"`
	Timeout         string            `json:"timeout"`
	Retries         int               `json:"retries"`
	Cache           effectiveCache    `json:"cache"`
	RunStorePath    string            `json:"run_store_path"`
	KeyLogPath      string            `json:"key_log_path"`
	LogPath         string            `json:"log_path"`
	LogLevel        string            `json:"log_level"`
	Wallet          effectiveWallet   `json:"wallet"`
	Identities      []effectiveIdent  `json:"identities"`
	EnableCommands  []string          `json:"enable_commands,omitempty"`
	Strict          bool              `json:"strict"`
}

type effectiveCore struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type effectiveCache struct {
	Enabled  bool   `json:"enabled"`
	Path     string `json:"path"`
	MaxStale string `json:"max_stale"`
}

type effectiveWallet struct {
	KeySource    string `json:"key_source"`
	PrivateKey   string `json:"private_key,omitempty"`
	KeyFile      string `json:"private_key_file,omitempty"`
	KeystorePath string `json:"keystore_path,omitempty"`
}

type effectiveIdent struct {
	ID   string `json:"id"`
	Keys []int  `json:"key_ids"`
}

func (s *runtimeState) newConfigCommand() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.effectiveConfig(), nil, cacheMetaBypass(), nil, false)
		},
	})
	return root
}

func (s *runtimeState) effectiveConfig() effectiveConfig {
	st := s.settings
	cfg := effectiveConfig{
		Network:         st.Network,
		DAPIAddresses:   append([]string{}, st.DAPIAddresses...),
		InsightURL:      st.InsightURL,
		QuorumPublicKey: st.QuorumPublicKey,
		Timeout:         st.Timeout.String(),
		Retries:         st.Retries,
		Cache:           effectiveCache{Enabled: st.CacheEnabled, Path: st.CachePath, MaxStale: st.MaxStale.String()},
		RunStorePath:    st.RunStorePath,
		KeyLogPath:      st.KeyLogPath,
		LogPath:         st.LogPath,
		LogLevel:        st.LogLevel,
		Core: effectiveCore{
			Host:     st.Core.Host,
			Port:     st.Core.Port,
			User:     st.Core.User,
			Password: redact(st.Core.Password),
		},
		Wallet: effectiveWallet{
			KeySource:    st.Wallet.KeySource,
			PrivateKey:   redact(st.Wallet.PrivateKey),
			KeyFile:      st.Wallet.PrivateKeyFile,
			KeystorePath: st.Wallet.KeystorePath,
		},
		Identities:     []effectiveIdent{},
		EnableCommands: st.EnableCommands,
		Strict:         st.Strict,
	}
	for _, ident := range st.Identities {
		entry := effectiveIdent{ID: ident.ID, Keys: []int{}}
		for _, k := range ident.Keys {
			entry.Keys = append(entry.Keys, int(k.ID))
		}
		cfg.Identities = append(cfg.Identities, entry)
	}
	return cfg
}

func redact(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	return redacted
}
