package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ggonzalez94/platform-explorer/internal/config"
	"github.com/ggonzalez94/platform-explorer/internal/dapi"
	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/execution"
	"github.com/ggonzalez94/platform-explorer/internal/httpx"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/identity"
	"github.com/ggonzalez94/platform-explorer/internal/insight"
	"github.com/ggonzalez94/platform-explorer/internal/metrics"
	"github.com/ggonzalez94/platform-explorer/internal/model"
	"github.com/ggonzalez94/platform-explorer/internal/wallet"
)

// services holds the collaborators one command invocation needs. Each is
// built on first use so offline commands never touch the network config.
type services struct {
	settings config.Settings
	log      *zap.Logger
	network  id.Network

	http       *httpx.Client
	insight    *insight.Client
	wallets    *wallet.Store
	dapi       *dapi.Client
	dapiErr    error
	dapiBuilt  bool
	keylog     *identity.KeyLog
	identities *identity.Store
	runs       *execution.Store

	registry   *prometheus.Registry
	collectors *metrics.Collectors

	// platform replaces the DAPI client as broadcast target when set.
	platform execution.Network
}

func newServices(settings config.Settings, logger *zap.Logger) (*services, error) {
	network, err := id.ParseNetwork(settings.Network)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeConfig, "resolve network", err)
	}
	return &services{settings: settings, log: logger, network: network}, nil
}

func (s *services) httpClient() *httpx.Client {
	if s.http == nil {
		s.http = httpx.New(s.settings.Timeout, s.settings.Retries)
	}
	return s.http
}

func (s *services) insightClient() *insight.Client {
	if s.insight == nil {
		base := s.settings.InsightURL
		if strings.TrimSpace(base) == "" {
			base = s.network.DefaultInsight
		}
		s.insight = insight.New(s.httpClient(), base)
	}
	return s.insight
}

// walletStore returns the wallet with the configured key, if any, imported.
func (s *services) walletStore() (*wallet.Store, error) {
	if s.wallets != nil {
		return s.wallets, nil
	}
	store := wallet.NewStore(s.network, s.insightClient(), s.log.Named("wallet"))
	w := s.settings.Wallet
	secret, err := wallet.KeySource{
		Secret:               w.PrivateKey,
		SecretFile:           w.PrivateKeyFile,
		KeystorePath:         w.KeystorePath,
		KeystorePassword:     w.KeystorePassword,
		KeystorePasswordFile: w.KeystorePasswordFile,
	}.Resolve(w.KeySource)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		if _, err := store.ImportKey(secret); err != nil {
			return nil, clierr.Wrap(clierr.CodeConfig, "import configured wallet key", err)
		}
	}
	s.wallets = store
	return store, nil
}

func (s *services) defaultWallet() (wallet.Entry, error) {
	store, err := s.walletStore()
	if err != nil {
		return wallet.Entry{}, err
	}
	entry, ok := store.Default()
	if !ok {
		return wallet.Entry{}, clierr.New(clierr.CodeConfig, "no wallet key configured (set wallet.private_key, EXPLORER_WALLET_PRIVATE_KEY or a keystore)")
	}
	return entry, nil
}

// dapiClient is nil with a nil error when no DAPI addresses are configured.
func (s *services) dapiClient() (*dapi.Client, error) {
	if s.dapiBuilt {
		return s.dapi, s.dapiErr
	}
	s.dapiBuilt = true
	if len(s.settings.DAPIAddresses) == 0 {
		return nil, nil
	}
	verifier, err := dapi.NewVerifier(s.settings.QuorumPublicKey)
	if err != nil {
		s.dapiErr = err
		return nil, err
	}
	s.dapi, s.dapiErr = dapi.New(s.httpClient(), s.settings.DAPIAddresses, verifier, s.log.Named("dapi"))
	return s.dapi, s.dapiErr
}

func (s *services) requireDAPI() (*dapi.Client, error) {
	client, err := s.dapiClient()
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, clierr.New(clierr.CodeConfig, "no dapi addresses configured (use --dapi-addresses or dapi_addresses)")
	}
	return client, nil
}

// broadcaster is the network the execution engine sends operations to.
func (s *services) broadcaster() (execution.Network, error) {
	if s.platform != nil {
		return s.platform, nil
	}
	return s.requireDAPI()
}

func (s *services) identityStore() (*identity.Store, error) {
	if s.identities != nil {
		return s.identities, nil
	}
	opts := identity.Options{Network: s.network, Logger: s.log.Named("identity")}
	client, err := s.dapiClient()
	if err != nil {
		return nil, err
	}
	if client != nil {
		opts.Platform = client
	}
	if wallets, err := s.walletStore(); err == nil {
		opts.Funder = wallets
	} else {
		s.log.Warn("wallet unavailable for identity funding", zap.Error(err))
	}
	if strings.TrimSpace(s.settings.KeyLogPath) != "" {
		keylog, err := identity.OpenKeyLog(s.settings.KeyLogPath, s.settings.KeyLogLockPath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "open identity key log", err)
		}
		opts.KeyLog = keylog
		s.keylog = keylog
	}
	s.identities = identity.NewStore(opts)
	return s.identities, nil
}

// loadConfiguredIdentities imports every identity listed in the config file.
// Failures are returned as warnings so one bad entry does not hide the rest.
func (s *services) loadConfiguredIdentities(ctx context.Context) ([]identity.Identity, []string, error) {
	store, err := s.identityStore()
	if err != nil {
		return nil, nil, err
	}
	var loaded []identity.Identity
	var warnings []string
	for _, cfg := range s.settings.Identities {
		identityID, keys, err := configuredIdentity(cfg)
		if err == nil {
			var ident identity.Identity
			ident, err = store.Load(ctx, identityID, keys)
			if err == nil {
				loaded = append(loaded, ident)
				continue
			}
		}
		warnings = append(warnings, fmt.Sprintf("identity %s not loaded: %v", cfg.ID, err))
		s.log.Warn("configured identity not loaded", zap.String("identity", cfg.ID), zap.Error(err))
	}
	return loaded, warnings, nil
}

func configuredIdentity(cfg config.IdentityConfig) (id.Identifier, []identity.KeySecret, error) {
	identityID, err := id.ParseIdentifier(cfg.ID)
	if err != nil {
		return id.Identifier{}, nil, clierr.Wrap(clierr.CodeConfig, "parse identity id", err)
	}
	keys := make([]identity.KeySecret, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		secret, err := keySecret(k.ID, k.Purpose, k.SecurityLevel, k.Secret)
		if err != nil {
			return id.Identifier{}, nil, err
		}
		keys = append(keys, secret)
	}
	return identityID, keys, nil
}

func keySecret(keyID uint32, purpose, level, secret string) (identity.KeySecret, error) {
	out := identity.KeySecret{ID: keyID, Secret: strings.TrimSpace(secret)}
	if strings.TrimSpace(purpose) == "" {
		purpose = model.PurposeAuthentication.String()
	}
	if strings.TrimSpace(level) == "" {
		level = model.SecurityHigh.String()
	}
	if err := out.Purpose.UnmarshalText([]byte(purpose)); err != nil {
		return identity.KeySecret{}, clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("identity key %d purpose", keyID), err)
	}
	if err := out.SecurityLevel.UnmarshalText([]byte(level)); err != nil {
		return identity.KeySecret{}, clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("identity key %d security level", keyID), err)
	}
	return out, nil
}

func (s *services) runStore() (*execution.Store, error) {
	if s.runs != nil {
		return s.runs, nil
	}
	store, err := execution.OpenStore(s.settings.RunStorePath, s.settings.RunLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open run store", err)
	}
	s.runs = store
	return store, nil
}

func (s *services) metricsCollectors() (*prometheus.Registry, *metrics.Collectors) {
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.collectors = metrics.NewCollectors(s.registry)
	}
	return s.registry, s.collectors
}

// engine wires the execution engine to the identity store, the broadcaster
// and the run store.
func (s *services) engine() (*execution.Engine, error) {
	network, err := s.broadcaster()
	if err != nil {
		return nil, err
	}
	keys, err := s.identityStore()
	if err != nil {
		return nil, err
	}
	runs, err := s.runStore()
	if err != nil {
		return nil, err
	}
	_, collectors := s.metricsCollectors()
	return execution.NewEngine(execution.Options{
		Network:    network,
		Keys:       keys,
		Registrar:  keys,
		Collectors: collectors,
		Store:      runs,
		Logger:     s.log.Named("engine"),
	})
}

// nodeStatus reports a remote call for envelope metadata.
func nodeStatus(name string, started time.Time, err error) model.NodeStatus {
	return model.NodeStatus{Name: name, Status: statusFromErr(err), LatencyMS: time.Since(started).Milliseconds()}
}

func (s *services) close() {
	if s == nil {
		return
	}
	if s.runs != nil {
		_ = s.runs.Close()
	}
	_ = s.log.Sync()
}
