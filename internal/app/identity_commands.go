package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/identity"
	"github.com/ggonzalez94/platform-explorer/internal/model"
)

const identityLookupTTL = 30 * time.Second

type identityBalance struct {
	ID      id.Identifier `json:"id"`
	Balance uint64        `json:"balance_credits"`
}

func identityScope(identityID id.Identifier) string {
	return "identity:" + identityID.String()
}

func (s *runtimeState) newIdentityCommand() *cobra.Command {
	root := &cobra.Command{Use: "identity", Short: "Platform identities"}

	var amountDuffs, amountDash, fundingAddress string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Fund and register a new identity from the wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := id.ParseDuffs(amountDuffs, amountDash)
			if err != nil {
				return err
			}
			if _, err := s.svc.requireDAPI(); err != nil {
				return err
			}
			addr := strings.TrimSpace(fundingAddress)
			if addr == "" {
				entry, err := s.svc.defaultWallet()
				if err != nil {
					return err
				}
				addr = entry.Address
			}
			store, err := s.svc.identityStore()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(s.context(), s.settings.Timeout+time.Minute)
			defer cancel()
			started := time.Now()
			ident, err := store.Register(ctx, addr, amount)
			nodes := []model.NodeStatus{nodeStatus("dapi", started, err)}
			if err != nil {
				s.captureCommandDiagnostics(nil, nodes, false)
				return err
			}
			s.invalidate(identityScope(ident.ID))
			var warnings []string
			if s.svc.keylog != nil {
				warnings = append(warnings, fmt.Sprintf("private keys appended to %s; back this file up", s.svc.keylog.Path()))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), ident, warnings, cacheMetaBypass(), nodes, false)
		},
	}
	registerCmd.Flags().StringVar(&amountDuffs, "amount", "", "Funding amount in duffs")
	registerCmd.Flags().StringVar(&amountDash, "amount-dash", "", "Funding amount in DASH (e.g. 0.5)")
	registerCmd.Flags().StringVar(&fundingAddress, "funding-address", "", "Wallet address paying for the identity (defaults to the configured wallet)")
	root.AddCommand(registerCmd)

	var loadID string
	var loadKeys []string
	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Import an existing identity with its private keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identityID, err := id.ParseIdentifier(loadID)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "invalid --id", err)
			}
			keys, err := s.resolveIdentityKeys(identityID, loadKeys)
			if err != nil {
				return err
			}
			store, err := s.svc.identityStore()
			if err != nil {
				return err
			}
			keyIDs := make([]uint32, 0, len(keys))
			for _, k := range keys {
				keyIDs = append(keyIDs, k.ID)
			}
			path := trimRootPath(cmd.CommandPath())
			key := cacheKey(path, map[string]any{"network": s.svc.network.Name, "id": identityID.String(), "keys": keyIDs})
			return s.runCachedCommand(path, identityScope(identityID), key, identityLookupTTL, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
				started := time.Now()
				ident, err := store.Load(ctx, identityID, keys)
				var nodes []model.NodeStatus
				if client, _ := s.svc.dapiClient(); client != nil {
					nodes = []model.NodeStatus{nodeStatus("dapi", started, err)}
				}
				return ident, nodes, nil, false, err
			})
		},
	}
	loadCmd.Flags().StringVar(&loadID, "id", "", "Identity identifier (base58)")
	loadCmd.Flags().StringArrayVar(&loadKeys, "key", nil, "Private key as <key-id>:<secret> or <key-id>:<purpose>:<level>:<secret> (repeatable)")
	_ = loadCmd.MarkFlagRequired("id")
	root.AddCommand(loadCmd)

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Load and list the identities from the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(s.context(), s.settings.Timeout)
			defer cancel()
			started := time.Now()
			loaded, warnings, err := s.svc.loadConfiguredIdentities(ctx)
			if err != nil {
				return err
			}
			var nodes []model.NodeStatus
			if client, _ := s.svc.dapiClient(); client != nil {
				var fetchErr error
				if len(warnings) > 0 && len(loaded) == 0 {
					fetchErr = clierr.New(clierr.CodeUnavailable, "no identity loaded")
				}
				nodes = []model.NodeStatus{nodeStatus("dapi", started, fetchErr)}
			}
			partial := len(warnings) > 0
			s.captureCommandDiagnostics(warnings, nodes, partial)
			if partial && s.settings.Strict {
				return clierr.New(clierr.CodeUnavailable, "partial results returned in strict mode")
			}
			if loaded == nil {
				loaded = []identity.Identity{}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), loaded, warnings, cacheMetaBypass(), nodes, partial)
		},
	})

	var balanceID string
	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Fetch the credit balance of an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identityID, err := id.ParseIdentifier(balanceID)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "invalid --id", err)
			}
			client, err := s.svc.requireDAPI()
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			key := cacheKey(path, map[string]any{"network": s.svc.network.Name, "id": identityID.String()})
			return s.runCachedCommand(path, identityScope(identityID), key, identityLookupTTL, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
				started := time.Now()
				balance, err := client.FetchBalance(ctx, identityID)
				nodes := []model.NodeStatus{nodeStatus("dapi", started, err)}
				if err != nil {
					return nil, nodes, nil, false, err
				}
				return identityBalance{ID: identityID, Balance: balance}, nodes, nil, false, nil
			})
		},
	}
	balanceCmd.Flags().StringVar(&balanceID, "id", "", "Identity identifier (base58)")
	_ = balanceCmd.MarkFlagRequired("id")
	root.AddCommand(balanceCmd)

	return root
}

// resolveIdentityKeys parses --key values, falling back to the keys listed
// for the identity in the config file.
func (s *runtimeState) resolveIdentityKeys(identityID id.Identifier, raw []string) ([]identity.KeySecret, error) {
	if len(raw) == 0 {
		for _, cfg := range s.settings.Identities {
			cfgID, keys, err := configuredIdentity(cfg)
			if err != nil || cfgID != identityID {
				continue
			}
			return keys, nil
		}
		return nil, clierr.New(clierr.CodeUsage, "identity load requires --key or keys for the identity in the config file")
	}
	out := make([]identity.KeySecret, 0, len(raw))
	for _, item := range raw {
		k, err := parseKeyFlag(item)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func parseKeyFlag(v string) (identity.KeySecret, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	var keyID, purpose, level, secret string
	switch len(parts) {
	case 2:
		keyID, secret = parts[0], parts[1]
	case 4:
		keyID, purpose, level, secret = parts[0], parts[1], parts[2], parts[3]
	default:
		return identity.KeySecret{}, clierr.New(clierr.CodeUsage, "--key must be <key-id>:<secret> or <key-id>:<purpose>:<level>:<secret>")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(keyID), 10, 32)
	if err != nil {
		return identity.KeySecret{}, clierr.Wrap(clierr.CodeUsage, "parse --key id", err)
	}
	k, err := keySecret(uint32(n), purpose, level, secret)
	if err != nil {
		return identity.KeySecret{}, clierr.Wrap(clierr.CodeUsage, "parse --key", err)
	}
	return k, nil
}
