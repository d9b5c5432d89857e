package app

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/model"
	"github.com/ggonzalez94/platform-explorer/internal/wallet"
)

const walletBalanceTTL = 15 * time.Second

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Core wallet keys and balances"}

	var secret, secretFile string
	var refresh bool
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a private key (hex or WIF) and show its address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := strings.TrimSpace(secret)
			if raw == "" && strings.TrimSpace(secretFile) != "" {
				fromFile, err := wallet.ReadSecretFile(secretFile)
				if err != nil {
					return err
				}
				raw = fromFile
			}
			if raw == "" {
				return clierr.New(clierr.CodeUsage, "wallet import requires --secret or --secret-file")
			}
			store, err := s.svc.walletStore()
			if err != nil {
				return err
			}
			entry, err := store.ImportKey(raw)
			if err != nil {
				return err
			}
			if !refresh {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), entry, nil, cacheMetaBypass(), nil, false)
			}
			ctx, cancel := context.WithTimeout(s.context(), s.settings.Timeout)
			defer cancel()
			started := time.Now()
			refreshed, err := store.RefreshBalance(ctx, entry.Address)
			nodes := []model.NodeStatus{nodeStatus("insight", started, err)}
			if err != nil {
				s.captureCommandDiagnostics(nil, nodes, false)
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), refreshed, nil, cacheMetaBypass(), nodes, false)
		},
	}
	importCmd.Flags().StringVar(&secret, "secret", "", "Private key as 64 hex characters or WIF")
	importCmd.Flags().StringVar(&secretFile, "secret-file", "", "File holding the private key")
	importCmd.Flags().BoolVar(&refresh, "refresh", false, "Fetch the balance after import")
	root.AddCommand(importCmd)

	root.AddCommand(&cobra.Command{
		Use:   "address",
		Short: "Show the configured wallet address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := s.svc.defaultWallet()
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), entry, nil, cacheMetaBypass(), nil, false)
		},
	})

	var address string
	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Fetch the spendable balance of a wallet address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.svc.walletStore()
			if err != nil {
				return err
			}
			addr := strings.TrimSpace(address)
			if addr == "" {
				entry, err := s.svc.defaultWallet()
				if err != nil {
					return err
				}
				addr = entry.Address
			}
			if err := wallet.ValidateAddress(addr, s.svc.network); err != nil {
				return clierr.Wrap(clierr.CodeUsage, "invalid --address", err)
			}
			path := trimRootPath(cmd.CommandPath())
			key := cacheKey(path, map[string]any{"network": s.svc.network.Name, "address": addr})
			return s.runCachedCommand(path, "balance:"+addr, key, walletBalanceTTL, func(ctx context.Context) (any, []model.NodeStatus, []string, bool, error) {
				started := time.Now()
				if _, ok := store.Entry(addr); ok {
					entry, err := store.RefreshBalance(ctx, addr)
					return entry, []model.NodeStatus{nodeStatus("insight", started, err)}, nil, false, err
				}
				balance, err := s.svc.insightClient().Balance(ctx, addr)
				nodes := []model.NodeStatus{nodeStatus("insight", started, err)}
				if err != nil {
					return nil, nodes, nil, false, err
				}
				return wallet.Entry{Address: addr, Balance: balance, RefreshedAt: time.Now().UTC()}, nodes, nil, false, nil
			})
		},
	}
	balanceCmd.Flags().StringVar(&address, "address", "", "Address to query (defaults to the configured wallet)")
	root.AddCommand(balanceCmd)

	return root
}
