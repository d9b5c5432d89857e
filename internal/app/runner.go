package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/platform-explorer/internal/bridge"
	"github.com/ggonzalez94/platform-explorer/internal/cache"
	"github.com/ggonzalez94/platform-explorer/internal/config"
	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/execution"
	"github.com/ggonzalez94/platform-explorer/internal/logx"
	"github.com/ggonzalez94/platform-explorer/internal/model"
	"github.com/ggonzalez94/platform-explorer/internal/out"
	"github.com/ggonzalez94/platform-explorer/internal/policy"
	"github.com/ggonzalez94/platform-explorer/internal/schema"
	"github.com/ggonzalez94/platform-explorer/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
	now    func() time.Time

	// platform overrides the DAPI client as broadcast target.
	platform execution.Network
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		stdin:  os.Stdin,
		now:    time.Now,
	}
}

// WithInput sets the reader the console command consumes.
func (r *Runner) WithInput(stdin io.Reader) *Runner {
	r.stdin = stdin
	return r
}

type runtimeState struct {
	runner       *Runner
	ctx          context.Context
	flags        config.GlobalFlags
	settings     config.Settings
	cache        *cache.Store
	svc          *services
	log          *zap.Logger
	root         *cobra.Command
	lastCommand  string
	lastWarnings []string
	lastNodes    []model.NodeStatus
	lastPartial  bool
}

func (r *Runner) Run(args []string) int {
	return r.RunContext(context.Background(), args)
}

func (r *Runner) RunContext(ctx context.Context, args []string) int {
	state := &runtimeState{runner: r, ctx: ctx, log: zap.NewNop()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SetIn(r.stdin)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.ExecuteContext(ctx)
	err = normalizeRunError(err)
	defer state.close()
	if err == nil {
		return 0
	}

	state.log.Debug("command failed", zap.String("command", state.lastCommand), zap.Error(err))
	state.renderError("", err, state.lastWarnings, state.lastNodes, state.lastPartial)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	s.svc.close()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Dash Platform identity, wallet and load-strategy CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			logger, err := logx.New(logx.Options{Path: settings.LogPath, Level: settings.LogLevel})
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "open log file", err)
			}
			s.log = logger.With(zap.String("command", path))

			if s.svc == nil && needsServices(path) {
				svc, err := newServices(settings, s.log)
				if err != nil {
					return err
				}
				svc.platform = s.runner.platform
				s.svc = svc
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths or groups (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.Strict, "strict", false, "Fail on partial results")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Network request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per network request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.Network, "network", "", "Network name (mainnet|testnet|devnet|local)")
	cmd.PersistentFlags().StringVar(&s.flags.DAPIAddresses, "dapi-addresses", "", "DAPI node addresses (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level for the log file (debug|info|warn|error|off)")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newConfigCommand())
	cmd.AddCommand(s.newWalletCommand())
	cmd.AddCommand(s.newIdentityCommand())
	cmd.AddCommand(s.newStrategyCommand())
	cmd.AddCommand(s.newRunsCommand())
	cmd.AddCommand(s.newConsoleCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path, map[string]schema.Protocol{"console": consoleProtocol()})
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
	return cmd
}

func consoleProtocol() schema.Protocol {
	p := schema.Protocol{}
	for _, kind := range bridge.CommandKinds() {
		p.Commands = append(p.Commands, string(kind))
	}
	for _, kind := range bridge.EventKinds() {
		p.Events = append(p.Events, string(kind))
	}
	return p
}

type fetchFn func(ctx context.Context) (data any, nodes []model.NodeStatus, warnings []string, partial bool, err error)

// runCachedCommand serves data from the lookup cache while fresh, otherwise
// fetches it. When the fetch fails with a transient error a stale entry
// within the max-stale budget is served instead.
func (s *runtimeState) runCachedCommand(commandPath, scope, key string, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData any
	staleAvailable := false
	staleObservedAge := time.Duration(0)
	staleObservedAt := time.Time{}
	staleCacheStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(key, s.settings.MaxStale)
		if err == nil && cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			var data any
			if err := json.Unmarshal(cached.Value, &data); err == nil {
				if !cached.Stale {
					s.captureCommandDiagnostics(warnings, nil, false)
					return s.emitSuccess(commandPath, data, warnings, entryStatus, nil, false)
				}
				staleData = data
				staleAvailable = true
				staleObservedAge = cached.Age
				staleObservedAt = time.Now()
				staleCacheStatus = entryStatus
			}
		}
	}

	ctx, cancel := context.WithTimeout(s.context(), s.settings.Timeout)
	defer cancel()
	data, nodes, fetchWarnings, partial, err := fetch(ctx)
	warnings = append(warnings, fetchWarnings...)
	s.captureCommandDiagnostics(warnings, nodes, partial)
	if err != nil {
		if staleAvailable {
			if !staleFallbackAllowed(err) {
				return err
			}
			currentStaleAge := staleObservedAge
			if !staleObservedAt.IsZero() {
				currentStaleAge += time.Since(staleObservedAt)
			}
			staleCacheStatus.AgeMS = currentStaleAge.Milliseconds()
			if s.settings.NoStale {
				return clierr.Wrap(clierr.CodeStale, "fresh network fetch failed and stale fallback is disabled (--no-stale)", err)
			}
			if staleExceedsBudget(currentStaleAge, ttl, s.settings.MaxStale) {
				return clierr.Wrap(clierr.CodeStale, "fresh network fetch failed and cached data exceeded stale budget", err)
			}
			warnings = append(warnings, "network fetch failed; serving stale data within max-stale budget")
			s.captureCommandDiagnostics(warnings, nodes, false)
			return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus, nodes, false)
		}
		return err
	}

	if partial && s.settings.Strict {
		s.captureCommandDiagnostics(warnings, nodes, true)
		return clierr.New(clierr.CodeUnavailable, "partial results returned in strict mode")
	}

	if s.settings.CacheEnabled && s.cache != nil && !partial {
		if payload, err := json.Marshal(data); err == nil {
			if err := s.cache.Set(scope, key, payload, ttl); err != nil {
				s.log.Debug("cache write failed", zap.String("scope", scope), zap.Error(err))
			} else {
				cacheStatus = model.CacheStatus{Status: "write", AgeMS: 0, Stale: false}
			}
		}
	}

	s.captureCommandDiagnostics(warnings, nodes, partial)
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, nodes, partial)
}

// invalidate drops cached lookups for scope after a command changed the
// remote object behind it.
func (s *runtimeState) invalidate(scope string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Invalidate(scope); err != nil {
		s.log.Debug("cache invalidate failed", zap.String("scope", scope), zap.Error(err))
	}
}

func (s *runtimeState) context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, nodes []model.NodeStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Nodes:     nodes,
			Cache:     cacheStatus,
			Partial:   partial,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, nodes []model.NodeStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    clierr.TypeName(clierr.Code(code)),
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Nodes:     nodes,
			Cache:     cacheMetaBypass(),
			Partial:   partial,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func cacheKey(commandPath string, req any) string {
	buf, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(commandPath+"|"), buf...))
	return hex.EncodeToString(sum[:])
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		case clierr.CodeTimeout:
			return "timeout"
		default:
			return "error"
		}
	}
	return "error"
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl {
		return false
	}
	if maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

func staleFallbackAllowed(err error) bool {
	return clierr.Transient(err)
}

func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "wallet balance", "identity load", "identity balance", "identity register":
		return true
	default:
		return false
	}
}

func needsServices(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "", "version", "schema", "config", "config show", "strategy", "strategy validate":
		return false
	default:
		return true
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastNodes = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, nodes []model.NodeStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(nodes) == 0 {
		s.lastNodes = nil
	} else {
		s.lastNodes = append([]model.NodeStatus(nil), nodes...)
	}
	s.lastPartial = partial
}
