package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/platform-explorer/internal/bridge"
	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/execution"
	"github.com/ggonzalez94/platform-explorer/internal/execution/planner"
	"github.com/ggonzalez94/platform-explorer/internal/model"
	"github.com/ggonzalez94/platform-explorer/internal/monitor"
	"github.com/ggonzalez94/platform-explorer/internal/out"
	"github.com/ggonzalez94/platform-explorer/internal/strategy"
)

type strategySummary struct {
	Strategy   strategy.Strategy `json:"strategy"`
	Operations int               `json:"operations"`
}

type planOutput struct {
	Strategy   string                 `json:"strategy"`
	Identities int                    `json:"identities"`
	Planned    int                    `json:"planned"`
	Digest     string                 `json:"digest"`
	Operations []model.OperationDraft `json:"operations"`
	Truncated  bool                   `json:"truncated,omitempty"`
}

func (s *runtimeState) newStrategyCommand() *cobra.Command {
	root := &cobra.Command{Use: "strategy", Short: "Validate, plan and execute load strategies"}

	root.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a strategy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := strategy.Load(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), strategySummary{Strategy: st, Operations: st.OperationCount()}, nil, cacheMetaBypass(), nil, false)
		},
	})

	var planLimit int
	planCmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Show the operations a run would execute without broadcasting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := strategy.Load(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(s.context(), s.settings.Timeout)
			defer cancel()
			_, warnings, err := s.svc.loadConfiguredIdentities(ctx)
			if err != nil {
				return err
			}
			store, err := s.svc.identityStore()
			if err != nil {
				return err
			}
			signing := execution.SigningIdentities(store)
			s.captureCommandDiagnostics(warnings, nil, len(warnings) > 0)
			drafts, err := planner.Plan(st, signing)
			if err != nil {
				return err
			}
			data := planOutput{
				Strategy:   st.Name,
				Identities: len(signing),
				Planned:    len(drafts),
				Digest:     planner.Digest(drafts),
				Operations: drafts,
			}
			if planLimit > 0 && len(drafts) > planLimit {
				data.Operations = drafts[:planLimit]
				data.Truncated = true
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, warnings, cacheMetaBypass(), nil, len(warnings) > 0)
		},
	}
	planCmd.Flags().IntVar(&planLimit, "limit", 20, "Maximum operations to print (0 prints all)")
	root.AddCommand(planCmd)

	var metricsAddr string
	var follow bool
	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a strategy against the configured DAPI nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := strategy.Load(args[0])
			if err != nil {
				return err
			}
			return s.runStrategy(trimRootPath(cmd.CommandPath()), st, metricsAddr, follow)
		},
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics, /runs and /events on this address while running")
	runCmd.Flags().BoolVar(&follow, "follow", false, "Stream progress events to stderr as JSON lines")
	root.AddCommand(runCmd)

	return root
}

// runStrategy drives one run through the bridge. An interrupt signal is
// turned into a cancel_run command so the run ends with a report.
func (s *runtimeState) runStrategy(commandPath string, st strategy.Strategy, metricsAddr string, follow bool) error {
	sigCtx, stop := signal.NotifyContext(s.context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := s.svc.engine()
	if err != nil {
		return err
	}
	if st.Start.Count > 0 && strings.TrimSpace(st.Start.FundingAddress) == "" {
		entry, err := s.svc.defaultWallet()
		if err != nil {
			return err
		}
		st.Start.FundingAddress = entry.Address
	}
	loadCtx, cancelLoad := context.WithTimeout(sigCtx, s.settings.Timeout)
	_, warnings, err := s.svc.loadConfiguredIdentities(loadCtx)
	cancelLoad()
	if err != nil {
		return err
	}

	var mon *monitor.Server
	monDone := make(chan error, 1)
	monCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	if strings.TrimSpace(metricsAddr) != "" {
		registry, _ := s.svc.metricsCollectors()
		mon = monitor.New(engine, registry, s.log.Named("monitor"))
		go func() { monDone <- mon.ListenAndServe(monCtx, metricsAddr) }()
	} else {
		monDone <- nil
	}

	var progress *out.Lines
	if follow {
		progress = out.NewLines(s.runner.stderr, s.settings)
	}

	b := bridge.New(bridge.Options{Runner: engine, Logger: s.log.Named("bridge")})
	commands := make(chan bridge.Command, 2)
	commands <- bridge.Command{ID: "run", Kind: bridge.CommandStartRun, Strategy: &st}
	events := b.Serve(context.Background(), commands)

	closed := false
	closeCommands := func() {
		if !closed {
			closed = true
			close(commands)
		}
	}
	sendCancel := func(runID string) {
		if !closed {
			commands <- bridge.Command{ID: "interrupt", Kind: bridge.CommandCancelRun, RunID: runID}
		}
	}

	var (
		report        *execution.Report
		failure       *model.ErrorBody
		runID         string
		cancelPending bool
	)
	sig := sigCtx.Done()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if runID == "" && ev.RunID != "" {
				runID = ev.RunID
				if cancelPending {
					sendCancel(runID)
				}
			}
			if mon != nil {
				mon.Publish(ev)
			}
			if progress != nil {
				if err := progress.Write(ev); err != nil {
					s.log.Debug("write progress failed", zap.Error(err))
				}
			}
			switch ev.Kind {
			case bridge.EventRunReportReady:
				report = ev.Report
				closeCommands()
			case bridge.EventCommandFailed:
				failure = ev.Error
				closeCommands()
			}
		case <-sig:
			sig = nil
			s.log.Info("interrupt received; cancelling run", zap.String("run", runID))
			if runID == "" {
				cancelPending = true
			} else {
				sendCancel(runID)
			}
		}
	}
	closeCommands()
	stopMonitor()
	if err := <-monDone; err != nil {
		warnings = append(warnings, fmt.Sprintf("monitor stopped with error: %v", err))
	}

	if failure != nil {
		s.captureCommandDiagnostics(warnings, nil, false)
		return clierr.New(clierr.Code(failure.Code), failure.Message)
	}
	if report == nil {
		return clierr.New(clierr.CodeInternal, "run ended without a report")
	}
	switch report.State {
	case execution.RunStateFailed:
		s.captureCommandDiagnostics(warnings, nil, false)
		return clierr.Wrap(clierr.CodeRunFailed, fmt.Sprintf("run %s failed", report.RunID), errors.New(report.Error))
	case execution.RunStateCancelled:
		warnings = append(warnings, fmt.Sprintf("run cancelled; %d operations skipped", report.Skipped))
	}
	return s.emitSuccess(commandPath, report, warnings, cacheMetaBypass(), nil, report.State != execution.RunStateCompleted)
}

func (s *runtimeState) newRunsCommand() *cobra.Command {
	root := &cobra.Command{Use: "runs", Short: "Inspect persisted run reports"}

	var state string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" && !execution.RunState(state).Terminal() {
				return clierr.New(clierr.CodeUsage, "--state must be completed, cancelled or failed")
			}
			store, err := s.svc.runStore()
			if err != nil {
				return err
			}
			reports, err := store.List(state, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), reports, nil, cacheMetaBypass(), nil, false)
		},
	}
	listCmd.Flags().StringVar(&state, "state", "", "Filter by final state (completed|cancelled|failed)")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.svc.runStore()
			if err != nil {
				return err
			}
			report, err := store.Get(strings.TrimSpace(args[0]))
			if err != nil {
				if errors.Is(err, execution.ErrRunNotFound) {
					return clierr.Wrap(clierr.CodeUsage, "unknown run", err)
				}
				return clierr.Wrap(clierr.CodeInternal, "read run", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, nil, cacheMetaBypass(), nil, false)
		},
	})

	return root
}
