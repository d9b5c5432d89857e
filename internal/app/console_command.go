package app

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/platform-explorer/internal/bridge"
	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/execution"
	"github.com/ggonzalez94/platform-explorer/internal/monitor"
	"github.com/ggonzalez94/platform-explorer/internal/out"
	"github.com/ggonzalez94/platform-explorer/internal/policy"
)

const maxConsoleLine = 1 << 20

func (s *runtimeState) newConsoleCommand() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Read JSON-line commands from stdin and stream JSON-line events to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runConsole(cmd, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics, /runs and /events on this address")
	return cmd
}

// consoleCommandPath maps a console command to the CLI path the allowlist guards.
func consoleCommandPath(c bridge.Command) string {
	switch c.Kind {
	case bridge.CommandStartRun, bridge.CommandCancelRun:
		return "strategy run"
	case bridge.CommandImportKey:
		return "wallet import"
	case bridge.CommandRegisterIdentity:
		return "identity register"
	case bridge.CommandRefreshBalance:
		if strings.TrimSpace(c.IdentityID) != "" {
			return "identity balance"
		}
		return "wallet balance"
	default:
		return ""
	}
}

func (s *runtimeState) runConsole(cmd *cobra.Command, metricsAddr string) error {
	sigCtx, stop := signal.NotifyContext(s.context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := bridge.Options{Logger: s.log.Named("bridge")}
	var engine *execution.Engine
	if e, err := s.svc.engine(); err == nil {
		engine = e
		opts.Runner = e
	} else {
		s.log.Info("strategy runs disabled in console", zap.Error(err))
	}
	if wallets, err := s.svc.walletStore(); err == nil {
		opts.Wallets = wallets
	} else {
		s.log.Warn("wallet disabled in console", zap.Error(err))
	}
	if identities, err := s.svc.identityStore(); err == nil {
		opts.Identities = identities
	}
	loadCtx, cancelLoad := context.WithTimeout(sigCtx, s.settings.Timeout)
	_, warnings, _ := s.svc.loadConfiguredIdentities(loadCtx)
	cancelLoad()
	for _, w := range warnings {
		s.log.Warn(w)
	}

	lines := out.NewLines(s.runner.stdout, s.settings)
	publish := func(ev bridge.Event) {
		if err := lines.Write(ev); err != nil {
			s.log.Debug("write console event failed", zap.Error(err))
		}
	}

	monCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	monDone := make(chan error, 1)
	if strings.TrimSpace(metricsAddr) != "" && engine != nil {
		registry, _ := s.svc.metricsCollectors()
		mon := monitor.New(engine, registry, s.log.Named("monitor"))
		write := publish
		publish = func(ev bridge.Event) {
			write(ev)
			mon.Publish(ev)
		}
		go func() { monDone <- mon.ListenAndServe(monCtx, metricsAddr) }()
	} else {
		monDone <- nil
	}

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	commands := make(chan bridge.Command)
	events := bridge.New(opts).Serve(serveCtx, commands)

	readErr := make(chan error, 1)
	go func() {
		defer close(commands)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 0, 64*1024), maxConsoleLine)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var c bridge.Command
			if err := json.Unmarshal([]byte(line), &c); err != nil {
				publish(consoleFailure(c, clierr.Wrap(clierr.CodeUsage, "decode console command", err)))
				continue
			}
			if path := consoleCommandPath(c); path != "" {
				if err := policy.CheckCommandAllowed(s.settings.EnableCommands, path); err != nil {
					publish(consoleFailure(c, err))
					continue
				}
			}
			select {
			case commands <- c:
			case <-serveCtx.Done():
				readErr <- nil
				return
			}
		}
		readErr <- scanner.Err()
	}()

	finished := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			s.log.Info("interrupt received; cancelling console runs")
			stopServe()
			if engine != nil {
				for _, run := range engine.Runs() {
					run.Cancel()
				}
			}
		case <-finished:
		}
	}()

	for ev := range events {
		publish(ev)
	}
	close(finished)
	stopMonitor()
	if err := <-monDone; err != nil {
		s.log.Warn("monitor stopped with error", zap.Error(err))
	}

	select {
	case err := <-readErr:
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "read console input", err)
		}
	default:
	}
	return nil
}

func consoleFailure(c bridge.Command, err error) bridge.Event {
	return bridge.Event{
		Kind:      bridge.EventCommandFailed,
		CommandID: c.ID,
		Command:   c.Kind,
		Error:     bridge.ErrorBody(err),
		Time:      time.Now().UTC(),
	}
}
