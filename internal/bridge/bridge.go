// Package bridge is the message contract between a front end and the engine:
// commands go in, progress events come out.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/execution"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/identity"
	"github.com/ggonzalez94/platform-explorer/internal/logx"
	"github.com/ggonzalez94/platform-explorer/internal/model"
	"github.com/ggonzalez94/platform-explorer/internal/strategy"
	"github.com/ggonzalez94/platform-explorer/internal/wallet"
)

type CommandKind string

const (
	CommandStartRun         CommandKind = "start_run"
	CommandCancelRun        CommandKind = "cancel_run"
	CommandImportKey        CommandKind = "import_key"
	CommandRegisterIdentity CommandKind = "register_identity"
	CommandRefreshBalance   CommandKind = "refresh_balance"
)

type EventKind string

const (
	EventRunStatusChanged   EventKind = EventKind(execution.EventRunStatusChanged)
	EventOperationResolved  EventKind = EventKind(execution.EventOperationResolved)
	EventRunReportReady     EventKind = EventKind(execution.EventRunReportReady)
	EventKeyImported        EventKind = "key_imported"
	EventIdentityRegistered EventKind = "identity_registered"
	EventBalanceRefreshed   EventKind = "balance_refreshed"
	EventCommandFailed      EventKind = "command_failed"
)

// Command is one request from the front end. Which fields are read depends on
// Kind; ID is echoed on every event the command produces.
type Command struct {
	ID           string             `json:"id,omitempty"`
	Kind         CommandKind        `json:"kind"`
	Strategy     *strategy.Strategy `json:"strategy,omitempty"`
	StrategyFile string             `json:"strategy_file,omitempty"`
	RunID        string             `json:"run_id,omitempty"`
	Secret       string             `json:"secret,omitempty"`
	Address      string             `json:"address,omitempty"`
	AmountDuffs  uint64             `json:"amount_duffs,omitempty"`
	IdentityID   string             `json:"identity_id,omitempty"`
}

type Event struct {
	Kind      EventKind                  `json:"type"`
	CommandID string                     `json:"command_id,omitempty"`
	Command   CommandKind                `json:"command,omitempty"`
	RunID     string                     `json:"run_id,omitempty"`
	State     execution.RunState         `json:"state,omitempty"`
	Operation *execution.OperationUpdate `json:"operation,omitempty"`
	Report    *execution.Report          `json:"report,omitempty"`
	Wallet    *wallet.Entry              `json:"wallet,omitempty"`
	Identity  *identity.Identity         `json:"identity,omitempty"`
	Error     *model.ErrorBody           `json:"error,omitempty"`
	Time      time.Time                  `json:"time"`
}

// Runner starts and looks up strategy runs.
type Runner interface {
	Start(ctx context.Context, s strategy.Strategy) (*execution.Run, error)
	Run(runID string) (*execution.Run, bool)
}

type Wallets interface {
	ImportKey(secret string) (wallet.Entry, error)
	RefreshBalance(ctx context.Context, address string) (wallet.Entry, error)
}

type Identities interface {
	Register(ctx context.Context, fundingAddress string, amountDuffs uint64) (identity.Identity, error)
	RefreshBalance(ctx context.Context, identityID id.Identifier) (identity.Identity, error)
}

// Reports receives every final run report.
type Reports interface {
	Save(report execution.Report) error
}

type Options struct {
	Runner     Runner
	Wallets    Wallets
	Identities Identities
	Reports    Reports
	Logger     *zap.Logger
	Buffer     int
}

type Bridge struct {
	runner     Runner
	wallets    Wallets
	identities Identities
	reports    Reports
	log        *zap.Logger
	buffer     int
	now        func() time.Time
}

func New(opts Options) *Bridge {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Bridge{
		runner:     opts.Runner,
		wallets:    opts.Wallets,
		identities: opts.Identities,
		reports:    opts.Reports,
		log:        logx.OrNop(opts.Logger),
		buffer:     opts.Buffer,
		now:        time.Now,
	}
}

type handler func(b *Bridge, ctx context.Context, cmd Command, emit func(Event))

var dispatch = map[CommandKind]handler{
	CommandStartRun:         (*Bridge).startRun,
	CommandCancelRun:        (*Bridge).cancelRun,
	CommandImportKey:        (*Bridge).importKey,
	CommandRegisterIdentity: (*Bridge).registerIdentity,
	CommandRefreshBalance:   (*Bridge).refreshBalance,
}

// CommandKinds lists the accepted command kinds.
func CommandKinds() []CommandKind {
	return []CommandKind{CommandStartRun, CommandCancelRun, CommandImportKey, CommandRegisterIdentity, CommandRefreshBalance}
}

// EventKinds lists the event kinds Serve can emit.
func EventKinds() []EventKind {
	return []EventKind{
		EventRunStatusChanged,
		EventOperationResolved,
		EventRunReportReady,
		EventKeyImported,
		EventIdentityRegistered,
		EventBalanceRefreshed,
		EventCommandFailed,
	}
}

// Serve handles commands until the channel closes or ctx ends. Each command
// runs on its own goroutine so a long run never holds up the next command.
// The event channel closes once every handler has returned; callers must keep
// reading it until then.
func (b *Bridge) Serve(ctx context.Context, commands <-chan Command) <-chan Event {
	out := make(chan Event, b.buffer)
	emit := func(ev Event) {
		if ev.Time.IsZero() {
			ev.Time = b.now().UTC()
		}
		out <- ev
	}

	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(out)
		}()
		for {
			var cmd Command
			select {
			case <-ctx.Done():
				return
			case next, ok := <-commands:
				if !ok {
					return
				}
				cmd = next
			}
			h, ok := dispatch[cmd.Kind]
			if !ok {
				b.fail(emit, cmd, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown command %q", cmd.Kind)))
				continue
			}
			b.log.Debug("bridge command", zap.String("kind", string(cmd.Kind)), zap.String("command_id", cmd.ID))
			wg.Add(1)
			go func() {
				defer wg.Done()
				h(b, ctx, cmd, emit)
			}()
		}
	}()
	return out
}

func (b *Bridge) startRun(ctx context.Context, cmd Command, emit func(Event)) {
	if b.runner == nil {
		b.fail(emit, cmd, clierr.New(clierr.CodeUnsupported, "strategy runner is not configured"))
		return
	}
	s, err := cmd.resolveStrategy()
	if err != nil {
		b.fail(emit, cmd, err)
		return
	}
	run, err := b.runner.Start(ctx, s)
	if run == nil {
		b.fail(emit, cmd, err)
		return
	}
	for ev := range run.Events() {
		if ev.Type == execution.EventRunReportReady && b.reports != nil && ev.Report != nil {
			if saveErr := b.reports.Save(*ev.Report); saveErr != nil {
				b.log.Warn("persist run report failed", zap.String("run", ev.RunID), zap.Error(saveErr))
			}
		}
		emit(Event{
			Kind:      EventKind(ev.Type),
			CommandID: cmd.ID,
			Command:   cmd.Kind,
			RunID:     ev.RunID,
			State:     ev.State,
			Operation: ev.Operation,
			Report:    ev.Report,
			Time:      ev.Time,
		})
	}
	if err != nil {
		b.fail(emit, cmd, err)
	}
}

func (b *Bridge) cancelRun(_ context.Context, cmd Command, emit func(Event)) {
	if b.runner == nil {
		b.fail(emit, cmd, clierr.New(clierr.CodeUnsupported, "strategy runner is not configured"))
		return
	}
	run, ok := b.runner.Run(strings.TrimSpace(cmd.RunID))
	if !ok {
		b.fail(emit, cmd, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown run %q", cmd.RunID)))
		return
	}
	run.Cancel()
}

func (b *Bridge) importKey(_ context.Context, cmd Command, emit func(Event)) {
	if b.wallets == nil {
		b.fail(emit, cmd, clierr.New(clierr.CodeUnsupported, "wallet is not configured"))
		return
	}
	entry, err := b.wallets.ImportKey(cmd.Secret)
	if err != nil {
		b.fail(emit, cmd, err)
		return
	}
	emit(Event{Kind: EventKeyImported, CommandID: cmd.ID, Command: cmd.Kind, Wallet: &entry})
}

func (b *Bridge) registerIdentity(ctx context.Context, cmd Command, emit func(Event)) {
	if b.identities == nil {
		b.fail(emit, cmd, clierr.New(clierr.CodeUnsupported, "identity registration is not configured"))
		return
	}
	ident, err := b.identities.Register(ctx, strings.TrimSpace(cmd.Address), cmd.AmountDuffs)
	if err != nil {
		b.fail(emit, cmd, err)
		return
	}
	emit(Event{Kind: EventIdentityRegistered, CommandID: cmd.ID, Command: cmd.Kind, Identity: &ident})
}

// refreshBalance refreshes an identity when IdentityID is set, otherwise a
// wallet address. A failed wallet refresh still reports the stale entry.
func (b *Bridge) refreshBalance(ctx context.Context, cmd Command, emit func(Event)) {
	if strings.TrimSpace(cmd.IdentityID) != "" {
		if b.identities == nil {
			b.fail(emit, cmd, clierr.New(clierr.CodeUnsupported, "identity store is not configured"))
			return
		}
		identityID, err := id.ParseIdentifier(cmd.IdentityID)
		if err != nil {
			b.fail(emit, cmd, clierr.Wrap(clierr.CodeUsage, "parse identity id", err))
			return
		}
		ident, err := b.identities.RefreshBalance(ctx, identityID)
		if err != nil {
			b.fail(emit, cmd, err)
			return
		}
		emit(Event{Kind: EventBalanceRefreshed, CommandID: cmd.ID, Command: cmd.Kind, Identity: &ident})
		return
	}
	if b.wallets == nil {
		b.fail(emit, cmd, clierr.New(clierr.CodeUnsupported, "wallet is not configured"))
		return
	}
	entry, err := b.wallets.RefreshBalance(ctx, strings.TrimSpace(cmd.Address))
	if err != nil {
		ev := b.failure(cmd, err)
		if entry.Address != "" {
			ev.Wallet = &entry
		}
		emit(ev)
		return
	}
	emit(Event{Kind: EventBalanceRefreshed, CommandID: cmd.ID, Command: cmd.Kind, Wallet: &entry})
}

func (c Command) resolveStrategy() (strategy.Strategy, error) {
	switch {
	case c.Strategy != nil:
		s := c.Strategy.WithDefaults()
		if err := s.Validate(); err != nil {
			return strategy.Strategy{}, err
		}
		return s, nil
	case strings.TrimSpace(c.StrategyFile) != "":
		return strategy.Load(c.StrategyFile)
	default:
		return strategy.Strategy{}, clierr.New(clierr.CodeUsage, "start_run requires strategy or strategy_file")
	}
}

func (b *Bridge) fail(emit func(Event), cmd Command, err error) {
	emit(b.failure(cmd, err))
}

func (b *Bridge) failure(cmd Command, err error) Event {
	b.log.Warn("bridge command failed", zap.String("kind", string(cmd.Kind)), zap.String("command_id", cmd.ID), zap.Error(err))
	return Event{Kind: EventCommandFailed, CommandID: cmd.ID, Command: cmd.Kind, Error: ErrorBody(err)}
}

// ErrorBody converts err to the envelope error shape.
func ErrorBody(err error) *model.ErrorBody {
	if err == nil {
		return nil
	}
	code := clierr.CodeInternal
	var cErr *clierr.Error
	if errors.As(err, &cErr) {
		code = cErr.Code
	}
	return &model.ErrorBody{Code: int(code), Type: clierr.TypeName(code), Message: err.Error()}
}
