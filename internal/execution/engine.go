package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/execution/planner"
	"github.com/ggonzalez94/platform-explorer/internal/execution/signer"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/identity"
	"github.com/ggonzalez94/platform-explorer/internal/logx"
	"github.com/ggonzalez94/platform-explorer/internal/metrics"
	"github.com/ggonzalez94/platform-explorer/internal/model"
	"github.com/ggonzalez94/platform-explorer/internal/ratelimit"
	"github.com/ggonzalez94/platform-explorer/internal/strategy"
)

// Network broadcasts signed operations and checks their proofs.
type Network interface {
	Broadcast(ctx context.Context, op model.SignedOperation) (model.BroadcastResult, error)
	VerifyProof(op model.SignedOperation, res model.BroadcastResult) bool
}

// anchoredNetwork is implemented by networks that can tell whether their proofs
// are bound to a signed quorum root.
type anchoredNetwork interface {
	ProofsAnchored() bool
}

// KeyStore supplies identities and consistent copies of their key material.
type KeyStore interface {
	List() []identity.Identity
	Snapshot(identityID id.Identifier) (identity.Material, error)
}

// Registrar creates the start identities a strategy asks for. Registered
// identities must be visible through the KeyStore afterwards.
type Registrar interface {
	Register(ctx context.Context, fundingAddress string, amountDuffs uint64) (identity.Identity, error)
}

type Options struct {
	Network    Network
	Keys       KeyStore
	Registrar  Registrar
	Signer     signer.Signer
	Clock      ratelimit.Clock
	Collectors *metrics.Collectors
	Store      *Store
	Logger     *zap.Logger
}

// Engine starts and tracks strategy runs.
type Engine struct {
	network   Network
	keys      KeyStore
	registrar Registrar
	signer    signer.Signer
	clock     ratelimit.Clock
	prom      *metrics.Collectors
	store     *Store
	log       *zap.Logger

	mu    sync.Mutex
	runs  map[string]*Run
	order []string
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Network == nil {
		return nil, clierr.New(clierr.CodeConfig, "execution engine requires a network client")
	}
	if opts.Keys == nil {
		return nil, clierr.New(clierr.CodeConfig, "execution engine requires an identity store")
	}
	if opts.Signer == nil {
		opts.Signer = signer.Local{}
	}
	if opts.Clock == nil {
		opts.Clock = ratelimit.SystemClock
	}
	return &Engine{
		network:   opts.Network,
		keys:      opts.Keys,
		registrar: opts.Registrar,
		signer:    opts.Signer,
		clock:     opts.Clock,
		prom:      opts.Collectors,
		store:     opts.Store,
		log:       logx.OrNop(opts.Logger),
		runs:      map[string]*Run{},
	}, nil
}

// Plan returns the operations a run of s would execute. Only keys with private
// material in the store are considered.
func (e *Engine) Plan(s strategy.Strategy) ([]model.OperationDraft, error) {
	return planner.Plan(s, SigningIdentities(e.keys))
}

// SigningIdentities lists the identities in keys, each trimmed to the keys
// whose private material is present.
func SigningIdentities(keys KeyStore) []identity.Identity {
	var out []identity.Identity
	for _, ident := range keys.List() {
		material, err := keys.Snapshot(ident.ID)
		if err != nil {
			continue
		}
		ident.Keys = material.SigningKeys()
		out = append(out, ident)
	}
	return out
}

// Start plans s and begins executing it in the background. When planning
// fails the returned run is already Failed and the planning error is returned
// alongside it. Strategies with start identities register them first, in the
// background; a failure there ends the run as Failed.
func (e *Engine) Start(ctx context.Context, s strategy.Strategy) (*Run, error) {
	run := e.newRun(ctx, s)
	run.setState(RunStatePlanning)

	if s.Start.Count > 0 {
		if err := e.checkRegistration(s); err != nil {
			run.finish(err)
			return run, err
		}
		go func() {
			planned, err := run.registerStartIdentities(s)
			if err != nil {
				if run.ctx.Err() != nil {
					err = nil
				}
				run.finish(err)
				return
			}
			if run.plan(planned) == nil {
				run.execute()
			}
		}()
		return run, nil
	}

	if err := run.plan(s); err != nil {
		return run, err
	}
	go run.execute()
	return run, nil
}

func (e *Engine) checkRegistration(s strategy.Strategy) error {
	if e.registrar == nil {
		return clierr.New(clierr.CodeConfig, "start_identities needs identity registration (configure dapi addresses and a wallet)")
	}
	if strings.TrimSpace(s.Start.FundingAddress) == "" {
		return clierr.New(clierr.CodeConfig, "start_identities.funding_address is required")
	}
	return nil
}

func (e *Engine) Run(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	return r, ok
}

// Runs lists runs in start order.
func (e *Engine) Runs() []*Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Run, 0, len(e.order))
	for _, runID := range e.order {
		out = append(out, e.runs[runID])
	}
	return out
}

func (e *Engine) newRun(parent context.Context, s strategy.Strategy) *Run {
	ctx, cancel := context.WithCancel(parent)
	r := &Run{
		id:        "run_" + uuid.NewString(),
		strategy:  s,
		e:         e,
		ctx:       ctx,
		cancel:    cancel,
		recorder:  metrics.NewRecorder(e.prom),
		events:    newEventQueue(),
		done:      make(chan struct{}),
		state:     RunStateIdle,
		startedAt: time.Now().UTC(),
	}
	r.log = e.log.With(zap.String("run", r.id), zap.String("strategy", s.Name))
	if an, ok := e.network.(anchoredNetwork); ok && !an.ProofsAnchored() {
		r.unanchored = true
		r.log.Warn("no quorum public key configured; proofs are checked against their merkle path only")
	}
	e.mu.Lock()
	e.runs[r.id] = r
	e.order = append(e.order, r.id)
	e.mu.Unlock()
	return r
}

// Run is one execution of a strategy.
type Run struct {
	id       string
	strategy strategy.Strategy
	e        *Engine
	log      *zap.Logger

	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested atomic.Bool

	limiter    *ratelimit.Limiter
	recorder   *metrics.Recorder
	events     *eventQueue
	done       chan struct{}
	retries    sync.WaitGroup
	queue      chan int
	pending    atomic.Int64
	closeQueue sync.Once

	mu        sync.Mutex
	state     RunState
	ops       []Operation
	digest    string
	issued    int
	succeeded int
	failed    int
	retried   int
	fatal     []FatalOperation
	err       error
	startedAt time.Time
	endedAt   time.Time
	final     *Report

	unanchored bool
}

func (r *Run) ID() string                  { return r.id }
func (r *Run) Strategy() strategy.Strategy { return r.strategy }
func (r *Run) Done() <-chan struct{}       { return r.done }

// Events streams status changes. The channel closes after RunReportReady.
// A run has one event stream: repeated calls return the same channel, and the
// caller must read it until it closes. Operation events emitted before the
// first call are kept up to a bounded backlog.
func (r *Run) Events() <-chan Event { return r.events.subscribe() }

func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cancel stops admitting operations. In-flight broadcasts run to completion.
func (r *Run) Cancel() {
	if r.cancelRequested.CompareAndSwap(false, true) {
		r.log.Info("run cancellation requested")
	}
	r.cancel()
}

// Wait blocks until the run is terminal. A Failed run returns its error.
func (r *Run) Wait(ctx context.Context) (Report, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.Report(), ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.final, r.err
}

// Report is a snapshot; it is final once the run is terminal.
func (r *Run) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return *r.final
	}
	return r.reportLocked()
}

// Operations returns a copy of every planned operation and its status.
func (r *Run) Operations() []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Operation(nil), r.ops...)
}

func (r *Run) setState(state RunState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.log.Info("run state changed", zap.String("state", string(state)))
	r.events.emit(Event{Type: EventRunStatusChanged, RunID: r.id, State: state, Time: time.Now().UTC()})
}

// plan expands s and arms the run. On failure the run is finished as Failed.
func (r *Run) plan(s strategy.Strategy) error {
	drafts, err := r.e.Plan(s)
	if err != nil {
		r.finish(err)
		return err
	}
	limiter, err := ratelimit.New(s.Rate, s.Burst, r.e.clock)
	if err != nil {
		cfgErr := clierr.Wrap(clierr.CodeConfig, "configure rate limiter", err)
		r.finish(cfgErr)
		return cfgErr
	}
	r.prepare(drafts, limiter)
	r.setState(RunStateRunning)
	return nil
}

// registerStartIdentities registers s.Start.Count identities one after another
// and returns s with them added to an explicit identity list.
func (r *Run) registerStartIdentities(s strategy.Strategy) (strategy.Strategy, error) {
	created := make([]id.Identifier, 0, s.Start.Count)
	for i := 0; i < s.Start.Count; i++ {
		ident, err := r.e.registrar.Register(r.ctx, s.Start.FundingAddress, s.Start.AmountDuffs)
		if err != nil {
			return s, fmt.Errorf("register start identity %d of %d: %w", i+1, s.Start.Count, err)
		}
		r.log.Info("start identity registered", zap.String("identity", ident.ID.String()), zap.Uint64("balance", ident.Balance))
		created = append(created, ident.ID)
	}
	if len(s.Identities) > 0 {
		s.Identities = append(append([]id.Identifier(nil), s.Identities...), created...)
	}
	return s, nil
}

func (r *Run) prepare(drafts []model.OperationDraft, limiter *ratelimit.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = make([]Operation, len(drafts))
	for i, d := range drafts {
		r.ops[i] = Operation{Draft: d, Status: OperationPlanned}
	}
	r.digest = planner.Digest(drafts)
	r.limiter = limiter
	r.queue = make(chan int, len(drafts))
	r.pending.Store(int64(len(drafts)))
}

func (r *Run) execute() {
	for i := range r.ops {
		r.queue <- i
	}
	workers := r.strategy.Concurrency
	if workers > len(r.ops) {
		workers = len(r.ops)
	}
	g, gctx := errgroup.WithContext(r.ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error { return r.work(gctx) })
	}
	err := g.Wait()
	r.retries.Wait()
	r.drain()
	r.finish(err)
}

// work pulls operations until the queue closes or the run context ends.
func (r *Run) work(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		var idx int
		select {
		case next, ok := <-r.queue:
			if !ok {
				return nil
			}
			idx = next
		case <-ctx.Done():
			return nil
		}
		if err := r.limiter.Acquire(ctx); err != nil {
			r.abandon(idx)
			r.resolved()
			continue
		}
		if err := r.attempt(ctx, idx); err != nil {
			return err
		}
	}
}

func (r *Run) attempt(ctx context.Context, idx int) error {
	r.mu.Lock()
	op := &r.ops[idx]
	if !op.issued {
		op.issued = true
		r.issued++
	}
	draft := op.Draft
	r.mu.Unlock()

	started := time.Now()
	material, err := r.e.keys.Snapshot(draft.IdentityID)
	if err != nil {
		r.markFatal(idx, ReasonIdentityUnavailable, err, time.Since(started), true)
		r.resolved()
		return clierr.Wrap(clierr.CodeRunFailed, "signing material unavailable", err)
	}
	signed, err := r.e.signer.Sign(draft, material)
	if err != nil {
		r.markFatal(idx, ReasonSigning, err, time.Since(started), true)
		r.resolved()
		return nil
	}

	r.mu.Lock()
	op = &r.ops[idx]
	op.Status = OperationSigned
	op.Attempts++
	attempt := op.Attempts
	op.Status = OperationInFlight
	r.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.strategy.AttemptTimeout)
	r.e.prom.InFlight(1)
	sent := time.Now()
	res, err := r.e.network.Broadcast(attemptCtx, signed)
	latency := time.Since(sent)
	r.e.prom.InFlight(-1)
	cancel()

	switch {
	case err == nil && r.e.network.VerifyProof(signed, res):
		r.markSucceeded(idx, res, latency)
		r.resolved()
	case err == nil:
		r.markFatal(idx, ReasonProofVerification, clierr.New(clierr.CodeProofVerify, "proof for "+res.TransitionHash+" did not verify"), latency, true)
		r.resolved()
	case transient(err) && attempt < r.strategy.MaxAttempts:
		r.scheduleRetry(ctx, idx, attempt, err, latency)
	case transient(err):
		r.markFatal(idx, ReasonRetriesExhausted, err, latency, true)
		r.resolved()
	case clierr.HasCode(err, clierr.CodeRejected):
		r.markFatal(idx, ReasonRejected, err, latency, true)
		r.resolved()
	default:
		r.markFatal(idx, ReasonBroadcast, err, latency, true)
		r.resolved()
	}
	return nil
}

func transient(err error) bool {
	if clierr.Transient(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (r *Run) scheduleRetry(ctx context.Context, idx, attempt int, cause error, latency time.Duration) {
	delay := r.strategy.Backoff(attempt)
	r.mu.Lock()
	op := &r.ops[idx]
	op.Status = OperationRetryableFailed
	op.Error = cause.Error()
	op.Latency = latency
	op.NextEligible = r.e.clock.Now().Add(delay)
	r.retried++
	update := updateOf(*op)
	r.mu.Unlock()

	r.recorder.Record(metrics.Sample{Kind: string(update.Kind), Duration: latency, Outcome: metrics.OutcomeRetryable})
	r.log.Warn("operation will be retried",
		zap.Int("seq", update.Seq),
		zap.String("kind", string(update.Kind)),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	r.emitOperation(update)

	r.retries.Add(1)
	go func() {
		defer r.retries.Done()
		select {
		case <-r.e.clock.After(delay):
			r.queue <- idx
		case <-ctx.Done():
			r.markFatal(idx, ReasonCancelled, nil, 0, false)
			r.resolved()
		}
	}()
}

// abandon settles an operation that will not be attempted again: never issued
// operations stay Planned and count as skipped.
func (r *Run) abandon(idx int) {
	r.mu.Lock()
	op := r.ops[idx]
	r.mu.Unlock()
	if !op.issued || op.Status == OperationSucceeded || op.Status == OperationFatalFailed {
		return
	}
	r.markFatal(idx, ReasonCancelled, nil, 0, false)
}

// resolved counts one operation as settled and closes the queue after the last.
func (r *Run) resolved() {
	if r.pending.Add(-1) == 0 {
		r.closeQueue.Do(func() { close(r.queue) })
	}
}

func (r *Run) drain() {
	for {
		select {
		case idx, ok := <-r.queue:
			if !ok {
				return
			}
			r.abandon(idx)
		default:
			return
		}
	}
}

func (r *Run) markSucceeded(idx int, res model.BroadcastResult, latency time.Duration) {
	r.mu.Lock()
	op := &r.ops[idx]
	op.Status = OperationSucceeded
	op.Latency = latency
	op.Error = ""
	op.TransitionHash = res.TransitionHash
	r.succeeded++
	update := updateOf(*op)
	r.mu.Unlock()

	r.recorder.Record(metrics.Sample{Kind: string(update.Kind), Duration: latency, Outcome: metrics.OutcomeSucceeded})
	r.log.Debug("operation succeeded", zap.Int("seq", update.Seq), zap.String("transition", res.TransitionHash), zap.Duration("latency", latency))
	r.emitOperation(update)
}

func (r *Run) markFatal(idx int, reason string, cause error, latency time.Duration, sample bool) {
	r.mu.Lock()
	op := &r.ops[idx]
	op.Status = OperationFatalFailed
	op.Reason = reason
	if cause != nil {
		op.Error = cause.Error()
	}
	if sample {
		op.Latency = latency
	}
	r.failed++
	r.fatal = append(r.fatal, FatalOperation{
		Seq:        op.Draft.Seq,
		Kind:       op.Draft.Kind,
		IdentityID: op.Draft.IdentityID,
		Attempts:   op.Attempts,
		Reason:     reason,
		Error:      op.Error,
	})
	update := updateOf(*op)
	r.mu.Unlock()

	if sample {
		r.recorder.Record(metrics.Sample{Kind: string(update.Kind), Duration: latency, Outcome: metrics.OutcomeFatal})
	}
	fields := []zap.Field{
		zap.Int("seq", update.Seq),
		zap.String("kind", string(update.Kind)),
		zap.Int("attempts", update.Attempts),
		zap.String("reason", reason),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	switch reason {
	case ReasonCancelled:
		r.log.Info("operation cancelled", fields...)
	case ReasonProofVerification:
		r.log.Error("operation proof verification failed", fields...)
	default:
		r.log.Error("operation failed", fields...)
	}
	r.emitOperation(update)
}

func (r *Run) emitOperation(update OperationUpdate) {
	r.events.emit(Event{Type: EventOperationResolved, RunID: r.id, Operation: &update, Time: time.Now().UTC()})
}

func updateOf(op Operation) OperationUpdate {
	return OperationUpdate{
		Seq:            op.Draft.Seq,
		Kind:           op.Draft.Kind,
		Status:         op.Status,
		Attempts:       op.Attempts,
		Reason:         op.Reason,
		Error:          op.Error,
		LatencyMS:      ms(op.Latency),
		TransitionHash: op.TransitionHash,
	}
}

func (r *Run) finish(runErr error) {
	cancelled := r.ctx.Err() != nil
	r.mu.Lock()
	switch {
	case runErr != nil:
		r.state = RunStateFailed
		r.err = runErr
	case cancelled:
		r.state = RunStateCancelled
	default:
		r.state = RunStateCompleted
	}
	r.endedAt = time.Now().UTC()
	report := r.reportLocked()
	r.final = &report
	r.mu.Unlock()
	r.cancel()

	r.e.prom.RunFinished(string(report.State))
	fields := []zap.Field{
		zap.String("state", string(report.State)),
		zap.Int("issued", report.Issued),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("retried", report.Retried),
		zap.Int("skipped", report.Skipped),
	}
	if runErr != nil {
		r.log.Error("run failed", append(fields, zap.Error(runErr))...)
	} else {
		r.log.Info("run finished", fields...)
	}
	if r.e.store != nil {
		if err := r.e.store.Save(report); err != nil {
			r.log.Warn("persist run report failed", zap.Error(err))
		}
	}

	now := time.Now().UTC()
	r.events.emit(Event{Type: EventRunStatusChanged, RunID: r.id, State: report.State, Time: now})
	r.events.emit(Event{Type: EventRunReportReady, RunID: r.id, State: report.State, Report: &report, Time: now})
	r.events.close()
	close(r.done)
}

func (r *Run) reportLocked() Report {
	rep := Report{
		RunID:      r.id,
		Strategy:   r.strategy.Name,
		State:      r.state,
		PlanDigest: r.digest,
		Planned:    len(r.ops),
		Issued:     r.issued,
		Succeeded:  r.succeeded,
		Failed:     r.failed,
		Retried:    r.retried,
		Latency:    latencyRows(r.recorder.Snapshot()),
		Fatal:      append([]FatalOperation{}, r.fatal...),
		StartedAt:  r.startedAt,
		EndedAt:    r.endedAt,

		ProofsUnanchored: r.unanchored,
	}
	if r.state.Terminal() {
		rep.Skipped = len(r.ops) - r.issued
	}
	if r.err != nil {
		rep.Error = r.err.Error()
	}
	sort.Slice(rep.Fatal, func(i, j int) bool { return rep.Fatal[i].Seq < rep.Fatal[j].Seq })
	end := r.endedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	rep.ElapsedMS = end.Sub(r.startedAt).Milliseconds()
	return rep
}
