package execution

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/identity"
	"github.com/ggonzalez94/platform-explorer/internal/model"
	"github.com/ggonzalez94/platform-explorer/internal/ratelimit"
	"github.com/ggonzalez94/platform-explorer/internal/strategy"
)

type fakeNetwork struct {
	mu       sync.Mutex
	attempts map[int]int

	delay       time.Duration
	fail        func(seq, attempt int) error
	badProof    bool
	started     chan struct{}
	release     chan struct{}
	onBroadcast func()
	aborted     atomic.Int32
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{attempts: map[int]int{}}
}

func (f *fakeNetwork) Broadcast(ctx context.Context, op model.SignedOperation) (model.BroadcastResult, error) {
	f.mu.Lock()
	f.attempts[op.Draft.Seq]++
	attempt := f.attempts[op.Draft.Seq]
	f.mu.Unlock()

	if f.onBroadcast != nil {
		f.onBroadcast()
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if ctx.Err() != nil {
		f.aborted.Add(1)
	}
	if f.fail != nil {
		if err := f.fail(op.Draft.Seq, attempt); err != nil {
			return model.BroadcastResult{}, err
		}
	}
	return model.BroadcastResult{TransitionHash: op.TransitionHashHex()}, nil
}

func (f *fakeNetwork) VerifyProof(model.SignedOperation, model.BroadcastResult) bool {
	return !f.badProof
}

func (f *fakeNetwork) attemptsFor(seq int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[seq]
}

func (f *fakeNetwork) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.attempts {
		n += v
	}
	return n
}

type failingSigner struct{}

func (failingSigner) Sign(model.OperationDraft, identity.Material) (model.SignedOperation, error) {
	return model.SignedOperation{}, clierr.New(clierr.CodeCrypto, "signing device offline")
}

func newKeyStore(t *testing.T, labels ...string) *identity.Store {
	t.Helper()
	store := identity.NewStore(identity.Options{})
	for _, l := range labels {
		keys, secrets, err := identity.GenerateKeys(rand.Reader)
		require.NoError(t, err)
		store.Put(identity.Identity{ID: id.IdentifierFromBytes([]byte(l)), Keys: keys}, secrets)
	}
	return store
}

func newTestEngine(t *testing.T, network Network, keys KeyStore, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{Network: network, Keys: keys}
	for _, m := range mutate {
		m(&opts)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	return engine
}

func runStrategy(count int) strategy.Strategy {
	return strategy.Strategy{
		Name:        "engine-test",
		Seed:        11,
		Count:       count,
		Concurrency: 4,
		Rate:        1000,
		Burst:       100,
		BackoffBase: time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
		Operations: []strategy.Mix{
			{Kind: model.KindCreditTransfer, Weight: 1},
			{Kind: model.KindIdentityUpdate, Weight: 1},
		},
	}.WithDefaults()
}

func waitRun(t *testing.T, run *Run) (Report, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not finish")
	return rep, err
}

func requireConserved(t *testing.T, rep Report) {
	t.Helper()
	require.Equal(t, rep.Issued, rep.Succeeded+rep.Failed, "issued must equal succeeded + failed")
	require.Equal(t, rep.Planned, rep.Issued+rep.Skipped, "planned must equal issued + skipped")
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Options{Keys: newKeyStore(t)})
	require.True(t, clierr.HasCode(err, clierr.CodeConfig))
	_, err = NewEngine(Options{Network: newFakeNetwork()})
	require.True(t, clierr.HasCode(err, clierr.CodeConfig))
}

func TestRunHonoursRateLimit(t *testing.T) {
	network := newFakeNetwork()
	network.delay = 20 * time.Millisecond
	engine := newTestEngine(t, network, newKeyStore(t, "alice", "bob"))

	s := runStrategy(10)
	s.Rate = 5
	s.Burst = 5
	s.Concurrency = 2

	started := time.Now()
	run, err := engine.Start(context.Background(), s)
	require.NoError(t, err)
	rep, err := waitRun(t, run)
	require.NoError(t, err)
	elapsed := time.Since(started)

	require.Equal(t, RunStateCompleted, rep.State)
	require.Equal(t, 10, rep.Succeeded)
	require.Zero(t, rep.Failed)
	// A full bucket admits five at once; the other five need one second of refill.
	require.GreaterOrEqual(t, elapsed, time.Second-10*time.Millisecond)
	requireConserved(t, rep)
}

type unanchoredNetwork struct{ *fakeNetwork }

func (unanchoredNetwork) ProofsAnchored() bool { return false }

func TestRunFlagsUnanchoredProofs(t *testing.T) {
	engine := newTestEngine(t, unanchoredNetwork{newFakeNetwork()}, newKeyStore(t, "alice"))
	run, err := engine.Start(context.Background(), runStrategy(2))
	require.NoError(t, err)
	rep, err := waitRun(t, run)
	require.NoError(t, err)
	require.True(t, rep.ProofsUnanchored)

	anchored := newTestEngine(t, newFakeNetwork(), newKeyStore(t, "alice"))
	run, err = anchored.Start(context.Background(), runStrategy(2))
	require.NoError(t, err)
	rep, err = waitRun(t, run)
	require.NoError(t, err)
	require.False(t, rep.ProofsUnanchored)
}

type fakeRegistrar struct {
	store *identity.Store
	mu    sync.Mutex
	calls int
	block bool
}

func (f *fakeRegistrar) Register(ctx context.Context, fundingAddress string, amountDuffs uint64) (identity.Identity, error) {
	if f.block {
		<-ctx.Done()
		return identity.Identity{}, clierr.Wrap(clierr.CodeTimeout, "register cancelled", ctx.Err())
	}
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	keys, secrets, err := identity.GenerateKeys(rand.Reader)
	if err != nil {
		return identity.Identity{}, err
	}
	ident := identity.Identity{ID: id.IdentifierFromBytes([]byte{'s', 't', 'a', 'r', 't', byte(n)}), Owner: fundingAddress, Keys: keys, Balance: amountDuffs}
	f.store.Put(ident, secrets)
	return ident, nil
}

func TestRunRegistersStartIdentitiesBeforePlanning(t *testing.T) {
	keys := newKeyStore(t, "alice")
	registrar := &fakeRegistrar{store: keys}
	engine := newTestEngine(t, newFakeNetwork(), keys, func(o *Options) { o.Registrar = registrar })

	s := runStrategy(60)
	s.Identities = []id.Identifier{id.IdentifierFromBytes([]byte("alice"))}
	s.Start = strategy.StartIdentities{Count: 2, AmountDuffs: 5_000, FundingAddress: "yFunding"}
	run, err := engine.Start(context.Background(), s)
	require.NoError(t, err)
	rep, err := waitRun(t, run)
	require.NoError(t, err)

	require.Equal(t, RunStateCompleted, rep.State)
	require.Equal(t, 2, registrar.calls)
	require.Len(t, keys.List(), 3)
	owners := map[id.Identifier]bool{}
	for _, op := range run.Operations() {
		owners[op.Draft.IdentityID] = true
	}
	require.True(t, owners[id.IdentifierFromBytes([]byte{'s', 't', 'a', 'r', 't', 1})])
	require.True(t, owners[id.IdentifierFromBytes([]byte{'s', 't', 'a', 'r', 't', 2})])
	requireConserved(t, rep)
}

func TestRunStartIdentitiesNeedRegistrar(t *testing.T) {
	engine := newTestEngine(t, newFakeNetwork(), newKeyStore(t, "alice"))
	s := runStrategy(2)
	s.Start = strategy.StartIdentities{Count: 1, AmountDuffs: 1, FundingAddress: "yFunding"}
	run, err := engine.Start(context.Background(), s)
	require.True(t, clierr.HasCode(err, clierr.CodeConfig))
	require.Equal(t, RunStateFailed, run.State())
}

func TestRunCancelledDuringStartRegistration(t *testing.T) {
	keys := newKeyStore(t, "alice")
	engine := newTestEngine(t, newFakeNetwork(), keys, func(o *Options) { o.Registrar = &fakeRegistrar{store: keys, block: true} })
	s := runStrategy(5)
	s.Start = strategy.StartIdentities{Count: 1, AmountDuffs: 1, FundingAddress: "yFunding"}
	run, err := engine.Start(context.Background(), s)
	require.NoError(t, err)
	run.Cancel()
	rep, err := waitRun(t, run)
	require.NoError(t, err)
	require.Equal(t, RunStateCancelled, rep.State)
	require.Zero(t, rep.Planned)
	requireConserved(t, rep)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	network := newFakeNetwork()
	network.fail = func(seq, attempt int) error {
		if seq%3 == 0 && attempt == 1 {
			return clierr.New(clierr.CodeUnavailable, "node busy")
		}
		return nil
	}
	engine := newTestEngine(t, network, newKeyStore(t, "alice"))

	run, err := engine.Start(context.Background(), runStrategy(10))
	require.NoError(t, err)
	rep, err := waitRun(t, run)
	require.NoError(t, err)

	require.Equal(t, RunStateCompleted, rep.State)
	require.Equal(t, 10, rep.Succeeded)
	require.Equal(t, 4, rep.Retried)
	require.Zero(t, rep.Failed)
	for _, seq := range []int{0, 3, 6, 9} {
		require.Equal(t, 2, network.attemptsFor(seq))
	}
	require.Equal(t, 1, network.attemptsFor(1))
	requireConserved(t, rep)

	var retryable int64
	for _, row := range rep.Latency {
		retryable += row.Retryable
	}
	require.EqualValues(t, 4, retryable)
}

func TestRunFailsOperationOnBadProof(t *testing.T) {
	network := newFakeNetwork()
	network.badProof = true
	engine := newTestEngine(t, network, newKeyStore(t, "alice"))

	run, err := engine.Start(context.Background(), runStrategy(3))
	require.NoError(t, err)
	rep, err := waitRun(t, run)
	require.NoError(t, err)

	require.Equal(t, RunStateCompleted, rep.State)
	require.Equal(t, 3, rep.Failed)
	require.Zero(t, rep.Retried)
	require.Len(t, rep.Fatal, 3)
	for _, f := range rep.Fatal {
		require.Equal(t, ReasonProofVerification, f.Reason)
		require.Equal(t, 1, f.Attempts)
		require.Equal(t, 1, network.attemptsFor(f.Seq))
	}
	requireConserved(t, rep)
}

func TestRunExhaustsRetries(t *testing.T) {
	network := newFakeNetwork()
	network.fail = func(int, int) error { return context.DeadlineExceeded }
	engine := newTestEngine(t, network, newKeyStore(t, "alice"))

	s := runStrategy(2)
	run, err := engine.Start(context.Background(), s)
	require.NoError(t, err)
	rep, err := waitRun(t, run)
	require.NoError(t, err)

	require.Equal(t, 2, rep.Failed)
	require.Equal(t, 2*(s.MaxAttempts-1), rep.Retried)
	for _, f := range rep.Fatal {
		require.Equal(t, ReasonRetriesExhausted, f.Reason)
		require.Equal(t, s.MaxAttempts, f.Attempts)
	}
	require.Equal(t, 2*s.MaxAttempts, network.total())
	requireConserved(t, rep)
}

func TestRunDoesNotRetryRejections(t *testing.T) {
	network := newFakeNetwork()
	network.fail = func(seq, _ int) error {
		if seq == 1 {
			return clierr.New(clierr.CodeRejected, "invalid state transition")
		}
		if seq == 2 {
			return clierr.New(clierr.CodeInternal, "malformed response")
		}
		return nil
	}
	engine := newTestEngine(t, network, newKeyStore(t, "alice"))

	run, err := engine.Start(context.Background(), runStrategy(4))
	require.NoError(t, err)
	rep, err := waitRun(t, run)
	require.NoError(t, err)

	require.Equal(t, 2, rep.Succeeded)
	require.Equal(t, 2, rep.Failed)
	require.Equal(t, ReasonRejected, rep.Fatal[0].Reason)
	require.Equal(t, ReasonBroadcast, rep.Fatal[1].Reason)
	require.Equal(t, 1, network.attemptsFor(1))
	require.Equal(t, 1, network.attemptsFor(2))
}

func TestCancelledRunSkipsUnadmittedOperations(t *testing.T) {
	network := newFakeNetwork()
	clock := ratelimit.NewManualClock(time.Unix(1_700_000_000, 0))
	engine := newTestEngine(t, network, newKeyStore(t, "alice"), func(o *Options) { o.Clock = clock })

	s := runStrategy(10)
	s.Rate = 1
	s.Burst = 2
	s.Concurrency = 2
	run, err := engine.Start(context.Background(), s)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return network.total() == 2 && clock.Waiters() == 2
	}, 5*time.Second, 5*time.Millisecond)
	run.Cancel()

	rep, err := waitRun(t, run)
	require.NoError(t, err)
	require.Equal(t, RunStateCancelled, rep.State)
	require.Equal(t, 2, rep.Issued)
	require.Equal(t, 2, rep.Succeeded)
	require.Equal(t, 8, rep.Skipped)
	requireConserved(t, rep)
	require.Equal(t, 2, network.total())
}

func TestCancelLetsInFlightBroadcastFinish(t *testing.T) {
	network := newFakeNetwork()
	network.started = make(chan struct{}, 1)
	network.release = make(chan struct{})
	engine := newTestEngine(t, network, newKeyStore(t, "alice"))

	s := runStrategy(3)
	s.Concurrency = 1
	run, err := engine.Start(context.Background(), s)
	require.NoError(t, err)

	<-network.started
	run.Cancel()
	close(network.release)

	rep, err := waitRun(t, run)
	require.NoError(t, err)
	require.Equal(t, RunStateCancelled, rep.State)
	require.Equal(t, 1, rep.Succeeded)
	require.Equal(t, 2, rep.Skipped)
	require.Zero(t, network.aborted.Load())
	requireConserved(t, rep)
}

func TestCancelDuringBackoffFailsRetryingOperation(t *testing.T) {
	network := newFakeNetwork()
	network.fail = func(int, int) error { return clierr.New(clierr.CodeRateLimited, "slow down") }
	clock := ratelimit.NewManualClock(time.Unix(1_700_000_000, 0))
	engine := newTestEngine(t, network, newKeyStore(t, "alice"), func(o *Options) { o.Clock = clock })

	s := runStrategy(1)
	run, err := engine.Start(context.Background(), s)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, 5*time.Second, 5*time.Millisecond)
	run.Cancel()

	rep, err := waitRun(t, run)
	require.NoError(t, err)
	require.Equal(t, RunStateCancelled, rep.State)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, ReasonCancelled, rep.Fatal[0].Reason)
	require.Equal(t, 1, rep.Retried)
	requireConserved(t, rep)
}

func TestRunFailsWhenSigningMaterialDisappears(t *testing.T) {
	keys := newKeyStore(t, "alice", "bob")
	network := newFakeNetwork()
	var once sync.Once
	network.onBroadcast = func() {
		once.Do(func() {
			for _, ident := range keys.List() {
				keys.Remove(ident.ID)
			}
		})
	}
	engine := newTestEngine(t, network, keys)

	s := runStrategy(5)
	s.Concurrency = 1
	run, err := engine.Start(context.Background(), s)
	require.NoError(t, err)
	rep, err := waitRun(t, run)

	require.True(t, clierr.HasCode(err, clierr.CodeRunFailed), "got %v", err)
	require.Equal(t, RunStateFailed, rep.State)
	require.NotEmpty(t, rep.Error)
	require.Equal(t, 2, rep.Issued)
	require.Equal(t, 1, rep.Succeeded)
	require.Equal(t, ReasonIdentityUnavailable, rep.Fatal[0].Reason)
	require.Equal(t, 3, rep.Skipped)
	requireConserved(t, rep)
}

func TestStartReportsPlanningFailure(t *testing.T) {
	engine := newTestEngine(t, newFakeNetwork(), newKeyStore(t))

	run, err := engine.Start(context.Background(), runStrategy(3))
	require.True(t, clierr.HasCode(err, clierr.CodeConfig), "got %v", err)
	require.NotNil(t, run)
	require.Equal(t, RunStateFailed, run.State())

	rep, waitErr := waitRun(t, run)
	require.Equal(t, err, waitErr)
	require.Zero(t, rep.Planned)
}

func TestSigningFailureIsFatalWithoutBroadcast(t *testing.T) {
	network := newFakeNetwork()
	engine := newTestEngine(t, network, newKeyStore(t, "alice"), func(o *Options) { o.Signer = failingSigner{} })

	run, err := engine.Start(context.Background(), runStrategy(3))
	require.NoError(t, err)
	rep, err := waitRun(t, run)
	require.NoError(t, err)

	require.Equal(t, RunStateCompleted, rep.State)
	require.Equal(t, 3, rep.Failed)
	for _, f := range rep.Fatal {
		require.Equal(t, ReasonSigning, f.Reason)
		require.Zero(t, f.Attempts)
	}
	require.Zero(t, network.total())
}

func TestRunEventsAndPersistence(t *testing.T) {
	store := openTestStore(t)
	engine := newTestEngine(t, newFakeNetwork(), newKeyStore(t, "alice"), func(o *Options) { o.Store = store })

	run, err := engine.Start(context.Background(), runStrategy(4))
	require.NoError(t, err)
	rep, err := waitRun(t, run)
	require.NoError(t, err)

	var events []Event
	for ev := range run.Events() {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	require.Equal(t, EventRunStatusChanged, events[0].Type)
	require.Equal(t, RunStatePlanning, events[0].State)
	last := events[len(events)-1]
	require.Equal(t, EventRunReportReady, last.Type)
	require.Equal(t, rep.RunID, last.Report.RunID)

	resolved := 0
	for _, ev := range events {
		if ev.Type == EventOperationResolved {
			resolved++
		}
	}
	require.Equal(t, 4, resolved)

	saved, err := store.Get(run.ID())
	require.NoError(t, err)
	require.Equal(t, RunStateCompleted, saved.State)
	require.Equal(t, rep.PlanDigest, saved.PlanDigest)

	got, ok := engine.Run(run.ID())
	require.True(t, ok)
	require.Same(t, run, got)
	require.Len(t, engine.Runs(), 1)
}
