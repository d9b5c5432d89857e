package execution

import (
	"time"

	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/metrics"
	"github.com/ggonzalez94/platform-explorer/internal/model"
)

type RunState string

type OperationStatus string

type EventType string

const (
	RunStateIdle      RunState = "idle"
	RunStatePlanning  RunState = "planning"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateCancelled RunState = "cancelled"
	RunStateFailed    RunState = "failed"
)

func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateCancelled || s == RunStateFailed
}

const (
	OperationPlanned         OperationStatus = "planned"
	OperationSigned          OperationStatus = "signed"
	OperationInFlight        OperationStatus = "in_flight"
	OperationSucceeded       OperationStatus = "succeeded"
	OperationRetryableFailed OperationStatus = "retryable_failed"
	OperationFatalFailed     OperationStatus = "fatal_failed"
)

// Fatal reasons reported for operations that will not be retried.
const (
	ReasonProofVerification   = "proof verification failed"
	ReasonRetriesExhausted    = "retries exhausted"
	ReasonRejected            = "rejected by platform"
	ReasonSigning             = "signing failed"
	ReasonBroadcast           = "broadcast failed"
	ReasonCancelled           = "cancelled"
	ReasonIdentityUnavailable = "identity unavailable"
)

const (
	EventRunStatusChanged  EventType = "run_status_changed"
	EventOperationResolved EventType = "operation_resolved"
	EventRunReportReady    EventType = "run_report_ready"
)

// Operation is the engine's view of one planned transition.
type Operation struct {
	Draft          model.OperationDraft `json:"draft"`
	Status         OperationStatus      `json:"status"`
	Attempts       int                  `json:"attempts"`
	NextEligible   time.Time            `json:"next_eligible,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	Error          string               `json:"error,omitempty"`
	Latency        time.Duration        `json:"latency_ns,omitempty"`
	TransitionHash string               `json:"transition_hash,omitempty"`
	issued         bool
}

type FatalOperation struct {
	Seq        int                 `json:"seq"`
	Kind       model.OperationKind `json:"kind"`
	IdentityID id.Identifier       `json:"identity_id"`
	Attempts   int                 `json:"attempts"`
	Reason     string              `json:"reason"`
	Error      string              `json:"error,omitempty"`
}

type KindLatency struct {
	Kind      string  `json:"kind"`
	Samples   int64   `json:"samples"`
	Succeeded int64   `json:"succeeded"`
	Retryable int64   `json:"retryable"`
	Fatal     int64   `json:"fatal"`
	P50MS     float64 `json:"p50_ms"`
	P95MS     float64 `json:"p95_ms"`
	P99MS     float64 `json:"p99_ms"`
	MaxMS     float64 `json:"max_ms"`
	MeanMS    float64 `json:"mean_ms"`
}

// Report is an immutable snapshot of a run. Succeeded + Failed == Issued once
// the run is terminal; Skipped counts operations never admitted.
type Report struct {
	RunID      string           `json:"run_id"`
	Strategy   string           `json:"strategy"`
	State      RunState         `json:"state"`
	PlanDigest string           `json:"plan_digest,omitempty"`
	Planned    int              `json:"planned"`
	Issued     int              `json:"issued"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Retried    int              `json:"retried"`
	Skipped    int              `json:"skipped"`
	Latency    []KindLatency    `json:"latency"`
	Fatal      []FatalOperation `json:"fatal"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at,omitempty"`
	ElapsedMS  int64            `json:"elapsed_ms"`

	// ProofsUnanchored marks runs whose proofs were not checked against a quorum key.
	ProofsUnanchored bool `json:"proofs_unanchored,omitempty"`
}

// OperationUpdate describes a status change of one operation.
type OperationUpdate struct {
	Seq            int                 `json:"seq"`
	Kind           model.OperationKind `json:"kind"`
	Status         OperationStatus     `json:"status"`
	Attempts       int                 `json:"attempts"`
	Reason         string              `json:"reason,omitempty"`
	Error          string              `json:"error,omitempty"`
	LatencyMS      float64             `json:"latency_ms"`
	TransitionHash string              `json:"transition_hash,omitempty"`
}

type Event struct {
	Type      EventType        `json:"type"`
	RunID     string           `json:"run_id"`
	State     RunState         `json:"state,omitempty"`
	Operation *OperationUpdate `json:"operation,omitempty"`
	Report    *Report          `json:"report,omitempty"`
	Time      time.Time        `json:"time"`
}

func latencyRows(snap metrics.Snapshot) []KindLatency {
	out := make([]KindLatency, 0, len(snap.Kinds))
	for _, k := range snap.Kinds {
		out = append(out, KindLatency{
			Kind:      k.Kind,
			Samples:   k.Samples,
			Succeeded: k.Succeeded,
			Retryable: k.Retryable,
			Fatal:     k.Fatal,
			P50MS:     ms(k.P50),
			P95MS:     ms(k.P95),
			P99MS:     ms(k.P99),
			MaxMS:     ms(k.Max),
			MeanMS:    ms(k.Mean),
		})
	}
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
