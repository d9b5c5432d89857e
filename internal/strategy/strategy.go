package strategy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/model"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBackoffBase    = 200 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
	DefaultTransferAmount = 10_000
	DefaultTopUpMin       = 1_000_000_000
	DefaultTopUpMax       = 1_500_000_000
	DefaultStartAmount    = 10_000_000

	// MaxOperations bounds the plan size of one run.
	MaxOperations = 1_000_000
	// MaxStartIdentities bounds how many identities a strategy may register.
	MaxStartIdentities = 255
)

// Mix is one weighted entry of the operation mix. Credit moving kinds use
// Amount, or a uniform draw from [AmountMin, AmountMax] when a range is set.
type Mix struct {
	Kind      model.OperationKind `json:"kind"`
	Weight    int                 `json:"weight"`
	Amount    uint64              `json:"amount_credits,omitempty"`
	AmountMin uint64              `json:"amount_min_credits,omitempty"`
	AmountMax uint64              `json:"amount_max_credits,omitempty"`
}

// Ranged reports whether m draws its amount from a range.
func (m Mix) Ranged() bool { return m.AmountMax > 0 }

// StartIdentities are registered from the wallet before the run is planned and
// join its signing pool.
type StartIdentities struct {
	Count          int    `json:"count"`
	AmountDuffs    uint64 `json:"amount_duffs,omitempty"`
	FundingAddress string `json:"funding_address,omitempty"`
}

type Contract struct {
	ID           id.Identifier `json:"id"`
	DocumentType string        `json:"document_type"`
}

// Strategy is an immutable description of one workload.
type Strategy struct {
	Name           string          `json:"name"`
	Seed           uint64          `json:"seed"`
	Count          int             `json:"count,omitempty"`
	Duration       time.Duration   `json:"duration_ns,omitempty"`
	Concurrency    int             `json:"concurrency"`
	Rate           float64         `json:"rate"`
	Burst          int             `json:"burst"`
	MaxAttempts    int             `json:"max_attempts"`
	BackoffBase    time.Duration   `json:"backoff_base_ns"`
	BackoffMax     time.Duration   `json:"backoff_max_ns"`
	AttemptTimeout time.Duration   `json:"attempt_timeout_ns"`
	Identities     []id.Identifier `json:"identities,omitempty"`
	Contract       Contract        `json:"contract"`
	Operations     []Mix           `json:"operations"`
	Start          StartIdentities `json:"start_identities"`
}

type fileStrategy struct {
	Name           string   `yaml:"name"`
	Seed           *uint64  `yaml:"seed"`
	Count          int      `yaml:"count"`
	Duration       string   `yaml:"duration"`
	Concurrency    int      `yaml:"concurrency"`
	Rate           float64  `yaml:"rate"`
	Burst          int      `yaml:"burst"`
	MaxAttempts    int      `yaml:"max_attempts"`
	BackoffBase    string   `yaml:"backoff_base"`
	BackoffMax     string   `yaml:"backoff_max"`
	AttemptTimeout string   `yaml:"attempt_timeout"`
	Identities     []string `yaml:"identities"`
	Contract       struct {
		ID           string `yaml:"id"`
		DocumentType string `yaml:"document_type"`
	} `yaml:"contract"`
	Operations []struct {
		Kind      string `yaml:"kind"`
		Weight    int    `yaml:"weight"`
		Amount    uint64 `yaml:"amount"`
		AmountMin uint64 `yaml:"amount_min"`
		AmountMax uint64 `yaml:"amount_max"`
	} `yaml:"operations"`
	StartIdentities struct {
		Count          int    `yaml:"count"`
		Amount         uint64 `yaml:"amount"`
		FundingAddress string `yaml:"funding_address"`
	} `yaml:"start_identities"`
}

func Load(path string) (Strategy, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Strategy{}, clierr.New(clierr.CodeConfig, fmt.Sprintf("strategy file %s does not exist", path))
		}
		return Strategy{}, clierr.Wrap(clierr.CodeConfig, "read strategy", err)
	}
	return Parse(buf)
}

// Parse decodes and validates a YAML strategy.
func Parse(buf []byte) (Strategy, error) {
	var f fileStrategy
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return Strategy{}, clierr.Wrap(clierr.CodeConfig, "parse strategy yaml", err)
	}
	s := Strategy{
		Name:        strings.TrimSpace(f.Name),
		Count:       f.Count,
		Concurrency: f.Concurrency,
		Rate:        f.Rate,
		Burst:       f.Burst,
		MaxAttempts: f.MaxAttempts,
		Contract:    Contract{DocumentType: strings.TrimSpace(f.Contract.DocumentType)},
		Start: StartIdentities{
			Count:          f.StartIdentities.Count,
			AmountDuffs:    f.StartIdentities.Amount,
			FundingAddress: strings.TrimSpace(f.StartIdentities.FundingAddress),
		},
	}
	if f.Seed != nil {
		s.Seed = *f.Seed
	}
	var err error
	if s.Duration, err = parseDuration("duration", f.Duration); err != nil {
		return Strategy{}, err
	}
	if s.BackoffBase, err = parseDuration("backoff_base", f.BackoffBase); err != nil {
		return Strategy{}, err
	}
	if s.BackoffMax, err = parseDuration("backoff_max", f.BackoffMax); err != nil {
		return Strategy{}, err
	}
	if s.AttemptTimeout, err = parseDuration("attempt_timeout", f.AttemptTimeout); err != nil {
		return Strategy{}, err
	}
	for _, raw := range f.Identities {
		ident, err := id.ParseIdentifier(raw)
		if err != nil {
			return Strategy{}, clierr.Wrap(clierr.CodeConfig, "strategy identities", err)
		}
		s.Identities = append(s.Identities, ident)
	}
	if strings.TrimSpace(f.Contract.ID) != "" {
		contractID, err := id.ParseIdentifier(f.Contract.ID)
		if err != nil {
			return Strategy{}, clierr.Wrap(clierr.CodeConfig, "strategy contract id", err)
		}
		s.Contract.ID = contractID
	}
	for _, op := range f.Operations {
		s.Operations = append(s.Operations, Mix{
			Kind:      model.OperationKind(strings.ToLower(strings.TrimSpace(op.Kind))),
			Weight:    op.Weight,
			Amount:    op.Amount,
			AmountMin: op.AmountMin,
			AmountMax: op.AmountMax,
		})
	}
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("invalid %s", field), err)
	}
	return d, nil
}

// WithDefaults fills retry and transfer settings left unset.
func (s Strategy) WithDefaults() Strategy {
	if s.MaxAttempts == 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.BackoffBase == 0 {
		s.BackoffBase = DefaultBackoffBase
	}
	if s.BackoffMax == 0 {
		s.BackoffMax = DefaultBackoffMax
	}
	if s.AttemptTimeout == 0 {
		s.AttemptTimeout = DefaultAttemptTimeout
	}
	if s.Contract.DocumentType == "" {
		s.Contract.DocumentType = "note"
	}
	if s.Start.Count > 0 && s.Start.AmountDuffs == 0 {
		s.Start.AmountDuffs = DefaultStartAmount
	}
	mix := make([]Mix, len(s.Operations))
	copy(mix, s.Operations)
	for i := range mix {
		if !mix[i].Kind.CarriesAmount() || mix[i].Amount > 0 || mix[i].Ranged() {
			continue
		}
		if mix[i].Kind == model.KindIdentityTopUp {
			mix[i].AmountMin, mix[i].AmountMax = DefaultTopUpMin, DefaultTopUpMax
			continue
		}
		mix[i].Amount = DefaultTransferAmount
	}
	s.Operations = mix
	return s
}

// Validate rejects strategies that cannot be planned.
func (s Strategy) Validate() error {
	var problems []string
	if len(s.Operations) == 0 {
		problems = append(problems, "operations must list at least one kind")
	}
	total := 0
	for _, op := range s.Operations {
		if !op.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("unknown operation kind %q", op.Kind))
		}
		if op.Weight <= 0 {
			problems = append(problems, fmt.Sprintf("weight for %s must be positive", op.Kind))
		}
		if op.Ranged() || op.AmountMin > 0 {
			switch {
			case !op.Kind.CarriesAmount():
				problems = append(problems, fmt.Sprintf("%s does not take an amount range", op.Kind))
			case op.Amount > 0:
				problems = append(problems, fmt.Sprintf("set either amount or amount_min/amount_max for %s, not both", op.Kind))
			case op.AmountMin > op.AmountMax:
				problems = append(problems, fmt.Sprintf("amount_min for %s must not exceed amount_max", op.Kind))
			}
		}
		total += op.Weight
	}
	if len(s.Operations) > 0 && total <= 0 {
		problems = append(problems, "operation weights must sum to a positive value")
	}
	switch {
	case s.Count < 0:
		problems = append(problems, "count must be positive")
	case s.Count > 0 && s.Duration > 0:
		problems = append(problems, "set either count or duration, not both")
	case s.Count == 0 && s.Duration <= 0:
		problems = append(problems, "count or duration is required")
	case s.plannedOps() > MaxOperations:
		problems = append(problems, fmt.Sprintf("strategy plans more than %d operations", MaxOperations))
	}
	if s.Concurrency <= 0 {
		problems = append(problems, "concurrency must be positive")
	}
	if s.Rate <= 0 || math.IsNaN(s.Rate) || math.IsInf(s.Rate, 0) {
		problems = append(problems, "rate must be a positive number of operations per second")
	}
	if s.Burst <= 0 {
		problems = append(problems, "burst must be positive")
	}
	if s.MaxAttempts <= 0 {
		problems = append(problems, "max_attempts must be positive")
	}
	if s.BackoffBase < 0 || s.BackoffMax < 0 || (s.BackoffMax > 0 && s.BackoffMax < s.BackoffBase) {
		problems = append(problems, "backoff_max must be at least backoff_base")
	}
	if s.AttemptTimeout < 0 {
		problems = append(problems, "attempt_timeout must not be negative")
	}
	if s.Start.Count < 0 || s.Start.Count > MaxStartIdentities {
		problems = append(problems, fmt.Sprintf("start_identities.count must be between 0 and %d", MaxStartIdentities))
	}
	if len(problems) > 0 {
		return clierr.New(clierr.CodeConfig, "invalid strategy: "+strings.Join(problems, "; "))
	}
	return nil
}

// OperationCount is the number of operations planned: count, or ceil(duration × rate).
// Validate bounds it by MaxOperations.
func (s Strategy) OperationCount() int {
	if s.Count > 0 {
		return s.Count
	}
	n := s.plannedOps()
	if n > MaxOperations {
		return MaxOperations
	}
	return int(n)
}

// plannedOps computes the plan size in float64 so huge rates cannot overflow.
func (s Strategy) plannedOps() float64 {
	if s.Count > 0 {
		return float64(s.Count)
	}
	if s.Duration <= 0 || s.Rate <= 0 || math.IsNaN(s.Rate) {
		return 0
	}
	return math.Ceil(s.Duration.Seconds() * s.Rate)
}

// Backoff is the delay before retry number attempt (1-based): base × 2^(attempt-1), capped.
func (s Strategy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if s.BackoffMax > 0 && d >= s.BackoffMax {
			return s.BackoffMax
		}
	}
	if s.BackoffMax > 0 && d > s.BackoffMax {
		return s.BackoffMax
	}
	return d
}
