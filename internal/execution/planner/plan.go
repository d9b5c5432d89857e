package planner

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/identity"
	"github.com/ggonzalez94/platform-explorer/internal/model"
	"github.com/ggonzalez94/platform-explorer/internal/strategy"
)

// pcgStream is the fixed PCG stream constant; the seed selects the state.
const pcgStream = 0x9e3779b97f4a7c15

// NewRand returns the generator Plan uses for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, pcgStream))
}

// Plan expands a strategy into its operation drafts. The result depends only on
// the strategy and the identities' public keys.
func Plan(s strategy.Strategy, identities []identity.Identity) ([]model.OperationDraft, error) {
	return PlanWith(s, identities, NewRand(s.Seed))
}

type signer struct {
	id   id.Identifier
	keys map[model.OperationKind]uint32
}

// PlanWith plans with an injected generator.
func PlanWith(s strategy.Strategy, identities []identity.Identity, rng *rand.Rand) ([]model.OperationDraft, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	count := s.OperationCount()
	if count <= 0 {
		return nil, clierr.New(clierr.CodeConfig, "strategy plans no operations")
	}
	pool, err := signerPool(s, identities)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, op := range s.Operations {
		total += op.Weight
	}

	drafts := make([]model.OperationDraft, 0, count)
	for seq := 0; seq < count; seq++ {
		mix := pickKind(s.Operations, rng.IntN(total))
		owner := pool[rng.IntN(len(pool))]
		draft := model.OperationDraft{
			Seq:        seq,
			Kind:       mix.Kind,
			IdentityID: owner.id,
			KeyID:      owner.keys[mix.Kind],
		}
		for i := 0; i < len(draft.Entropy); i += 8 {
			binary.BigEndian.PutUint64(draft.Entropy[i:], rng.Uint64())
		}
		switch mix.Kind {
		case model.KindDocumentCreate, model.KindContractUpdate:
			draft.ContractID = s.Contract.ID
			draft.DocumentType = s.Contract.DocumentType
		case model.KindContractCreate:
			draft.ContractID = id.IdentifierFromBytes(append(owner.id[:], draft.Entropy[:]...))
		case model.KindCreditTransfer:
			draft.Amount = amount(mix, rng)
			draft.Recipient = recipient(pool, owner, rng)
		case model.KindCreditWithdrawal, model.KindIdentityTopUp:
			draft.Amount = amount(mix, rng)
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

func signerPool(s strategy.Strategy, identities []identity.Identity) ([]signer, error) {
	byID := make(map[id.Identifier]identity.Identity, len(identities))
	for _, ident := range identities {
		byID[ident.ID] = ident
	}
	var chosen []identity.Identity
	if len(s.Identities) > 0 {
		seen := map[id.Identifier]bool{}
		for _, want := range s.Identities {
			if seen[want] {
				continue
			}
			seen[want] = true
			ident, ok := byID[want]
			if !ok {
				return nil, clierr.New(clierr.CodeConfig, fmt.Sprintf("strategy identity %s is not loaded", want))
			}
			chosen = append(chosen, ident)
		}
	} else {
		for _, ident := range byID {
			chosen = append(chosen, ident)
		}
		sort.Slice(chosen, func(i, j int) bool { return bytes.Compare(chosen[i].ID[:], chosen[j].ID[:]) < 0 })
	}
	if len(chosen) == 0 {
		return nil, clierr.New(clierr.CodeConfig, "no identities available to sign operations")
	}

	needsContract := false
	pool := make([]signer, 0, len(chosen))
	for _, ident := range chosen {
		sg := signer{id: ident.ID, keys: map[model.OperationKind]uint32{}}
		for _, mix := range s.Operations {
			if mix.Kind == model.KindDocumentCreate || mix.Kind == model.KindContractUpdate {
				needsContract = true
			}
			keyID, ok := usableKey(ident.Keys, mix.Kind)
			if !ok {
				req, _ := mix.Kind.Requirement()
				return nil, clierr.New(clierr.CodeConfig, fmt.Sprintf("identity %s has no %s key at security level %s or stronger for %s", ident.ID, req.Purpose, req.MinLevel, mix.Kind))
			}
			sg.keys[mix.Kind] = keyID
		}
		pool = append(pool, sg)
	}
	if needsContract && s.Contract.ID.IsZero() {
		return nil, clierr.New(clierr.CodeConfig, "contract.id is required for document_create and contract_update operations")
	}
	return pool, nil
}

// usableKey picks the lowest-id enabled key allowed to sign kind.
func usableKey(keys []model.PublicKey, kind model.OperationKind) (uint32, bool) {
	found := false
	var best uint32
	for _, k := range keys {
		if k.Disabled || !kind.Allows(k) {
			continue
		}
		if !found || k.ID < best {
			best = k.ID
			found = true
		}
	}
	return best, found
}

func pickKind(mix []strategy.Mix, r int) strategy.Mix {
	for _, m := range mix {
		if r < m.Weight {
			return m
		}
		r -= m.Weight
	}
	return mix[len(mix)-1]
}

// amount draws only for ranged mixes so fixed amounts leave the stream untouched.
func amount(mix strategy.Mix, rng *rand.Rand) uint64 {
	if !mix.Ranged() {
		return mix.Amount
	}
	span := mix.AmountMax - mix.AmountMin
	if span == math.MaxUint64 {
		return rng.Uint64()
	}
	return mix.AmountMin + rng.Uint64N(span+1)
}

func recipient(pool []signer, owner signer, rng *rand.Rand) id.Identifier {
	if len(pool) == 1 {
		return id.IdentifierFromBytes(append([]byte("recipient"), owner.id[:]...))
	}
	for {
		other := pool[rng.IntN(len(pool))]
		if other.id != owner.id {
			return other.id
		}
	}
}

// Digest fingerprints a plan; equal plans have equal digests.
func Digest(drafts []model.OperationDraft) string {
	h := sha256.New()
	var size [4]byte
	for _, d := range drafts {
		buf := d.CanonicalBytes()
		binary.BigEndian.PutUint32(size[:], uint32(len(buf)))
		_, _ = h.Write(size[:])
		_, _ = h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
