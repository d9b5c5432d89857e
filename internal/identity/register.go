package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/model"
)

const submitTimeout = 30 * time.Second

// Register funds, creates and confirms a new identity. Cancellation is honoured
// between steps; the broadcast itself always runs to completion.
func (s *Store) Register(ctx context.Context, fundingAddress string, amountDuffs uint64) (Identity, error) {
	if s.platform == nil {
		return Identity{}, clierr.New(clierr.CodeConfig, "no platform nodes configured")
	}
	if s.funder == nil {
		return Identity{}, clierr.New(clierr.CodeConfig, "no funding wallet configured")
	}
	if err := cancelled(ctx, "fund"); err != nil {
		return Identity{}, err
	}

	lock, err := s.funder.AssetLock(ctx, fundingAddress, amountDuffs)
	if err != nil {
		return Identity{}, err
	}
	identityID, err := lock.IdentityID()
	if err != nil {
		return Identity{}, err
	}
	s.log.Info("identity funding locked", zap.String("identity", identityID.String()), zap.Uint64("amount_duffs", amountDuffs))

	if err := cancelled(ctx, "generate keys"); err != nil {
		return Identity{}, err
	}
	pubs, secrets, err := GenerateKeys(s.entropy)
	if err != nil {
		return Identity{}, err
	}

	transition := model.IdentityCreateTransition{
		IdentityID:         identityID,
		AssetLockOutPoint:  lock.OutPoint,
		AssetLockPublicKey: lock.PublicKey,
		AssetLockSignature: lock.Signature,
		AmountDuffs:        amountDuffs,
		PublicKeys:         pubs,
	}
	sig, err := crypto.Sign(doubleSHA256(transition.SigningBytes()), secrets[0])
	if err != nil {
		return Identity{}, clierr.Wrap(clierr.CodeCrypto, "sign identity create", err)
	}
	transition.Signature = hex.EncodeToString(sig)

	if err := cancelled(ctx, "broadcast"); err != nil {
		return Identity{}, err
	}
	identity := Identity{
		ID:       identityID,
		Owner:    fundingAddress,
		Keys:     pubs,
		LoadedAt: s.now().UTC(),
	}
	// A lost private key cannot be recovered once the transition lands, so
	// nothing is broadcast until the keys are on disk.
	if err := s.backupKeys(identity, secrets); err != nil {
		return Identity{}, clierr.Wrap(clierr.CodeInternal, "write identity key log", err)
	}

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	result, err := s.platform.SubmitIdentityCreate(submitCtx, transition)
	cancel()
	if err != nil {
		if clierr.HasCode(err, clierr.CodeRejected) {
			s.markKeys(identityID.String(), KeyStatusRejected)
			return Identity{}, err
		}
		s.log.Warn("identity create outcome unknown; keys kept as pending", zap.String("identity", identityID.String()), zap.Error(err))
		return Identity{}, err
	}
	s.log.Info("identity create confirmed", zap.String("identity", identityID.String()), zap.String("transition", result.TransitionHash), zap.Uint64("height", result.Height), zap.Uint64("expected_credits", id.DuffsToCredits(amountDuffs)))
	s.markKeys(identityID.String(), KeyStatusConfirmed)
	s.Put(identity, secrets)

	balance, err := s.pollBalance(ctx, identity)
	if err != nil {
		s.log.Warn("identity balance not visible yet", zap.String("identity", identityID.String()), zap.Error(err))
		return identity, nil
	}
	identity.Balance = balance
	s.mu.Lock()
	if rec, ok := s.identities[identityID]; ok {
		rec.identity.Balance = balance
	}
	s.mu.Unlock()
	return identity, nil
}

// markKeys only logs on failure: the keys themselves are already backed up.
func (s *Store) markKeys(identityID, status string) {
	if s.keylog == nil {
		return
	}
	if err := s.keylog.MarkStatus(identityID, status, s.now()); err != nil {
		s.log.Warn("mark key log status", zap.String("identity", identityID), zap.String("status", status), zap.Error(err))
	}
}

func (s *Store) backupKeys(identity Identity, secrets map[uint32]*ecdsa.PrivateKey) error {
	if s.keylog == nil {
		return nil
	}
	entries := make([]KeyLogEntry, 0, len(identity.Keys))
	for _, k := range identity.Keys {
		pk, ok := secrets[k.ID]
		if !ok {
			continue
		}
		entries = append(entries, KeyLogEntry{
			IdentityID:    identity.ID.String(),
			KeyID:         k.ID,
			Purpose:       k.Purpose,
			SecurityLevel: k.SecurityLevel,
			PublicKey:     k.Data,
			PrivateKey:    hex.EncodeToString(crypto.FromECDSA(pk)),
			CreatedAt:     identity.LoadedAt,
		})
	}
	return s.keylog.Append(entries)
}

func (s *Store) pollBalance(ctx context.Context, identity Identity) (uint64, error) {
	deadline := s.now().Add(s.pollTimeout)
	for {
		balance, err := s.platform.FetchBalance(ctx, identity.ID)
		if err == nil && balance > 0 {
			return balance, nil
		}
		if !s.now().Before(deadline) {
			if err != nil {
				return 0, err
			}
			return 0, clierr.New(clierr.CodeTimeout, "identity balance still zero")
		}
		select {
		case <-ctx.Done():
			return 0, clierr.Wrap(clierr.CodeTimeout, "balance polling cancelled", ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}

func cancelled(ctx context.Context, step string) error {
	if err := ctx.Err(); err != nil {
		return clierr.Wrap(clierr.CodeUsage, "identity registration cancelled before "+step, err)
	}
	return nil
}
