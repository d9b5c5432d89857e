package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/logx"
	"github.com/ggonzalez94/platform-explorer/internal/model"
	"github.com/ggonzalez94/platform-explorer/internal/wallet"
)

// Platform is the slice of the network client the store depends on.
type Platform interface {
	SubmitIdentityCreate(ctx context.Context, transition model.IdentityCreateTransition) (model.BroadcastResult, error)
	FetchIdentity(ctx context.Context, identityID id.Identifier) (model.IdentityRecord, error)
	FetchBalance(ctx context.Context, identityID id.Identifier) (uint64, error)
}

// Funder produces the asset lock that pays for a new identity.
type Funder interface {
	AssetLock(ctx context.Context, address string, amount uint64) (wallet.AssetLock, error)
}

type Identity struct {
	ID       id.Identifier     `json:"id"`
	Owner    string            `json:"owner,omitempty"`
	Keys     []model.PublicKey `json:"keys"`
	Balance  uint64            `json:"balance_credits"`
	Revision uint64            `json:"revision"`
	LoadedAt time.Time         `json:"loaded_at"`
}

// Key returns the public key with keyID.
func (i Identity) Key(keyID uint32) (model.PublicKey, bool) {
	for _, k := range i.Keys {
		if k.ID == keyID {
			return k, true
		}
	}
	return model.PublicKey{}, false
}

// Material is a consistent copy of an identity and its private keys.
type Material struct {
	Identity Identity
	secrets  map[uint32]*ecdsa.PrivateKey
}

func NewMaterial(identity Identity, secrets map[uint32]*ecdsa.PrivateKey) Material {
	copied := make(map[uint32]*ecdsa.PrivateKey, len(secrets))
	for k, v := range secrets {
		copied[k] = v
	}
	identity.Keys = append([]model.PublicKey(nil), identity.Keys...)
	return Material{Identity: identity, secrets: copied}
}

// Key returns the public key and its private half, if the store holds it.
func (m Material) Key(keyID uint32) (model.PublicKey, *ecdsa.PrivateKey, bool) {
	pub, ok := m.Identity.Key(keyID)
	if !ok {
		return model.PublicKey{}, nil, false
	}
	priv, ok := m.secrets[keyID]
	if !ok {
		return model.PublicKey{}, nil, false
	}
	return pub, priv, true
}

// SigningKeys lists the keys that have private material, ordered by id.
func (m Material) SigningKeys() []model.PublicKey {
	out := make([]model.PublicKey, 0, len(m.secrets))
	for _, k := range m.Identity.Keys {
		if _, ok := m.secrets[k.ID]; ok && !k.Disabled {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type record struct {
	identity Identity
	secrets  map[uint32]*ecdsa.PrivateKey
	seq      int
}

type Options struct {
	Network      id.Network
	Platform     Platform
	Funder       Funder
	KeyLog       *KeyLog
	Entropy      io.Reader
	PollInterval time.Duration
	PollTimeout  time.Duration
	Logger       *zap.Logger
}

// Store holds identities in memory. Snapshot gives signers a copy that later
// imports or refreshes cannot change.
type Store struct {
	mu         sync.RWMutex
	identities map[id.Identifier]*record

	network      id.Network
	platform     Platform
	funder       Funder
	keylog       *KeyLog
	entropy      io.Reader
	pollInterval time.Duration
	pollTimeout  time.Duration
	now          func() time.Time
	log          *zap.Logger
}

func NewStore(opts Options) *Store {
	if opts.Entropy == nil {
		opts.Entropy = rand.Reader
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	return &Store{
		identities:   map[id.Identifier]*record{},
		network:      opts.Network,
		platform:     opts.Platform,
		funder:       opts.Funder,
		keylog:       opts.KeyLog,
		entropy:      opts.Entropy,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		now:          time.Now,
		log:          logx.OrNop(opts.Logger),
	}
}

// Put stores an identity with its private keys, replacing any previous copy.
func (s *Store) Put(identity Identity, secrets map[uint32]*ecdsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := len(s.identities)
	if prev, ok := s.identities[identity.ID]; ok {
		seq = prev.seq
	}
	copied := make(map[uint32]*ecdsa.PrivateKey, len(secrets))
	for k, v := range secrets {
		copied[k] = v
	}
	identity.Keys = append([]model.PublicKey(nil), identity.Keys...)
	s.identities[identity.ID] = &record{identity: identity, secrets: copied, seq: seq}
}

func (s *Store) Get(identityID id.Identifier) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[identityID]
	if !ok {
		return Identity{}, false
	}
	out := rec.identity
	out.Keys = append([]model.PublicKey(nil), rec.identity.Keys...)
	return out, true
}

// List returns identities in the order they were added.
func (s *Store) List() []Identity {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.identities))
	for _, r := range s.identities {
		recs = append(recs, r)
	}
	s.mu.RUnlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]Identity, 0, len(recs))
	for _, r := range recs {
		if identity, ok := s.Get(r.identity.ID); ok {
			out = append(out, identity)
		}
	}
	return out
}

// ErrIdentityUnavailable reports that signing material for an identity is gone.
func ErrIdentityUnavailable(identityID id.Identifier) error {
	return clierr.New(clierr.CodeIdentityState, fmt.Sprintf("identity %s is not available in the store", identityID))
}

func (s *Store) Snapshot(identityID id.Identifier) (Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[identityID]
	if !ok {
		return Material{}, ErrIdentityUnavailable(identityID)
	}
	return NewMaterial(rec.identity, rec.secrets), nil
}

// Remove drops an identity and its key material.
func (s *Store) Remove(identityID id.Identifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.identities[identityID]
	delete(s.identities, identityID)
	return ok
}

// KeySecret is user-supplied private material for one identity key. Purpose and
// level are only consulted when no platform is configured to look them up.
type KeySecret struct {
	ID            uint32              `json:"id" yaml:"id"`
	Purpose       model.Purpose       `json:"purpose" yaml:"purpose"`
	SecurityLevel model.SecurityLevel `json:"security_level" yaml:"security_level"`
	Secret        string              `json:"secret" yaml:"secret"`
}

// Load imports an existing identity. With a platform configured every supplied
// key must match the registered public key with the same id.
func (s *Store) Load(ctx context.Context, identityID id.Identifier, keys []KeySecret) (Identity, error) {
	if len(keys) == 0 {
		return Identity{}, clierr.New(clierr.CodeUsage, "at least one identity key is required")
	}
	secrets := make(map[uint32]*ecdsa.PrivateKey, len(keys))
	for _, k := range keys {
		parsed, err := wallet.ParseSecret(k.Secret, s.network)
		if err != nil {
			return Identity{}, clierr.Wrap(clierr.CodeCrypto, fmt.Sprintf("identity key %d", k.ID), err)
		}
		secrets[k.ID] = parsed.Key
	}

	identity := Identity{ID: identityID, LoadedAt: s.now().UTC()}
	if s.platform == nil {
		for _, k := range keys {
			identity.Keys = append(identity.Keys, model.PublicKey{
				ID:            k.ID,
				Purpose:       k.Purpose,
				SecurityLevel: k.SecurityLevel,
				Data:          hex.EncodeToString(crypto.CompressPubkey(&secrets[k.ID].PublicKey)),
			})
		}
		sort.Slice(identity.Keys, func(i, j int) bool { return identity.Keys[i].ID < identity.Keys[j].ID })
	} else {
		remote, err := s.platform.FetchIdentity(ctx, identityID)
		if err != nil {
			return Identity{}, err
		}
		identity.Keys = remote.PublicKeys
		identity.Balance = remote.Balance
		identity.Revision = remote.Revision
		for keyID, pk := range secrets {
			pub, ok := identity.Key(keyID)
			if !ok {
				return Identity{}, clierr.New(clierr.CodeKeyNotFound, fmt.Sprintf("identity %s has no key %d", identityID, keyID))
			}
			if pub.Data != hex.EncodeToString(crypto.CompressPubkey(&pk.PublicKey)) {
				return Identity{}, clierr.New(clierr.CodeCrypto, fmt.Sprintf("private key %d does not match the registered public key", keyID))
			}
		}
	}

	s.Put(identity, secrets)
	s.log.Info("identity loaded", zap.String("identity", identityID.String()), zap.Int("keys", len(secrets)))
	return identity, nil
}

// RefreshBalance re-reads the credit balance. On failure the cached value stays.
func (s *Store) RefreshBalance(ctx context.Context, identityID id.Identifier) (Identity, error) {
	if s.platform == nil {
		return Identity{}, clierr.New(clierr.CodeConfig, "no platform nodes configured")
	}
	if _, ok := s.Get(identityID); !ok {
		return Identity{}, ErrIdentityUnavailable(identityID)
	}
	balance, err := s.platform.FetchBalance(ctx, identityID)
	if err != nil {
		s.log.Warn("identity balance refresh failed", zap.String("identity", identityID.String()), zap.Error(err))
		stale, _ := s.Get(identityID)
		return stale, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[identityID]
	if !ok {
		return Identity{}, ErrIdentityUnavailable(identityID)
	}
	rec.identity.Balance = balance
	out := rec.identity
	out.Keys = append([]model.PublicKey(nil), rec.identity.Keys...)
	return out, nil
}

var registrationKeys = []struct {
	purpose model.Purpose
	level   model.SecurityLevel
}{
	{model.PurposeAuthentication, model.SecurityMaster},
	{model.PurposeAuthentication, model.SecurityCritical},
	{model.PurposeAuthentication, model.SecurityHigh},
	{model.PurposeTransfer, model.SecurityCritical},
}

// GenerateKeys creates the key set of a new identity from r.
func GenerateKeys(r io.Reader) ([]model.PublicKey, map[uint32]*ecdsa.PrivateKey, error) {
	pubs := make([]model.PublicKey, 0, len(registrationKeys))
	secrets := make(map[uint32]*ecdsa.PrivateKey, len(registrationKeys))
	for i, spec := range registrationKeys {
		pk, err := readKey(r)
		if err != nil {
			return nil, nil, err
		}
		keyID := uint32(i)
		secrets[keyID] = pk
		pubs = append(pubs, model.PublicKey{
			ID:            keyID,
			Purpose:       spec.purpose,
			SecurityLevel: spec.level,
			Data:          hex.EncodeToString(crypto.CompressPubkey(&pk.PublicKey)),
		})
	}
	return pubs, secrets, nil
}

func readKey(r io.Reader) (*ecdsa.PrivateKey, error) {
	buf := make([]byte, 32)
	for attempt := 0; attempt < 8; attempt++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, clierr.Wrap(clierr.CodeCrypto, "read key entropy", err)
		}
		if pk, err := crypto.ToECDSA(buf); err == nil {
			return pk, nil
		}
	}
	return nil, clierr.New(clierr.CodeCrypto, "could not derive a valid secp256k1 key")
}

func doubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}
