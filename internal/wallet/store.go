package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/insight"
	"github.com/ggonzalez94/platform-explorer/internal/logx"
)

// BalanceSource answers UTXO queries for wallet addresses.
type BalanceSource interface {
	UTXOs(ctx context.Context, addresses []string) ([]insight.UTXO, error)
}

// Entry is a copy of one imported key's public state.
type Entry struct {
	Address     string         `json:"address"`
	PublicKey   string         `json:"public_key"`
	Compressed  bool           `json:"compressed"`
	Balance     uint64         `json:"balance_duffs"`
	BalanceDash string         `json:"balance_dash"`
	UTXOs       []insight.UTXO `json:"utxos,omitempty"`
	RefreshedAt time.Time      `json:"refreshed_at,omitempty"`
}

type entry struct {
	key         *ecdsa.PrivateKey
	compressed  bool
	address     string
	pub         []byte
	balance     uint64
	utxos       []insight.UTXO
	refreshedAt time.Time
	seq         int
}

func (e *entry) public() Entry {
	return Entry{
		Address:     e.address,
		PublicKey:   hex.EncodeToString(e.pub),
		Compressed:  e.compressed,
		Balance:     e.balance,
		BalanceDash: id.FormatDash(e.balance),
		UTXOs:       append([]insight.UTXO(nil), e.utxos...),
		RefreshedAt: e.refreshedAt,
	}
}

// Store owns imported wallet keys. Writers (import, refresh, asset lock) take the
// write lock; signing reads hold the read lock for the whole signature.
type Store struct {
	mu      sync.RWMutex
	network id.Network
	entries map[string]*entry
	source  BalanceSource
	now     func() time.Time
	log     *zap.Logger
}

func NewStore(network id.Network, source BalanceSource, logger *zap.Logger) *Store {
	return &Store{
		network: network,
		entries: map[string]*entry{},
		source:  source,
		now:     time.Now,
		log:     logx.OrNop(logger),
	}
}

func (s *Store) Network() id.Network { return s.network }

// ImportKey adds a key. Importing the same key twice returns the existing entry.
func (s *Store) ImportKey(secret string) (Entry, error) {
	parsed, err := ParseSecret(secret, s.network)
	if err != nil {
		return Entry{}, err
	}
	address := DeriveAddress(&parsed.Key.PublicKey, parsed.Compressed, s.network)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[address]; ok {
		return existing.public(), nil
	}
	e := &entry{
		key:        parsed.Key,
		compressed: parsed.Compressed,
		address:    address,
		pub:        parsed.PublicKeyBytes(),
		seq:     len(s.entries),
	}
	s.entries[address] = e
	s.log.Info("wallet key imported", zap.String("address", address))
	return e.public(), nil
}

func (s *Store) Entry(address string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[address]
	if !ok {
		return Entry{}, false
	}
	return e.public(), true
}

// Entries lists imported keys in import order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]Entry, 0, len(list))
	for _, e := range list {
		out = append(out, e.public())
	}
	return out
}

// Default is the first imported key.
func (s *Store) Default() (Entry, bool) {
	entries := s.Entries()
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[0], true
}

// RefreshBalance queries the balance source. On failure the cached balance is kept
// and the network error is returned.
func (s *Store) RefreshBalance(ctx context.Context, address string) (Entry, error) {
	if _, ok := s.Entry(address); !ok {
		return Entry{}, clierr.New(clierr.CodeKeyNotFound, fmt.Sprintf("address %s is not in the wallet", address))
	}
	if s.source == nil {
		return Entry{}, clierr.New(clierr.CodeConfig, "no balance source configured")
	}
	utxos, err := s.source.UTXOs(ctx, []string{address})
	if err != nil {
		s.log.Warn("wallet balance refresh failed", zap.String("address", address), zap.Error(err))
		stale, _ := s.Entry(address)
		if _, ok := clierr.As(err); !ok {
			err = clierr.Wrap(clierr.CodeUnavailable, "refresh wallet balance", err)
		}
		return stale, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[address]
	if !ok {
		return Entry{}, clierr.New(clierr.CodeKeyNotFound, fmt.Sprintf("address %s is not in the wallet", address))
	}
	e.utxos = append([]insight.UTXO(nil), utxos...)
	e.balance = insight.Sum(utxos)
	e.refreshedAt = s.now().UTC()
	return e.public(), nil
}

// SignDigest signs a 32-byte digest with the key behind address.
func (s *Store) SignDigest(address string, digest []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[address]
	if !ok {
		return nil, clierr.New(clierr.CodeKeyNotFound, fmt.Sprintf("address %s is not in the wallet", address))
	}
	sig, err := crypto.Sign(digest, e.key)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeCrypto, "sign digest", err)
	}
	return sig, nil
}

// AssetLock is the funding proof for an identity: a signed commitment over the
// spent outputs and the locked amount.
type AssetLock struct {
	Address   string         `json:"address"`
	Amount    uint64         `json:"amount_duffs"`
	Inputs    []insight.UTXO `json:"inputs"`
	OutPoint  string         `json:"outpoint"`
	PublicKey string         `json:"public_key"`
	Signature string         `json:"signature"`
}

// IdentityID is the identifier an identity funded by this lock receives.
func (l AssetLock) IdentityID() (id.Identifier, error) {
	raw, err := hex.DecodeString(l.OutPoint)
	if err != nil {
		return id.Identifier{}, clierr.Wrap(clierr.CodeInternal, "decode asset lock outpoint", err)
	}
	return id.IdentifierFromBytes(raw), nil
}

// AssetLock selects cached outputs covering amount and signs a lock commitment.
// Spent outputs leave the cache; change shows up on the next refresh.
func (s *Store) AssetLock(ctx context.Context, address string, amount uint64) (AssetLock, error) {
	if err := ctx.Err(); err != nil {
		return AssetLock{}, clierr.Wrap(clierr.CodeUnavailable, "asset lock cancelled", err)
	}
	if amount == 0 {
		return AssetLock{}, clierr.New(clierr.CodeUsage, "asset lock amount must be greater than zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[address]
	if !ok {
		return AssetLock{}, clierr.New(clierr.CodeKeyNotFound, fmt.Sprintf("address %s is not in the wallet", address))
	}

	utxos := append([]insight.UTXO(nil), e.utxos...)
	sort.SliceStable(utxos, func(i, j int) bool { return utxos[i].Satoshis > utxos[j].Satoshis })
	var (
		selected []insight.UTXO
		total    uint64
	)
	for _, u := range utxos {
		if total >= amount {
			break
		}
		selected = append(selected, u)
		total += u.Satoshis
	}
	if total < amount {
		return AssetLock{}, clierr.New(clierr.CodeInsufficient, fmt.Sprintf("wallet %s holds %d duffs, %d required", address, e.balance, amount))
	}

	commitment := lockCommitment(address, amount, selected)
	sig, err := crypto.Sign(commitment[:], e.key)
	if err != nil {
		return AssetLock{}, clierr.Wrap(clierr.CodeCrypto, "sign asset lock", err)
	}
	outpoint := make([]byte, 0, 36)
	outpoint = append(outpoint, commitment[:]...)
	outpoint = binary.LittleEndian.AppendUint32(outpoint, 0)

	spent := make(map[string]struct{}, len(selected))
	for _, u := range selected {
		spent[outpointKey(u)] = struct{}{}
	}
	remaining := e.utxos[:0:0]
	for _, u := range e.utxos {
		if _, ok := spent[outpointKey(u)]; !ok {
			remaining = append(remaining, u)
		}
	}
	e.utxos = remaining
	e.balance = insight.Sum(remaining)

	s.log.Info("asset lock created", zap.String("address", address), zap.Uint64("amount_duffs", amount), zap.Int("inputs", len(selected)))
	return AssetLock{
		Address:   address,
		Amount:    amount,
		Inputs:    selected,
		OutPoint:  hex.EncodeToString(outpoint),
		PublicKey: hex.EncodeToString(e.pub),
		Signature: hex.EncodeToString(sig),
	}, nil
}

func lockCommitment(address string, amount uint64, inputs []insight.UTXO) [32]byte {
	h := sha256.New()
	_, _ = h.Write([]byte(address))
	_ = binary.Write(h, binary.LittleEndian, amount)
	for _, u := range inputs {
		_, _ = h.Write([]byte(u.TxID))
		_ = binary.Write(h, binary.LittleEndian, u.Vout)
		_ = binary.Write(h, binary.LittleEndian, u.Satoshis)
	}
	first := h.Sum(nil)
	return sha256.Sum256(first)
}

func outpointKey(u insight.UTXO) string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}
