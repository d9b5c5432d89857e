package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ggonzalez94/platform-explorer/internal/id"
)

// Purpose is what an identity key is authorized for.
type Purpose uint8

const (
	PurposeAuthentication Purpose = 0
	PurposeEncryption     Purpose = 1
	PurposeDecryption     Purpose = 2
	PurposeTransfer       Purpose = 3
	PurposeVoting         Purpose = 5
	PurposeOwner          Purpose = 6
)

var purposeNames = map[Purpose]string{
	PurposeAuthentication: "authentication",
	PurposeEncryption:     "encryption",
	PurposeDecryption:     "decryption",
	PurposeTransfer:       "transfer",
	PurposeVoting:         "voting",
	PurposeOwner:          "owner",
}

func (p Purpose) String() string {
	if name, ok := purposeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("purpose(%d)", uint8(p))
}

func (p Purpose) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Purpose) UnmarshalText(text []byte) error {
	norm := strings.ToLower(strings.TrimSpace(string(text)))
	for k, name := range purposeNames {
		if name == norm {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown key purpose %q", string(text))
}

// SecurityLevel orders key strength; lower values are stronger.
type SecurityLevel uint8

const (
	SecurityMaster   SecurityLevel = 0
	SecurityCritical SecurityLevel = 1
	SecurityHigh     SecurityLevel = 2
	SecurityMedium   SecurityLevel = 3
)

var securityNames = map[SecurityLevel]string{
	SecurityMaster:   "master",
	SecurityCritical: "critical",
	SecurityHigh:     "high",
	SecurityMedium:   "medium",
}

func (s SecurityLevel) String() string {
	if name, ok := securityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", uint8(s))
}

func (s SecurityLevel) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SecurityLevel) UnmarshalText(text []byte) error {
	norm := strings.ToLower(strings.TrimSpace(string(text)))
	for k, name := range securityNames {
		if name == norm {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown security level %q", string(text))
}

// Satisfies reports whether s is at least as strong as required.
func (s SecurityLevel) Satisfies(required SecurityLevel) bool {
	return s <= required
}

type OperationKind string

const (
	KindDocumentCreate   OperationKind = "document_create"
	KindContractCreate   OperationKind = "contract_create"
	KindIdentityUpdate   OperationKind = "identity_update"
	KindCreditTransfer   OperationKind = "credit_transfer"
	KindCreditWithdrawal OperationKind = "credit_withdrawal"
	KindIdentityTopUp    OperationKind = "identity_top_up"
	KindContractUpdate   OperationKind = "contract_update"
)

// KeyRequirement is the purpose and minimum security level a kind must be signed with.
type KeyRequirement struct {
	Purpose  Purpose
	MinLevel SecurityLevel
}

var kindRequirements = map[OperationKind]KeyRequirement{
	KindDocumentCreate:   {Purpose: PurposeAuthentication, MinLevel: SecurityHigh},
	KindContractCreate:   {Purpose: PurposeAuthentication, MinLevel: SecurityCritical},
	KindIdentityUpdate:   {Purpose: PurposeAuthentication, MinLevel: SecurityMaster},
	KindCreditTransfer:   {Purpose: PurposeTransfer, MinLevel: SecurityCritical},
	KindCreditWithdrawal: {Purpose: PurposeTransfer, MinLevel: SecurityCritical},
	KindIdentityTopUp:    {Purpose: PurposeAuthentication, MinLevel: SecurityHigh},
	KindContractUpdate:   {Purpose: PurposeAuthentication, MinLevel: SecurityCritical},
}

func (k OperationKind) Requirement() (KeyRequirement, bool) {
	req, ok := kindRequirements[k]
	return req, ok
}

// CarriesAmount reports whether drafts of kind k move credits.
func (k OperationKind) CarriesAmount() bool {
	return k == KindCreditTransfer || k == KindCreditWithdrawal || k == KindIdentityTopUp
}

func (k OperationKind) Valid() bool {
	_, ok := kindRequirements[k]
	return ok
}

// Allows reports whether a key may sign operations of kind k.
func (k OperationKind) Allows(key PublicKey) bool {
	req, ok := kindRequirements[k]
	if !ok {
		return false
	}
	return key.Purpose == req.Purpose && key.SecurityLevel.Satisfies(req.MinLevel)
}

func OperationKinds() []OperationKind {
	return []OperationKind{
		KindDocumentCreate, KindContractCreate, KindContractUpdate, KindIdentityUpdate,
		KindIdentityTopUp, KindCreditTransfer, KindCreditWithdrawal,
	}
}

// PublicKey is an identity key as registered on the platform.
type PublicKey struct {
	ID            uint32        `json:"id" yaml:"id"`
	Purpose       Purpose       `json:"purpose" yaml:"purpose"`
	SecurityLevel SecurityLevel `json:"security_level" yaml:"security_level"`
	Data          string        `json:"data" yaml:"data"`
	Disabled      bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

type IdentityRecord struct {
	ID         id.Identifier `json:"id"`
	Balance    uint64        `json:"balance_credits"`
	Revision   uint64        `json:"revision"`
	PublicKeys []PublicKey   `json:"public_keys"`
}

type IdentityCreateTransition struct {
	IdentityID         id.Identifier `json:"identity_id"`
	AssetLockOutPoint  string        `json:"asset_lock_outpoint"`
	AssetLockPublicKey string        `json:"asset_lock_public_key"`
	AssetLockSignature string        `json:"asset_lock_signature"`
	AmountDuffs        uint64        `json:"amount_duffs"`
	PublicKeys         []PublicKey   `json:"public_keys"`
	Signature          string        `json:"signature"`
}

// SigningBytes is the message covered by the master key signature.
func (t IdentityCreateTransition) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("identity_create")
	buf.Write(t.IdentityID[:])
	buf.WriteString(t.AssetLockOutPoint)
	_ = binary.Write(&buf, binary.BigEndian, t.AmountDuffs)
	for _, k := range t.PublicKeys {
		_ = binary.Write(&buf, binary.BigEndian, k.ID)
		buf.WriteByte(byte(k.Purpose))
		buf.WriteByte(byte(k.SecurityLevel))
		buf.WriteString(k.Data)
	}
	return buf.Bytes()
}

// OperationDraft is one planned, unsigned state transition.
type OperationDraft struct {
	Seq          int           `json:"seq"`
	Kind         OperationKind `json:"kind"`
	IdentityID   id.Identifier `json:"identity_id"`
	KeyID        uint32        `json:"key_id"`
	ContractID   id.Identifier `json:"contract_id"`
	DocumentType string        `json:"document_type,omitempty"`
	Recipient    id.Identifier `json:"recipient"`
	Amount       uint64        `json:"amount_credits,omitempty"`
	Entropy      [32]byte      `json:"-"`
}

const canonicalVersion byte = 1

// CanonicalBytes is the deterministic binary encoding signed and hashed for a draft.
func (d OperationDraft) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(canonicalVersion)
	_ = binary.Write(&buf, binary.BigEndian, uint64(d.Seq))
	writeString(&buf, string(d.Kind))
	buf.Write(d.IdentityID[:])
	_ = binary.Write(&buf, binary.BigEndian, d.KeyID)
	buf.Write(d.ContractID[:])
	writeString(&buf, d.DocumentType)
	buf.Write(d.Recipient[:])
	_ = binary.Write(&buf, binary.BigEndian, d.Amount)
	buf.Write(d.Entropy[:])
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

// SignedOperation is a draft with its signature, ready for broadcast.
type SignedOperation struct {
	Draft     OperationDraft `json:"draft"`
	Payload   []byte         `json:"payload"`
	PublicKey []byte         `json:"public_key"`
	Signature []byte         `json:"signature"`
}

// TransitionHash identifies the broadcast transition: double SHA-256 of payload and signature.
func (s SignedOperation) TransitionHash() [32]byte {
	first := sha256.New()
	_, _ = first.Write(s.Payload)
	_, _ = first.Write(s.Signature)
	return sha256.Sum256(first.Sum(nil))
}

func (s SignedOperation) TransitionHashHex() string {
	h := s.TransitionHash()
	return hex.EncodeToString(h[:])
}

// ProofStep is one sibling on the path from a transition leaf to the state root.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

type Proof struct {
	RootHash        string      `json:"root_hash"`
	Height          uint64      `json:"height"`
	Path            []ProofStep `json:"path"`
	QuorumSignature string      `json:"quorum_signature,omitempty"`
}

type BroadcastResult struct {
	TransitionHash string `json:"transition_hash"`
	Height         uint64 `json:"height"`
	Proof          Proof  `json:"proof"`
}
