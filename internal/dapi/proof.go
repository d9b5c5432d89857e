package dapi

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/model"
)

// Verifier checks that a broadcast result is anchored in a signed state root.
type Verifier struct {
	quorum []byte
}

// NewVerifier accepts an optional compressed secp256k1 quorum key in hex.
// Without one only the Merkle path is checked.
func NewVerifier(quorumKeyHex string) (*Verifier, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(quorumKeyHex), "0x")
	if clean == "" {
		return &Verifier{}, nil
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeConfig, "decode quorum public key", err)
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeConfig, "parse quorum public key", err)
	}
	return &Verifier{quorum: crypto.CompressPubkey(pub)}, nil
}

// Anchored reports whether proofs are checked against a quorum signature.
func (v *Verifier) Anchored() bool { return len(v.quorum) > 0 }

// Verify reports whether res proves inclusion of op.
func (v *Verifier) Verify(op model.SignedOperation, res model.BroadcastResult) bool {
	leaf := op.TransitionHash()
	return v.verifyLeaf(leaf, res) == nil
}

// Explain returns why verification failed, or nil.
func (v *Verifier) Explain(op model.SignedOperation, res model.BroadcastResult) error {
	return v.verifyLeaf(op.TransitionHash(), res)
}

func (v *Verifier) verifyLeaf(leaf [32]byte, res model.BroadcastResult) error {
	if !strings.EqualFold(res.TransitionHash, hex.EncodeToString(leaf[:])) {
		return fmt.Errorf("result is for transition %s", res.TransitionHash)
	}
	root, err := decodeHash(res.Proof.RootHash)
	if err != nil {
		return fmt.Errorf("root hash: %w", err)
	}
	// An empty path makes the root the leaf itself, which any node can echo back.
	if len(res.Proof.Path) == 0 {
		return fmt.Errorf("proof has an empty merkle path")
	}
	cur := leaf[:]
	for i, step := range res.Proof.Path {
		sibling, err := decodeHash(step.Hash)
		if err != nil {
			return fmt.Errorf("path step %d: %w", i, err)
		}
		cur = hashPair(cur, sibling, step.Left)
	}
	if !bytes.Equal(cur, root) {
		return fmt.Errorf("merkle path does not reach root")
	}
	if len(v.quorum) == 0 {
		return nil
	}
	sig, err := hex.DecodeString(strings.TrimSpace(res.Proof.QuorumSignature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("missing or malformed quorum signature")
	}
	pub, err := crypto.SigToPub(rootDigest(root, res.Proof.Height), sig)
	if err != nil {
		return fmt.Errorf("recover quorum signer: %w", err)
	}
	if !bytes.Equal(crypto.CompressPubkey(pub), v.quorum) {
		return fmt.Errorf("root not signed by the configured quorum")
	}
	return nil
}

// Prove builds the proof a node would return for leaf. Siblings are applied in
// order; lefts[i] places sibling i on the left. The quorum key may be nil.
func Prove(leaf [32]byte, siblings [][32]byte, lefts []bool, height uint64, quorum *ecdsa.PrivateKey) (model.Proof, error) {
	cur := leaf[:]
	path := make([]model.ProofStep, 0, len(siblings))
	for i, sib := range siblings {
		left := i < len(lefts) && lefts[i]
		cur = hashPair(cur, sib[:], left)
		path = append(path, model.ProofStep{Hash: hex.EncodeToString(sib[:]), Left: left})
	}
	proof := model.Proof{RootHash: hex.EncodeToString(cur), Height: height, Path: path}
	if quorum != nil {
		sig, err := crypto.Sign(rootDigest(cur, height), quorum)
		if err != nil {
			return model.Proof{}, err
		}
		proof.QuorumSignature = hex.EncodeToString(sig)
	}
	return proof, nil
}

func hashPair(cur, sibling []byte, siblingLeft bool) []byte {
	h := sha256.New()
	if siblingLeft {
		_, _ = h.Write(sibling)
		_, _ = h.Write(cur)
	} else {
		_, _ = h.Write(cur)
		_, _ = h.Write(sibling)
	}
	return h.Sum(nil)
}

func rootDigest(root []byte, height uint64) []byte {
	buf := make([]byte, 0, len(root)+8)
	buf = append(buf, root...)
	buf = binary.BigEndian.AppendUint64(buf, height)
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	return second[:]
}

func decodeHash(v string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, err
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("expected %d bytes, got %d", sha256.Size, len(raw))
	}
	return raw, nil
}
