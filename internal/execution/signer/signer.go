package signer

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/identity"
	"github.com/ggonzalez94/platform-explorer/internal/model"
)

// Signer turns a draft into a broadcast-ready operation using one consistent
// copy of the owning identity's key material.
type Signer interface {
	Sign(draft model.OperationDraft, material identity.Material) (model.SignedOperation, error)
}

// Local signs with in-memory secp256k1 keys. It holds no state.
type Local struct{}

func (Local) Sign(draft model.OperationDraft, material identity.Material) (model.SignedOperation, error) {
	return Sign(draft, material)
}

// Sign produces a recoverable secp256k1 signature over the double SHA-256 of
// the draft's canonical bytes.
func Sign(draft model.OperationDraft, material identity.Material) (model.SignedOperation, error) {
	if draft.IdentityID != material.Identity.ID {
		return model.SignedOperation{}, clierr.New(clierr.CodeKeyNotFound, fmt.Sprintf("no key material for identity %s", draft.IdentityID))
	}
	req, ok := draft.Kind.Requirement()
	if !ok {
		return model.SignedOperation{}, clierr.New(clierr.CodeCrypto, fmt.Sprintf("unsupported operation kind %q", draft.Kind))
	}
	pub, priv, ok := material.Key(draft.KeyID)
	if !ok {
		return model.SignedOperation{}, clierr.New(clierr.CodeKeyNotFound, fmt.Sprintf("identity %s has no private key %d", draft.IdentityID, draft.KeyID))
	}
	if pub.Disabled {
		return model.SignedOperation{}, clierr.New(clierr.CodeCrypto, fmt.Sprintf("key %d of identity %s is disabled", pub.ID, draft.IdentityID))
	}
	if !draft.Kind.Allows(pub) {
		return model.SignedOperation{}, clierr.New(clierr.CodeCrypto, fmt.Sprintf("key %d (%s, %s) cannot sign %s: requires %s at %s or stronger", pub.ID, pub.Purpose, pub.SecurityLevel, draft.Kind, req.Purpose, req.MinLevel))
	}

	payload := draft.CanonicalBytes()
	sig, err := crypto.Sign(Digest(payload), priv)
	if err != nil {
		return model.SignedOperation{}, clierr.Wrap(clierr.CodeCrypto, "sign operation", err)
	}
	return model.SignedOperation{
		Draft:     draft,
		Payload:   payload,
		PublicKey: crypto.CompressPubkey(&priv.PublicKey),
		Signature: sig,
	}, nil
}

// Verify checks that op's signature recovers to its public key and covers its draft.
func Verify(op model.SignedOperation) error {
	if !bytes.Equal(op.Payload, op.Draft.CanonicalBytes()) {
		return clierr.New(clierr.CodeCrypto, "payload does not encode the draft")
	}
	pub, err := crypto.SigToPub(Digest(op.Payload), op.Signature)
	if err != nil {
		return clierr.Wrap(clierr.CodeCrypto, "recover signer", err)
	}
	if !bytes.Equal(crypto.CompressPubkey(pub), op.PublicKey) {
		return clierr.New(clierr.CodeCrypto, "signature does not match the public key")
	}
	return nil
}

// Digest is the message hash that operation signatures cover.
func Digest(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:]
}
