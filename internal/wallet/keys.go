package wallet

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/id"
)

const (
	wifUncompressedLen = 37
	wifCompressedLen   = 38
	checksumLen        = 4
)

// Secret is a parsed private key. Compressed selects the public key encoding
// its P2PKH address is derived from; hex keys are always compressed.
type Secret struct {
	Key        *ecdsa.PrivateKey
	Compressed bool
}

// PublicKeyBytes is the SEC encoding of the public key in the secret's form.
func (s Secret) PublicKeyBytes() []byte {
	return SerializePubkey(&s.Key.PublicKey, s.Compressed)
}

// ParseSecret accepts a 64-char hex key or a WIF string for network.
func ParseSecret(secret string, network id.Network) (Secret, error) {
	clean := strings.TrimSpace(secret)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return Secret{}, clierr.New(clierr.CodeCrypto, "empty private key")
	}
	if len(clean) == 64 {
		pk, err := crypto.HexToECDSA(clean)
		if err != nil {
			return Secret{}, clierr.Wrap(clierr.CodeCrypto, "parse hex private key", err)
		}
		return Secret{Key: pk, Compressed: true}, nil
	}
	if len(clean) == 51 || len(clean) == 52 {
		return parseWIF(clean, network)
	}
	return Secret{}, clierr.New(clierr.CodeCrypto, fmt.Sprintf("private key must be 64 hex characters or a 51/52 character WIF, got %d characters", len(clean)))
}

func parseWIF(wif string, network id.Network) (Secret, error) {
	raw, err := base58.Decode(wif)
	if err != nil {
		return Secret{}, clierr.Wrap(clierr.CodeCrypto, "decode WIF", err)
	}
	if len(raw) != wifUncompressedLen && len(raw) != wifCompressedLen {
		return Secret{}, clierr.New(clierr.CodeCrypto, fmt.Sprintf("WIF payload has unexpected length %d", len(raw)))
	}
	payload, sum := raw[:len(raw)-checksumLen], raw[len(raw)-checksumLen:]
	if !bytes.Equal(checksum(payload), sum) {
		return Secret{}, clierr.New(clierr.CodeCrypto, "WIF checksum mismatch")
	}
	if payload[0] != network.WIFVersion {
		return Secret{}, clierr.New(clierr.CodeCrypto, fmt.Sprintf("WIF version 0x%02x does not belong to %s", payload[0], network.Name))
	}
	compressed := len(raw) == wifCompressedLen
	if compressed && payload[33] != 0x01 {
		return Secret{}, clierr.New(clierr.CodeCrypto, "WIF compression flag must be 0x01")
	}
	pk, err := crypto.ToECDSA(payload[1:33])
	if err != nil {
		return Secret{}, clierr.Wrap(clierr.CodeCrypto, "invalid secp256k1 scalar", err)
	}
	return Secret{Key: pk, Compressed: compressed}, nil
}

// SerializePubkey returns the 33-byte compressed or 65-byte uncompressed form.
func SerializePubkey(pub *ecdsa.PublicKey, compressed bool) []byte {
	if compressed {
		return crypto.CompressPubkey(pub)
	}
	return crypto.FromECDSAPub(pub)
}

// EncodeWIF renders a compressed-key WIF for network.
func EncodeWIF(pk *ecdsa.PrivateKey, network id.Network) string {
	payload := make([]byte, 0, wifCompressedLen)
	payload = append(payload, network.WIFVersion)
	payload = append(payload, crypto.FromECDSA(pk)...)
	payload = append(payload, 0x01)
	return base58.Encode(append(payload, checksum(payload)...))
}

// DeriveAddress is base58check(version || RIPEMD160(SHA256(pubkey))), hashing
// the public key in the encoding the key was imported with.
func DeriveAddress(pub *ecdsa.PublicKey, compressed bool, network id.Network) string {
	payload := append([]byte{network.P2PKHVersion}, Hash160(SerializePubkey(pub, compressed))...)
	return base58.Encode(append(payload, checksum(payload)...))
}

// ValidateAddress checks the checksum and network version of a P2PKH address.
func ValidateAddress(address string, network id.Network) error {
	raw, err := base58.Decode(strings.TrimSpace(address))
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "decode address", err)
	}
	if len(raw) != 1+ripemd160.Size+checksumLen {
		return clierr.New(clierr.CodeUsage, "address has unexpected length")
	}
	payload, sum := raw[:len(raw)-checksumLen], raw[len(raw)-checksumLen:]
	if !bytes.Equal(checksum(payload), sum) {
		return clierr.New(clierr.CodeUsage, "address checksum mismatch")
	}
	if payload[0] != network.P2PKHVersion {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("address does not belong to %s", network.Name))
	}
	return nil
}

func Hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	h := ripemd160.New()
	_, _ = h.Write(sha[:])
	return h.Sum(nil)
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:checksumLen]
}

// ReadSecretFile loads a key secret from disk, trimming surrounding whitespace.
func ReadSecretFile(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeConfig, "read private key file", err)
	}
	return strings.TrimSpace(string(buf)), nil
}
