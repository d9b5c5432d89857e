package id

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/mr-tron/base58"
)

// IdentifierSize is the byte length of identity, contract and document ids.
const IdentifierSize = 32

const (
	DuffsPerDash   = 100_000_000
	CreditsPerDuff = 1000
	DashDecimals   = 8
)

type Network struct {
	Name           string
	P2PKHVersion   byte
	WIFVersion     byte
	DefaultInsight string
}

var networkByName = map[string]Network{
	"mainnet": {Name: "mainnet", P2PKHVersion: 0x4c, WIFVersion: 0xcc, DefaultInsight: "https://insight.dash.org/insight-api"},
	"testnet": {Name: "testnet", P2PKHVersion: 0x8c, WIFVersion: 0xef, DefaultInsight: "https://insight.testnet.networks.dash.org:3002/insight-api"},
	"devnet":  {Name: "devnet", P2PKHVersion: 0x8c, WIFVersion: 0xef},
	"local":   {Name: "local", P2PKHVersion: 0x8c, WIFVersion: 0xef, DefaultInsight: "http://127.0.0.1:3001/insight-api"},
}

var networkAliases = map[string]string{
	"main":     "mainnet",
	"dash":     "mainnet",
	"test":     "testnet",
	"regtest":  "local",
	"localnet": "local",
}

func ParseNetwork(input string) (Network, error) {
	norm := strings.ToLower(strings.TrimSpace(input))
	if norm == "" {
		return Network{}, clierr.New(clierr.CodeConfig, "network is required")
	}
	if alias, ok := networkAliases[norm]; ok {
		norm = alias
	}
	n, ok := networkByName[norm]
	if !ok {
		return Network{}, clierr.New(clierr.CodeConfig, fmt.Sprintf("unsupported network %q (expected %s)", input, strings.Join(NetworkNames(), "|")))
	}
	return n, nil
}

func NetworkNames() []string {
	names := make([]string, 0, len(networkByName))
	for name := range networkByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identifier is a 32-byte platform identifier rendered as base58.
type Identifier [IdentifierSize]byte

func (i Identifier) String() string {
	return base58.Encode(i[:])
}

func (i Identifier) IsZero() bool {
	return i == Identifier{}
}

func (i Identifier) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Identifier) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentifier(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func ParseIdentifier(input string) (Identifier, error) {
	clean := strings.TrimSpace(input)
	if clean == "" {
		return Identifier{}, clierr.New(clierr.CodeUsage, "identifier is required")
	}
	raw, err := base58.Decode(clean)
	if err != nil {
		return Identifier{}, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("invalid base58 identifier %q", input), err)
	}
	if len(raw) != IdentifierSize {
		return Identifier{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("identifier must decode to %d bytes, got %d", IdentifierSize, len(raw)))
	}
	var out Identifier
	copy(out[:], raw)
	return out, nil
}

// IdentifierFromBytes hashes arbitrary seed material into an identifier (double SHA-256).
func IdentifierFromBytes(seed []byte) Identifier {
	first := sha256.Sum256(seed)
	return Identifier(sha256.Sum256(first[:]))
}
