package id

import (
	"strings"
	"testing"
)

func TestParseNetworkAliases(t *testing.T) {
	n, err := ParseNetwork("Regtest")
	if err != nil {
		t.Fatalf("ParseNetwork failed: %v", err)
	}
	if n.Name != "local" || n.P2PKHVersion != 0x8c {
		t.Fatalf("unexpected network: %+v", n)
	}
	main, err := ParseNetwork("mainnet")
	if err != nil {
		t.Fatalf("ParseNetwork failed: %v", err)
	}
	if main.P2PKHVersion != 0x4c || main.WIFVersion != 0xcc {
		t.Fatalf("unexpected mainnet params: %+v", main)
	}
	if _, err := ParseNetwork("ethereum"); err == nil {
		t.Fatal("expected unsupported network error")
	}
}

func TestIdentifierRoundTrip(t *testing.T) {
	want := IdentifierFromBytes([]byte("asset lock outpoint"))
	parsed, err := ParseIdentifier(want.String())
	if err != nil {
		t.Fatalf("ParseIdentifier failed: %v", err)
	}
	if parsed != want {
		t.Fatalf("identifier mismatch: %s != %s", parsed, want)
	}
}

func TestParseIdentifierRejectsWrongLength(t *testing.T) {
	_, err := ParseIdentifier("3yQ")
	if err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("expected length error, got %v", err)
	}
	if _, err := ParseIdentifier("0OIl"); err == nil {
		t.Fatal("expected base58 alphabet error")
	}
}
