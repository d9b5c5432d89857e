package id

import (
	"testing"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
)

func TestParseDuffs(t *testing.T) {
	duffs, err := ParseDuffs("", "15")
	if err != nil {
		t.Fatalf("ParseDuffs failed: %v", err)
	}
	if duffs != 15*DuffsPerDash {
		t.Fatalf("unexpected duffs: %d", duffs)
	}
	if duffs, err = ParseDuffs("150000000", ""); err != nil || duffs != 150_000_000 {
		t.Fatalf("unexpected duffs: %d err=%v", duffs, err)
	}
	for name, args := range map[string][2]string{
		"zero":     {"0", ""},
		"both":     {"10", "1"},
		"neither":  {"", ""},
		"negative": {"-5", ""},
		"fraction": {"1.5", ""},
	} {
		if _, err := ParseDuffs(args[0], args[1]); !clierr.HasCode(err, clierr.CodeUsage) {
			t.Fatalf("%s: expected usage error, got %v", name, err)
		}
	}
}

func TestParseDash(t *testing.T) {
	cases := map[string]uint64{
		"0.25":       25_000_000,
		"1":          DuffsPerDash,
		"0.00000001": 1,
		"007.5":      750_000_000,
	}
	for in, want := range cases {
		got, err := ParseDash(in)
		if err != nil || got != want {
			t.Fatalf("ParseDash(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"1.123456789", "1e3", ".5", "184467440738"} {
		if _, err := ParseDash(bad); !clierr.HasCode(err, clierr.CodeUsage) {
			t.Fatalf("ParseDash(%q): expected usage error, got %v", bad, err)
		}
	}
}

func TestFormatDash(t *testing.T) {
	cases := map[uint64]string{
		0:              "0",
		1:              "0.00000001",
		150_000_000:    "1.5",
		2*DuffsPerDash: "2",
	}
	for in, want := range cases {
		if got := FormatDash(in); got != want {
			t.Fatalf("FormatDash(%d) = %q, want %q", in, got, want)
		}
	}
	if DuffsToCredits(3) != 3000 {
		t.Fatal("one duff is a thousand credits")
	}
}
