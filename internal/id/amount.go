package id

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
)

var dashPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseDuffs resolves an --amount/--amount-dash pair into a positive number of duffs.
func ParseDuffs(duffs, dash string) (uint64, error) {
	duffs, dash = strings.TrimSpace(duffs), strings.TrimSpace(dash)
	if duffs != "" && dash != "" {
		return 0, clierr.New(clierr.CodeUsage, "use either --amount or --amount-dash, not both")
	}
	if duffs == "" && dash == "" {
		return 0, clierr.New(clierr.CodeUsage, "amount is required")
	}

	var n uint64
	if duffs != "" {
		v, err := strconv.ParseUint(duffs, 10, 64)
		if err != nil {
			return 0, clierr.Wrap(clierr.CodeUsage, "--amount must be a whole number of duffs", err)
		}
		n = v
	} else {
		v, err := ParseDash(dash)
		if err != nil {
			return 0, err
		}
		n = v
	}
	if n == 0 {
		return 0, clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}
	return n, nil
}

// ParseDash converts a decimal DASH amount such as "1.25" into duffs.
func ParseDash(v string) (uint64, error) {
	v = strings.TrimSpace(v)
	if !dashPattern.MatchString(v) {
		return 0, clierr.New(clierr.CodeUsage, "--amount-dash must be in decimal form like 1.23")
	}
	whole, frac, _ := strings.Cut(v, ".")
	if len(frac) > DashDecimals {
		return 0, clierr.New(clierr.CodeUsage, fmt.Sprintf("DASH amounts have at most %d decimals", DashDecimals))
	}
	frac += strings.Repeat("0", DashDecimals-len(frac))

	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, clierr.New(clierr.CodeUsage, "amount does not fit in duffs")
	}
	f, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUsage, "invalid DASH amount", err)
	}
	if w > (math.MaxUint64-f)/DuffsPerDash {
		return 0, clierr.New(clierr.CodeUsage, "amount does not fit in duffs")
	}
	return w*DuffsPerDash + f, nil
}

// FormatDash renders duffs as DASH without trailing zeros.
func FormatDash(duffs uint64) string {
	whole, frac := duffs/DuffsPerDash, duffs%DuffsPerDash
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	digits := strings.TrimRight(fmt.Sprintf("%0*d", DashDecimals, frac), "0")
	return strconv.FormatUint(whole, 10) + "." + digits
}

// DuffsToCredits converts a core chain amount into platform credits.
func DuffsToCredits(duffs uint64) uint64 {
	return duffs * CreditsPerDuff
}
