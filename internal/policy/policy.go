package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
)

// CheckCommandAllowed enforces an --enable-commands allowlist. An entry allows
// the command path itself and every subcommand below it, so "wallet" allows
// "wallet balance".
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if Allowed(allowlist, commandPath) {
		return nil
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", normalize(commandPath)))
}

func Allowed(allowlist []string, commandPath string) bool {
	if len(allowlist) == 0 {
		return true
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if entry == normPath || strings.HasPrefix(normPath, entry+" ") {
			return true
		}
	}
	return false
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
