package account

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mreed/walletkit/internal/util"
)

// NormalizeUsername canonicalizes a username: NFKD normalization,
// lowercase, interior whitespace collapsed to single spaces, leading and
// trailing whitespace removed. Control characters are rejected. The result
// is a fixed point: normalizing twice yields the same string.
func NormalizeUsername(raw string) (string, error) {
	n := util.Normalize(raw)
	for _, r := range n {
		// Tabs and newlines are controls too, but they are whitespace to
		// collapse, not grounds for rejection.
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return "", fmt.Errorf("%w: contains control character", ErrInvalidUsername)
		}
	}
	fields := strings.Fields(strings.ToLower(n))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	return strings.Join(fields, " "), nil
}
