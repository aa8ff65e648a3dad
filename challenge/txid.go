package challenge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/otpd/otpd/internal/util"
)

// Transaction id layout: a parent id is a decimal string; child ids add
// a two-digit suffix ("parent.NN", NN in 01..99). On the wire the id is
// a uint64: parent*100+NN, with a bare parent mapping to parent*100.
// The parent length keeps parent*100+99 inside uint64 range.
const parentIDDigits = 12

const maxChildrenPerParent = 99

// NewParentID generates a fresh random parent transaction id.
func NewParentID() (string, error) {
	return util.RandomDigits(parentIDDigits)
}

// ChildID derives the n-th child id of parent (n in 1..99).
func ChildID(parent string, n int) (string, error) {
	if n < 1 || n > maxChildrenPerParent {
		return "", fmt.Errorf("child index %d out of range", n)
	}
	return fmt.Sprintf("%s.%02d", parent, n), nil
}

// SplitID returns the parent part of a transaction id and whether the id
// carries a child suffix.
func SplitID(transactionID string) (parent string, isChild bool) {
	parent, _, isChild = strings.Cut(transactionID, ".")
	return parent, isChild
}

// IDToUint64 converts a transaction id to its wire form. The inverse is
// IDFromUint64; the round trip must be exact for deployed clients.
func IDToUint64(transactionID string) (uint64, error) {
	parent, suffix, isChild := strings.Cut(transactionID, ".")

	p, err := strconv.ParseUint(parent, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed transaction id %q: %w", transactionID, err)
	}
	if p > (1<<64-1)/100 {
		return 0, fmt.Errorf("transaction id %q out of wire range", transactionID)
	}

	if !isChild {
		return p * 100, nil
	}

	if len(suffix) != 2 {
		return 0, fmt.Errorf("malformed child suffix in transaction id %q", transactionID)
	}
	nn, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil || nn == 0 {
		return 0, fmt.Errorf("malformed child suffix in transaction id %q", transactionID)
	}
	return p*100 + nn, nil
}

// IDFromUint64 converts a wire transaction id back to its string form.
// A remainder of zero yields the bare parent, not "parent.00".
func IDFromUint64(u uint64) string {
	rest := u % 100
	parent := u / 100
	if rest == 0 {
		return strconv.FormatUint(parent, 10)
	}
	return fmt.Sprintf("%d.%02d", parent, rest)
}
