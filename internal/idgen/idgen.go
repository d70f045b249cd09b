// Package idgen generates record identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for each record type, so IDs are self-describing in logs.
const (
	PrefixTransaction = "txn_"
	PrefixDispute     = "dsp_"
	PrefixProposal    = "prp_"
	PrefixMessage     = "msg_"
	PrefixRepair      = "rep_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless UUIDv4.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id looks like one generated with prefix.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
