// Package idempotency derives the deterministic identifiers used for run
// ids, lock keys and per-unit dedup keys. Keys are lowercase, restricted to
// [a-z0-9-] and at most MaxLen bytes, so they are safe as storage paths.
package idempotency

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/SirClappington/lendersync/internal/domain"
)

const MaxLen = 64

const sep = '-'

// RunID names a daily run by its collection date.
func RunID(t domain.RunType, cursor string) string {
	return Normalize(string(t) + "-" + cursor)
}

// BackfillRunID mixes a caller-supplied random suffix into the month so
// several backfills can target the same month.
func BackfillRunID(month, suffix string) string {
	return Normalize(string(domain.RunBackfill) + "-" + month + "-" + suffix)
}

// LockKey is the per-period lock shared by every trigger for that period.
func LockKey(t domain.RunType, cursor string) string {
	return Normalize("lock-" + string(t) + "-" + cursor)
}

// UnitKey identifies one unit of work within a run. Extra parts are used
// for repeatable sub-jobs such as a date or month cursor.
func UnitKey(runID, unitID string, parts ...string) string {
	all := append([]string{runID, unitID}, parts...)
	return Normalize(strings.Join(all, "-"))
}

// Normalize lowercases s, collapses runs of characters outside [a-z0-9]
// into a single separator and trims separators from both ends. Results
// longer than MaxLen keep a prefix plus a hash of the full normalized
// value, so distinct inputs stay distinct after truncation.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte(sep)
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	out := b.String()
	if len(out) <= MaxLen {
		return out
	}

	sum := strconv.FormatUint(xxhash.Sum64String(out), 16)
	if len(sum) > 12 {
		sum = sum[:12]
	}
	prefix := strings.TrimRight(out[:MaxLen-len(sum)-1], string(sep))
	return prefix + string(sep) + sum
}
