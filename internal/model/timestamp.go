package model

import (
	"fmt"
	"sort"
	"time"
)

// FormatTimestamp renders a video offset as HH:MM:SS.mmm. Negative offsets
// are clamped to zero.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// InsertTimestamp inserts t into the sorted slice ts, keeping it sorted and
// free of duplicates. The returned bool is false when t was already present.
// ts is not modified in place.
func InsertTimestamp(ts []string, t string) ([]string, bool) {
	i := sort.SearchStrings(ts, t)
	if i < len(ts) && ts[i] == t {
		return ts, false
	}
	out := make([]string, 0, len(ts)+1)
	out = append(out, ts[:i]...)
	out = append(out, t)
	out = append(out, ts[i:]...)
	return out, true
}
