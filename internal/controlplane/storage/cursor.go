package storage

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Cursors are opaque to callers: base64 of "sort_key|id". List queries
// order by (sort_key, id) descending, so a cursor names the last row of
// the previous page.

// EncodeCursor builds an opaque pagination cursor from a row's sort key.
func EncodeCursor(sortKey time.Time, id string) string {
	raw := FormatTime(sortKey) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor: %w", err)
	}
	key, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := ParseTime(key)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor sort key: %w", err)
	}
	return ts, id, nil
}
