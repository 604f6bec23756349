// Package pagination provides opaque cursors for timeline queries.
//
// The audit trail pages newest-first over a (timestamp, id) composite key;
// the id breaks ties between entries written in the same nanosecond. The
// cursor encodes that key as an opaque token so callers cannot construct
// offsets into another tenant's timeline by hand.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a decoded position in a timeline: the (timestamp, id) of the
// last item the caller has seen.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Encode returns an opaque cursor token for a (timestamp, id) position.
func Encode(ts time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", ts.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor token. Returns nil for empty input so
// handlers can pass the query param straight through.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		Timestamp: time.Unix(0, nanos).UTC(),
		ID:        parts[1],
	}, nil
}

// ComputePage takes a slice fetched with limit+1, the requested limit, and
// a function extracting the (timestamp, id) key from an item. It returns
// the trimmed page, the next cursor, and whether more items remain.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	last := items[len(items)-1]
	ts, id := extractKey(last)
	return items, Encode(ts, id), true
}
