// Package pagination implements the opaque keyset cursor used by order listings.
//
// Orders are totally ordered by (created_at DESC, id DESC). A cursor carries the
// sort key of the last item on a page; the next page selects rows strictly
// after it in that order.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Cursor is the decoded (created_at, id) position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type wireCursor struct {
	TS string `json:"ts"`
	ID string `json:"id"`
}

// Encode returns an opaque, URL-safe cursor for (ts, id).
func Encode(ts time.Time, id string) string {
	raw, _ := json.Marshal(wireCursor{TS: ts.UTC().Format(time.RFC3339Nano), ID: id})
	return base64.URLEncoding.EncodeToString(raw)
}

// Decode parses a cursor produced by Encode. ok is false for anything
// malformed; callers restart from the first page in that case.
func Decode(s string) (Cursor, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, false
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}
	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil {
		return Cursor{}, false
	}
	if w.TS == "" || w.ID == "" {
		return Cursor{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, w.TS)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{CreatedAt: ts.UTC(), ID: w.ID}, true
}

// ParseLimit reads a page size from a query value. Absent, non-numeric or
// non-positive values fall back to DefaultLimit; large ones clamp to MaxLimit.
func ParseLimit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}
