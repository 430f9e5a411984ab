// Package bso implements the Basic Storage Object value type: the unit of
// data a client reads and writes within a collection.
package bso

import (
	"fmt"
	"regexp"
)

const (
	MaxPayloadSize    = 256 * 1024
	MaxTTLSeconds     = 31536000
	MaxSortIndex      = 999999999
	MinSortIndex      = -999999999
	MaxIDLength       = 64
	MaxCollectionName = 32
)

var (
	validID         = regexp.MustCompile(`^[\x20-\x7e]{1,64}$`)
	validCollection = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,32}$`)
)

// BSO is a single stored record. Pointer fields distinguish "absent" from
// the zero value, since a write that omits a field must preserve whatever
// was previously stored there.
type BSO struct {
	ID         string   `json:"id"`
	Payload    *string  `json:"payload,omitempty"`
	SortIndex  *int64   `json:"sortindex,omitempty"`
	TTL        *int64   `json:"ttl,omitempty"`
	Modified   float64  `json:"modified,omitempty"`
}

// Validate checks field-level constraints and returns (ok, reason) instead
// of an error, so callers (the batch pipeline in particular) can continue
// processing sibling items on a per-item failure.
func (b *BSO) Validate() (bool, string) {
	if b.ID != "" && !validID.MatchString(b.ID) {
		return false, "invalid id"
	}
	if b.TTL != nil {
		if *b.TTL < 0 || *b.TTL > MaxTTLSeconds {
			return false, "invalid ttl"
		}
	}
	if b.SortIndex != nil {
		if *b.SortIndex > MaxSortIndex || *b.SortIndex < MinSortIndex {
			return false, "invalid sortindex"
		}
	}
	if b.Payload != nil {
		if len(*b.Payload) > MaxPayloadSize {
			return false, "payload too large"
		}
	}
	return true, ""
}

// ValidCollectionName reports whether name is a legal collection name.
func ValidCollectionName(name string) bool {
	return validCollection.MatchString(name)
}

// ParseBSO builds a BSO from a loosely-typed JSON object (as decoded by
// encoding/json into map[string]any), rejecting unknown fields and
// type-mismatched values the way the original hand-rolled BSO validator
// does. It returns a (bool, reason) pair on failure rather than an error,
// matching Validate's contract, so batch ingestion can record the id/reason
// pair for the caller's "invalid_bsos" report.
func ParseBSO(data map[string]any) (*BSO, bool, string) {
	b := &BSO{}
	for key, value := range data {
		if value == nil {
			continue
		}
		switch key {
		case "id":
			s, ok := value.(string)
			if !ok {
				return nil, false, "invalid id"
			}
			b.ID = s
		case "payload":
			s, ok := value.(string)
			if !ok {
				return nil, false, "payload not a string"
			}
			b.Payload = &s
		case "sortindex":
			n, ok := toInt64(value)
			if !ok {
				return nil, false, "invalid sortindex"
			}
			b.SortIndex = &n
		case "ttl":
			n, ok := toInt64(value)
			if !ok {
				return nil, false, "invalid ttl"
			}
			b.TTL = &n
		case "modified":
			// server-assigned; silently ignored if the client sends it
			continue
		default:
			return nil, false, fmt.Sprintf("unknown field %q", key)
		}
	}
	if ok, reason := b.Validate(); !ok {
		return nil, false, reason
	}
	return b, true, ""
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// Merge applies the non-nil fields of patch onto base, preserving fields
// patch does not mention. It returns a new BSO; base and patch are not
// mutated. The caller is responsible for re-stamping Modified when Payload
// changes (spec: "On any update that mutates payload, the server replaces
// modified").
func Merge(base, patch *BSO) *BSO {
	merged := *base
	if patch.Payload != nil {
		merged.Payload = patch.Payload
	}
	if patch.SortIndex != nil {
		merged.SortIndex = patch.SortIndex
	}
	if patch.TTL != nil {
		merged.TTL = patch.TTL
	}
	return &merged
}
