package bso

import "testing"

func ptr64(n int64) *int64 { return &n }
func ptrStr(s string) *string { return &s }

func TestValidateID(t *testing.T) {
	cases := []struct {
		id string
		ok bool
	}{
		{"abc123", true},
		{"", true}, // empty id only invalid when required by caller, not by Validate
		{string(make([]byte, 65)), false},
	}
	for _, c := range cases {
		b := &BSO{ID: c.id}
		ok, reason := b.Validate()
		if ok != c.ok {
			t.Errorf("id %q: got ok=%v reason=%q, want ok=%v", c.id, ok, reason, c.ok)
		}
	}
}

func TestValidateTTL(t *testing.T) {
	b := &BSO{TTL: ptr64(MaxTTLSeconds + 1)}
	if ok, _ := b.Validate(); ok {
		t.Error("expected ttl over max to be invalid")
	}
	b = &BSO{TTL: ptr64(-1)}
	if ok, _ := b.Validate(); ok {
		t.Error("expected negative ttl to be invalid")
	}
	b = &BSO{TTL: ptr64(0)}
	if ok, _ := b.Validate(); !ok {
		t.Error("expected ttl=0 to be valid")
	}
}

func TestValidateSortIndex(t *testing.T) {
	b := &BSO{SortIndex: ptr64(MaxSortIndex + 1)}
	if ok, _ := b.Validate(); ok {
		t.Error("expected sortindex over max to be invalid")
	}
	b = &BSO{SortIndex: ptr64(MinSortIndex - 1)}
	if ok, _ := b.Validate(); ok {
		t.Error("expected sortindex under min to be invalid")
	}
}

func TestValidatePayloadTooLarge(t *testing.T) {
	big := make([]byte, MaxPayloadSize+1)
	b := &BSO{Payload: ptrStr(string(big))}
	if ok, reason := b.Validate(); ok || reason != "payload too large" {
		t.Errorf("expected payload too large, got ok=%v reason=%q", ok, reason)
	}
}

func TestParseBSORejectsUnknownField(t *testing.T) {
	_, ok, reason := ParseBSO(map[string]any{"id": "a", "bogus": "x"})
	if ok {
		t.Fatal("expected rejection of unknown field")
	}
	if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestParseBSOInvalidSortIndexType(t *testing.T) {
	_, ok, reason := ParseBSO(map[string]any{"id": "x2", "sortindex": "notanint"})
	if ok {
		t.Fatal("expected rejection")
	}
	if reason != "invalid sortindex" {
		t.Errorf("got reason %q", reason)
	}
}

func TestMergePreservesUnmentionedFields(t *testing.T) {
	base := &BSO{ID: "a", Payload: ptrStr("orig"), SortIndex: ptr64(5)}
	patch := &BSO{ID: "a", Payload: ptrStr("new")}
	merged := Merge(base, patch)
	if *merged.Payload != "new" {
		t.Errorf("expected payload to be updated")
	}
	if *merged.SortIndex != 5 {
		t.Errorf("expected sortindex to be preserved, got %v", merged.SortIndex)
	}
}
