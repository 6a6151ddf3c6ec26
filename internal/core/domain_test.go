package core

import (
	"errors"
	"testing"
)

func TestRecordLookup(t *testing.T) {
	rec := Record{
		"amount":          40,
		"transactionType": "Sale",
		"details": map[string]any{
			"type": "GamePass",
			"name": " VIP ",
			"meta": map[string]any{"id": 7},
		},
		"empty": nil,
	}

	cases := []struct {
		path string
		want string
	}{
		{"transactionType", "Sale"},
		{"details.type", "GamePass"},
		{"details.name", "VIP"},
		{"details.meta.id", "7"},
		{"details.missing", ""},
		{"transactionType.nested", ""},
		{"empty", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := rec.String(tc.path); got != tc.want {
			t.Fatalf("String(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}

	if _, ok := rec.Lookup("details"); !ok {
		t.Fatalf("expected nested map to resolve")
	}
}

func TestRecordAmount(t *testing.T) {
	rec := Record{"amount": "12,50", "bad": "x"}

	got, err := rec.Amount("amount")
	if err != nil || got.String() != "12.5" {
		t.Fatalf("expected 12.5, got %s (err=%v)", got, err)
	}

	if _, err := rec.Amount("missing"); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if _, err := rec.Amount("bad"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
