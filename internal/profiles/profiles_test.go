package profiles

import (
	"errors"
	"testing"

	"ledger/internal/core"
	"ledger/internal/tally"
)

func TestEarnedClassification(t *testing.T) {
	p := EarnedProfile()

	tests := []struct {
		name   string
		rec    core.Record
		bucket string
		ok     bool
	}{
		{"pass sale", core.Record{"amount": 40, "details": map[string]any{"type": "GamePass"}}, "GamePass", true},
		{"payout by transaction type", core.Record{"amount": "120", "transactionType": "GroupPayout"}, "GroupPayout", true},
		{"explicit category", core.Record{"amount": 3, "category": "Tips", "transactionType": "Sale"}, "Tips", true},
		{"untyped", core.Record{"amount": 1}, tally.DefaultBucket, true},
		{"refund excluded", core.Record{"amount": -40, "transactionType": "Sale"}, "", false},
		{"missing amount", core.Record{"transactionType": "Sale"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, _, ok := p.Rules.Classify(tt.rec, "sales")
			if ok != tt.ok || bucket != tt.bucket {
				t.Fatalf("got (%q, %v), want (%q, %v)", bucket, ok, tt.bucket, tt.ok)
			}
		})
	}
}

func TestSpentClassification(t *testing.T) {
	p := SpentProfile()

	bucket, amount, ok := p.Rules.Classify(core.Record{"amount": -25, "details": map[string]any{"type": "Asset"}}, "purchases")
	if !ok || bucket != "Asset" || amount.String() != "-25" {
		t.Fatalf("got (%q, %s, %v)", bucket, amount, ok)
	}
	if _, _, ok := p.Rules.Classify(core.Record{"amount": 25}, "purchases"); ok {
		t.Fatal("credits must not count as spending")
	}
}

func TestTaskOrder(t *testing.T) {
	tasks := EarnedProfile().Tasks
	if len(tasks) != 2 || tasks[0].Type != "sale" || tasks[1].Type != "payout" {
		t.Fatalf("unexpected earned tasks %+v", tasks)
	}
}

func TestRegistry(t *testing.T) {
	r := Default()

	if got := r.Names(); len(got) != 2 || got[0] != Earned || got[1] != Spent {
		t.Fatalf("unexpected names %v", got)
	}
	if _, err := r.Lookup("refunds"); !errors.Is(err, ErrUnknownFeature) {
		t.Fatalf("expected ErrUnknownFeature, got %v", err)
	}
	p, err := r.Lookup(Spent)
	if err != nil || p.Name != Spent {
		t.Fatalf("lookup spent: %+v, %v", p, err)
	}
	if got := p.Labels.Bucket("GamePass"); got != "Passes" {
		t.Fatalf("label = %q", got)
	}
	if got := p.Labels.Bucket("Unknown"); got != "Unknown" {
		t.Fatalf("label fallback = %q", got)
	}
}
