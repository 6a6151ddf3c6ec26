// Package profiles holds the feature configurations the engine runs with.
package profiles

import (
	"errors"
	"fmt"
	"sort"

	"ledger/internal/tally"
	"ledger/internal/walker"
)

const (
	Earned = "earned"
	Spent  = "spent"
)

var ErrUnknownFeature = errors.New("unknown feature")

// Labels are the human-facing strings of a feature.
type Labels struct {
	Title   string            `json:"title"`
	Total   string            `json:"total"`
	Empty   string            `json:"empty"`
	Buckets map[string]string `json:"buckets,omitempty"`
}

// Bucket returns the display label of a bucket, defaulting to its name.
func (l Labels) Bucket(name string) string {
	if v, ok := l.Buckets[name]; ok {
		return v
	}
	return name
}

// Profile parameterizes one calculation feature.
type Profile struct {
	Name   string        `json:"name"`
	Labels Labels        `json:"labels"`
	Tasks  []walker.Task `json:"tasks"`
	Rules  tally.Rules   `json:"-"`
}

// bucketKey is shared by every feature: explicit category, then the nested
// detail type, then the transaction type.
var bucketKey = tally.FirstField(tally.DefaultBucket, "category", "details.type", "transactionType")

// EarnedProfile sums incoming money: sales first, then payouts.
func EarnedProfile() Profile {
	return Profile{
		Name: Earned,
		Labels: Labels{
			Title: "Total earned",
			Total: "Earned",
			Empty: "No earnings found",
			Buckets: map[string]string{
				"GamePass":          "Passes",
				"DeveloperProduct":  "Developer products",
				"Asset":             "Assets",
				"GroupPayout":       "Group payouts",
				tally.DefaultBucket: "Other",
			},
		},
		Tasks: []walker.Task{
			{Type: "sale", Category: "sales"},
			{Type: "payout", Category: "payouts"},
		},
		Rules: tally.Rules{
			AmountField: "amount",
			Include:     tally.Positive(),
			Key:         bucketKey,
		},
	}
}

// SpentProfile sums outgoing money. Purchases are debits, so included
// amounts and the total are negative.
func SpentProfile() Profile {
	return Profile{
		Name: Spent,
		Labels: Labels{
			Title: "Total spent",
			Total: "Spent",
			Empty: "No purchases found",
			Buckets: map[string]string{
				"GamePass":          "Passes",
				"DeveloperProduct":  "Developer products",
				"Asset":             "Assets",
				tally.DefaultBucket: "Other",
			},
		},
		Tasks: []walker.Task{
			{Type: "purchase", Category: "purchases"},
		},
		Rules: tally.Rules{
			AmountField: "amount",
			Include:     tally.Negative(),
			Key:         bucketKey,
		},
	}
}

// Registry maps feature names to profiles.
type Registry map[string]Profile

// Default returns the built-in features.
func Default() Registry {
	return Registry{
		Earned: EarnedProfile(),
		Spent:  SpentProfile(),
	}
}

// Lookup returns the profile for name.
func (r Registry) Lookup(name string) (Profile, error) {
	p, ok := r[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownFeature, name)
	}
	return p, nil
}

// Names returns the feature names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
