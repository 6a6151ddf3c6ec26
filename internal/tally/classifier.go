package tally

import (
	"github.com/shopspring/decimal"

	"ledger/internal/core"
)

// DefaultBucket collects included records that carry no usable key.
const DefaultBucket = "Other"

// Classifier decides whether a record counts, how much it contributes and
// which bucket it lands in. category is the tag of the task that produced
// the record.
type Classifier interface {
	Classify(rec core.Record, category string) (bucket string, amount decimal.Decimal, ok bool)
}

// Predicate decides inclusion once the amount is known.
type Predicate func(rec core.Record, category string, amount decimal.Decimal) bool

// KeyFunc derives the bucket name of an included record.
type KeyFunc func(rec core.Record, category string) string

// Rules is the standard Classifier: read the amount, filter, key.
type Rules struct {
	AmountField string
	Include     Predicate
	Key         KeyFunc
}

func (r Rules) Classify(rec core.Record, category string) (string, decimal.Decimal, bool) {
	field := r.AmountField
	if field == "" {
		field = "amount"
	}
	amount, err := rec.Amount(field)
	if err != nil {
		return "", decimal.Zero, false
	}
	if r.Include != nil && !r.Include(rec, category, amount) {
		return "", decimal.Zero, false
	}
	key := DefaultBucket
	if r.Key != nil {
		if k := r.Key(rec, category); k != "" {
			key = k
		}
	}
	return key, amount, true
}

// Positive includes strictly positive amounts.
func Positive() Predicate {
	return func(_ core.Record, _ string, amount decimal.Decimal) bool {
		return amount.IsPositive()
	}
}

// Negative includes strictly negative amounts.
func Negative() Predicate {
	return func(_ core.Record, _ string, amount decimal.Decimal) bool {
		return amount.IsNegative()
	}
}

// InCategories narrows another predicate to records from the given task
// categories.
func InCategories(p Predicate, categories ...string) Predicate {
	allowed := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		allowed[c] = struct{}{}
	}
	return func(rec core.Record, category string, amount decimal.Decimal) bool {
		if _, ok := allowed[category]; !ok {
			return false
		}
		return p == nil || p(rec, category, amount)
	}
}

// FirstField keys a record by the first non-empty field among paths, falling
// back to def.
func FirstField(def string, paths ...string) KeyFunc {
	return func(rec core.Record, _ string) string {
		for _, p := range paths {
			if v := rec.String(p); v != "" {
				return v
			}
		}
		return def
	}
}
