package core

import "github.com/shopspring/decimal"

// CategoryAmount represents an amount aggregated by bucket name.
type CategoryAmount struct {
	Name   string          `json:"name"`
	Label  string          `json:"label,omitempty"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Overview is a compact summary of an aggregation.
type Overview struct {
	Total      decimal.Decimal  `json:"total"`
	Processed  int              `json:"processed"`
	Counted    int              `json:"counted"`
	ByCategory []CategoryAmount `json:"by_category"`
}
