package google

import (
	"fmt"
	"strings"

	"ledger/internal/core"
)

// lastColumn bounds the range read per row: date, description, amount,
// category, detail type, transaction type.
const lastColumn = "F"

type columns struct {
	date, description, amount, category, detailType, transactionType int
}

var defaultColumns = columns{0, 1, 2, 3, 4, 5}

// parseHeader locates the known columns by name. A tab without a
// recognizable header is read in the default order.
func parseHeader(headers []string) columns {
	cols := columns{
		date:            indexOf(headers, "Date"),
		description:     indexOf(headers, "Description"),
		amount:          indexOf(headers, "Amount"),
		category:        indexOf(headers, "Category"),
		detailType:      indexOf(headers, "Detail Type"),
		transactionType: indexOf(headers, "Transaction Type"),
	}
	if cols.amount == -1 {
		return defaultColumns
	}
	return cols
}

// record converts one sheet row. Blank rows are skipped.
func (c columns) record(row []interface{}) (core.Record, bool) {
	cells := toStrings(row)
	amount := safeGet(cells, c.amount)
	if amount == "" {
		return nil, false
	}
	rec := core.Record{"amount": amount}
	if c.amount >= 0 && c.amount < len(row) {
		// Keep numeric cells numeric so no precision is lost to formatting.
		switch v := row[c.amount].(type) {
		case float64, int, int64:
			rec["amount"] = v
		}
	}
	setIf(rec, "date", safeGet(cells, c.date))
	setIf(rec, "description", safeGet(cells, c.description))
	setIf(rec, "category", safeGet(cells, c.category))
	setIf(rec, "transactionType", safeGet(cells, c.transactionType))
	if t := safeGet(cells, c.detailType); t != "" {
		rec["details"] = map[string]any{"type": t}
	}
	return rec, true
}

func setIf(rec core.Record, key, v string) {
	if v != "" {
		rec[key] = v
	}
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func indexOf(arr []string, target string) int {
	for i, v := range arr {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(target)) {
			return i
		}
	}
	return -1
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}
