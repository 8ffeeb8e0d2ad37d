package search

import "github.com/vinceanalytics/keywords/internal/index"

// ColumnMatches is one column's share of a search result. Rows counts
// individual row occurrences; Runs is their RLE form ordered by
// (row_group, row).
type ColumnMatches struct {
	Column string
	Runs   []index.Run
	Rows   uint64
}

// Result is the outcome of one search. Verified rows were proven from
// index state alone; Fallback rows were confirmed by reading the data
// file; Candidates could not be confirmed either way (phrase verification
// was inconclusive and the caller did not opt in to verification reads).
// All three empty means a clean no-match.
type Result struct {
	Query      string
	Tokens     []string
	Verified   []ColumnMatches
	Fallback   []ColumnMatches
	Candidates []ColumnMatches
}

// Empty reports a clean absence.
func (r *Result) Empty() bool {
	return len(r.Verified) == 0 && len(r.Fallback) == 0 && len(r.Candidates) == 0
}

// Occurrences totals matched rows across verified and fallback columns.
func (r *Result) Occurrences() (n uint64) {
	for _, c := range r.Verified {
		n += c.Rows
	}
	for _, c := range r.Fallback {
		n += c.Rows
	}
	return
}
