package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
)

// Summary collects the results of one run.
type Summary struct {
	mu      sync.Mutex
	results []*MergeResult
}

func NewSummary() *Summary {
	return &Summary{}
}

func (s *Summary) Add(res *MergeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

// Results returns the collected results in the order they were added.
func (s *Summary) Results() []*MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MergeResult, len(s.results))
	copy(out, s.results)
	return out
}

// Failed returns the results that ended in a fatal error.
func (s *Summary) Failed() []*MergeResult {
	var out []*MergeResult
	for _, r := range s.Results() {
		if r.Fatal {
			out = append(out, r)
		}
	}
	return out
}

// Totals sums the row counters of the results that completed.
type Totals struct {
	Merges   int `json:"merges"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Removed  int `json:"rows_removed"`
	Added    int `json:"rows_added"`
	Replaced int `json:"replaced_rows"`
}

func (s *Summary) Totals() Totals {
	var t Totals
	for _, r := range s.Results() {
		t.Merges++
		switch {
		case r.Fatal:
			t.Failed++
			continue
		case r.Mode == ModeSkipped:
			t.Skipped++
			continue
		}
		t.Removed += r.RowsRemoved
		t.Added += r.RowsAdded
		t.Replaced += r.ReplacedRows
	}
	return t
}

// WriteText renders the operator summary.
func (s *Summary) WriteText(w io.Writer) error {
	results := s.Results()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tSOURCE\tMODE\tEXISTING\tREMOVED\tADDED\tFINAL\tBACKUP\tSTATUS")
	for _, r := range results {
		status := "ok"
		switch {
		case r.Fatal:
			status = "FAILED"
		case len(r.Errors) > 0 || len(r.Warnings) > 0:
			status = "ok (with issues)"
		}
		mode := string(r.Mode)
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Dataset, orDash(r.Source), mode, r.ExistingRows, r.RowsRemoved, r.RowsAdded, r.FinalRowCount, r.BackupPath, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, r := range results {
		for _, msg := range r.Warnings {
			if _, err := fmt.Fprintf(w, "warning: %s: %s\n", r.Dataset, msg); err != nil {
				return err
			}
		}
		for _, msg := range r.Errors {
			if _, err := fmt.Fprintf(w, "error: %s: %s\n", r.Dataset, msg); err != nil {
				return err
			}
		}
	}

	t := s.Totals()
	_, err := fmt.Fprintf(w, "%d merges, %d failed, %d skipped: %d rows removed, %d added, %d replaced\n",
		t.Merges, t.Failed, t.Skipped, t.Removed, t.Added, t.Replaced)
	return err
}

// WriteJSON renders the results and totals as indented JSON.
func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Totals  Totals         `json:"totals"`
		Results []*MergeResult `json:"results"`
	}{
		Totals:  s.Totals(),
		Results: s.Results(),
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
