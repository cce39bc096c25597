// Package events reads and writes trial-event tables: one row per
// experimental event with an onset, a duration (both in seconds) and a
// condition label. Both comma- and tab-separated files are accepted, since
// public datasets ship the same table under either convention.
package events

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Event is one experimental trial or block.
type Event struct {
	Onset     float64
	Duration  float64
	TrialType string
}

// Table is an ordered list of events for one run.
type Table []Event

// Column names recognized in the header row, matched case-insensitively
// after trimming.
const (
	colOnset     = "onset"
	colDuration  = "duration"
	colTrialType = "trial_type"
)

// ReadFile parses an event table from path. The delimiter is chosen by
// extension (.tsv reads as tab-separated) with a content sniff fallback,
// and cells may carry padding whitespace. The header row must name the
// onset, duration and trial_type columns in any order; extra columns are
// ignored.
func ReadFile(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	table, err := Parse(string(raw), delimiterFor(path, string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// delimiterFor picks tab for .tsv files and comma otherwise, unless the
// header line clearly disagrees with the extension.
func delimiterFor(path, content string) rune {
	d := ','
	if strings.HasSuffix(strings.ToLower(path), ".tsv") {
		d = '\t'
	}
	header := content
	if i := strings.IndexByte(header, '\n'); i >= 0 {
		header = header[:i]
	}
	if !strings.ContainsRune(header, d) {
		if strings.ContainsRune(header, '\t') {
			return '\t'
		}
		if strings.ContainsRune(header, ',') {
			return ','
		}
	}
	return d
}

// Parse decodes an event table from text with the given delimiter.
func Parse(content string, delimiter rune) (Table, error) {
	r := csv.NewReader(strings.NewReader(content))
	r.Comma = delimiter
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse event table: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("event table has no data rows")
	}

	// Map header names to column indices, tolerating padded cells.
	idx := map[string]int{}
	for i, name := range rows[0] {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, need := range []string{colOnset, colDuration, colTrialType} {
		if _, ok := idx[need]; !ok {
			return nil, fmt.Errorf("event table is missing the %q column", need)
		}
	}

	table := make(Table, 0, len(rows)-1)
	for n, row := range rows[1:] {
		line := n + 2 // 1-based, counting the header
		get := func(col string) string {
			return strings.TrimSpace(row[idx[col]])
		}
		onset, err := strconv.ParseFloat(get(colOnset), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad onset %q", line, get(colOnset))
		}
		duration, err := strconv.ParseFloat(get(colDuration), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad duration %q", line, get(colDuration))
		}
		if duration < 0 {
			return nil, fmt.Errorf("line %d: negative duration %v", line, duration)
		}
		label := get(colTrialType)
		if label == "" {
			return nil, fmt.Errorf("line %d: empty trial_type", line)
		}
		table = append(table, Event{Onset: onset, Duration: duration, TrialType: label})
	}
	return table, nil
}

// WriteFile stores the table at path, tab-separated for .tsv names and
// comma-separated otherwise, with the canonical column order.
func (t Table) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create events file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if strings.HasSuffix(strings.ToLower(path), ".tsv") {
		w.Comma = '\t'
	}
	if err := w.Write([]string{colOnset, colDuration, colTrialType}); err != nil {
		return fmt.Errorf("failed to write events header: %w", err)
	}
	for _, e := range t {
		rec := []string{
			strconv.FormatFloat(e.Onset, 'g', -1, 64),
			strconv.FormatFloat(e.Duration, 'g', -1, 64),
			e.TrialType,
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("failed to write event row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write events file: %w", err)
	}
	return f.Close()
}

// Conditions returns the distinct trial types in lexicographic order. This
// ordering defines the condition column order of design matrices built from
// the table.
func (t Table) Conditions() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range t {
		if !seen[e.TrialType] {
			seen[e.TrialType] = true
			out = append(out, e.TrialType)
		}
	}
	sort.Strings(out)
	return out
}

// ForCondition returns the events with the given trial type, in table order.
func (t Table) ForCondition(name string) Table {
	var out Table
	for _, e := range t {
		if e.TrialType == name {
			out = append(out, e)
		}
	}
	return out
}

// TotalDuration returns the end time of the latest event in seconds.
func (t Table) TotalDuration() float64 {
	var end float64
	for _, e := range t {
		if v := e.Onset + e.Duration; v > end {
			end = v
		}
	}
	return end
}

// Block builds a paradigm of fixed-length blocks whose conditions cycle
// through labels, starting at time zero. This matches the construction of
// the auditory dataset paradigm: alternating rest and task epochs of equal
// duration laid end to end.
func Block(labels []string, nBlocks int, blockDuration float64) Table {
	table := make(Table, 0, nBlocks)
	for i := 0; i < nBlocks; i++ {
		table = append(table, Event{
			Onset:     float64(i) * blockDuration,
			Duration:  blockDuration,
			TrialType: labels[i%len(labels)],
		})
	}
	return table
}
