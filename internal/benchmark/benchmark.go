// Package benchmark implements a 2-D stage-id x input-id table of
// execution timings, persisted as CSV. It is a Go port of
// repype.benchmark.Benchmark (which uses a pandas DataFrame; this port
// uses an ordered-map-backed table plus encoding/csv, since no CSV
// library in the example pack improves on the standard library for a
// plain string-keyed table).
package benchmark

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// Benchmark holds timing values indexed by (stageID, inputID), in the
// order stage/input ids were first seen (mirroring a DataFrame's
// index/column order).
type Benchmark struct {
	FilePath string
	stageIDs []string
	inputIDs []string
	values   map[string]map[string]float64
}

// New creates an empty Benchmark (or loads one) backed by filePath.
func New(filePath string) (*Benchmark, error) {
	b := &Benchmark{
		FilePath: filePath,
		values:   map[string]map[string]float64{},
	}
	if _, err := os.Stat(filePath); err != nil {
		return b, nil
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Benchmark) load() error {
	f, err := os.Open(b.FilePath)
	if err != nil {
		return fmt.Errorf("benchmark: opening %s: %w", b.FilePath, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("benchmark: reading %s: %w", b.FilePath, err)
	}
	if len(rows) == 0 {
		return nil
	}
	header := rows[0]
	b.inputIDs = append([]string(nil), header[1:]...)
	for _, row := range rows[1:] {
		stageID := row[0]
		b.stageIDs = append(b.stageIDs, stageID)
		b.values[stageID] = map[string]float64{}
		for i, cell := range row[1:] {
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return fmt.Errorf("benchmark: parsing %s[%s,%s]: %w", b.FilePath, stageID, b.inputIDs[i], err)
			}
			b.values[stageID][b.inputIDs[i]] = v
		}
	}
	return nil
}

// Set assigns the table's value at (stageID, inputID), introducing the
// row/column if not already present.
func (b *Benchmark) Set(stageID, inputID string, value float64) {
	if _, ok := b.values[stageID]; !ok {
		b.values[stageID] = map[string]float64{}
		b.stageIDs = append(b.stageIDs, stageID)
	}
	if !containsString(b.inputIDs, inputID) {
		b.inputIDs = append(b.inputIDs, inputID)
	}
	b.values[stageID][inputID] = value
}

// Get retrieves the value at (stageID, inputID) and whether it is
// present.
func (b *Benchmark) Get(stageID, inputID string) (float64, bool) {
	row, ok := b.values[stageID]
	if !ok {
		return 0, false
	}
	v, ok := row[inputID]
	return v, ok
}

// Retain restricts the table to the given stage/input ids, preserving the
// relative order they already appear in.
func (b *Benchmark) Retain(stageIDs, inputIDs []string) {
	wantStages := toSet(stageIDs)
	wantInputs := toSet(inputIDs)

	var keptStages []string
	for _, id := range b.stageIDs {
		if _, ok := wantStages[id]; ok {
			keptStages = append(keptStages, id)
		}
	}
	var keptInputs []string
	for _, id := range b.inputIDs {
		if _, ok := wantInputs[id]; ok {
			keptInputs = append(keptInputs, id)
		}
	}

	newValues := make(map[string]map[string]float64, len(keptStages))
	for _, stageID := range keptStages {
		row := map[string]float64{}
		for _, inputID := range keptInputs {
			if v, ok := b.values[stageID][inputID]; ok {
				row[inputID] = v
			}
		}
		newValues[stageID] = row
	}
	b.stageIDs = keptStages
	b.inputIDs = keptInputs
	b.values = newValues
}

// Save persists the table to FilePath as CSV, with stage ids as rows and
// input ids as columns (matching DataFrame.to_csv's orientation).
func (b *Benchmark) Save() error {
	f, err := os.Create(b.FilePath)
	if err != nil {
		return fmt.Errorf("benchmark: creating %s: %w", b.FilePath, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{""}, b.inputIDs...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("benchmark: writing header: %w", err)
	}
	for _, stageID := range b.stageIDs {
		row := make([]string, 0, len(b.inputIDs)+1)
		row = append(row, stageID)
		for _, inputID := range b.inputIDs {
			if v, ok := b.values[stageID][inputID]; ok {
				row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("benchmark: writing row %s: %w", stageID, err)
		}
	}
	w.Flush()
	return w.Error()
}

// Equal reports whether two benchmarks hold the same values (ignoring row
// and column ordering, matching a DataFrame equality check's intent of
// comparing contents).
func (b *Benchmark) Equal(other *Benchmark) bool {
	if other == nil {
		return false
	}
	if len(b.values) != len(other.values) {
		return false
	}
	for stageID, row := range b.values {
		otherRow, ok := other.values[stageID]
		if !ok || len(row) != len(otherRow) {
			return false
		}
		for inputID, v := range row {
			ov, ok := otherRow[inputID]
			if !ok || ov != v {
				return false
			}
		}
	}
	return true
}

func containsString(items []string, target string) bool {
	for _, i := range items {
		if i == target {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}
