package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"riskdesk/internal/domain"
)

// Compile-time interface check.
var _ ExecutionArchive = (*ParquetArchive)(nil)

// ParquetArchive implements ExecutionArchive using one Parquet file per
// trading day.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a new ParquetArchive rooted at the given data
// directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// ExecutionRecord is the Parquet schema for aggregated executions.
type ExecutionRecord struct {
	PermID           string  `parquet:"perm_id"`
	Symbol           string  `parquet:"symbol"`
	Side             string  `parquet:"side"`
	Shares           float64 `parquet:"shares"`
	AvgPrice         float64 `parquet:"avg_price"`
	AdjustedAvgPrice float64 `parquet:"adjusted_avg_price"`
	Commission       float64 `parquet:"commission"`
	Timestamp        int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	OpensPosition    bool    `parquet:"opens_position"`
}

// Append merges fills into <DataDir>/executions/<day>.parquet. Records with
// the same perm id are replaced by the incoming ones.
func (a *ParquetArchive) Append(_ context.Context, day string, fills []domain.AggregatedFill) error {
	if len(fills) == 0 {
		return nil
	}
	records := make([]ExecutionRecord, 0, len(fills))
	for _, f := range fills {
		records = append(records, ExecutionRecord{
			PermID:           f.PermID,
			Symbol:           f.Symbol,
			Side:             string(f.Side),
			Shares:           f.Shares,
			AvgPrice:         f.AvgPrice,
			AdjustedAvgPrice: f.AdjustedAvgPrice,
			Commission:       f.Commission,
			Timestamp:        f.Time.UnixMilli(),
			OpensPosition:    f.OpensPosition,
		})
	}

	path := a.dayPath(day)
	existing, err := readParquetFile[ExecutionRecord](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading archive %s: %w", day, err)
	}
	merged := mergeExecutionRecords(existing, records)

	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing archive %s: %w", day, err)
	}
	return nil
}

// Read returns the archived fills of day, oldest first. A missing day yields
// no fills.
func (a *ParquetArchive) Read(_ context.Context, day string) ([]domain.AggregatedFill, error) {
	records, err := readParquetFile[ExecutionRecord](a.dayPath(day))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.AggregatedFill, 0, len(records))
	for _, r := range records {
		out = append(out, domain.AggregatedFill{
			PermID:           r.PermID,
			Symbol:           r.Symbol,
			Side:             domain.Side(r.Side),
			Shares:           r.Shares,
			AvgPrice:         r.AvgPrice,
			AdjustedAvgPrice: r.AdjustedAvgPrice,
			Commission:       r.Commission,
			Time:             time.UnixMilli(r.Timestamp).UTC(),
			OpensPosition:    r.OpensPosition,
		})
	}
	return out, nil
}

func (a *ParquetArchive) dayPath(day string) string {
	return filepath.Join(a.DataDir, "executions", day+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeExecutionRecords deduplicates by perm id, preferring incoming records,
// and keeps an opening flag once set.
func mergeExecutionRecords(existing, incoming []ExecutionRecord) []ExecutionRecord {
	seen := make(map[string]ExecutionRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.PermID] = r
	}
	for _, r := range incoming {
		if old, ok := seen[r.PermID]; ok && old.OpensPosition {
			r.OpensPosition = true
		}
		seen[r.PermID] = r
	}

	merged := make([]ExecutionRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].PermID < merged[j].PermID
	})
	return merged
}
