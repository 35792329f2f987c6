// Package sink writes cycle outputs as CSV snapshots for spreadsheet
// consumers. Files are written whole each cycle and replace the previous
// snapshot.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"hubstock/internal/doctrine"
	"hubstock/internal/stats"
)

// CSVSink writes snapshot files under a fixed directory.
type CSVSink struct {
	dir string
}

// NewCSVSink creates the output directory if needed.
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &CSVSink{dir: dir}, nil
}

// WriteStats replaces the per-item stats snapshot, comparator columns
// included.
func (c *CSVSink) WriteStats(rows []stats.Stat) error {
	header := []string{
		"type_id", "total_volume_remain", "min_price", "price_low_percentile",
		"avg_of_avg_price", "avg_daily_volume", "days_remaining",
		"jita_sell", "jita_buy",
		"type_name", "group_name", "category_name", "timestamp",
	}
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			itoa32(r.TypeID), strconv.FormatInt(r.TotalVolumeRemain, 10),
			ftoa(r.MinPrice), ftoa(r.PriceLowPercentile),
			ftoa(r.AvgOfAvgPrice), ftoa(r.AvgDailyVolume), ftoa(r.DaysRemaining),
			ftoa(r.JitaSell), ftoa(r.JitaBuy),
			r.TypeName, r.GroupName, r.CategoryName,
			r.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return c.write("market_stats.csv", header, records)
}

// WriteDoctrines replaces the per-fit-component availability snapshot. The
// header uses the spreadsheet-facing column names rather than the table's.
func (c *CSVSink) WriteDoctrines(rows []doctrine.Row) error {
	header := []string{
		"fit id", "type id", "doctrine", "fit", "ship", "item", "qty",
		"stock", "fits", "delta", "days", "price 5%", "avg vol", "avg price",
		"group", "category", "timestamp",
	}
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			strconv.FormatInt(r.FitID, 10), itoa32(r.TypeID),
			r.DoctrineName, r.FitName, r.ShipName, r.ItemName,
			strconv.FormatInt(r.Quantity, 10), strconv.FormatInt(r.Stock, 10),
			strconv.FormatInt(r.FitsOnMarket, 10), strconv.FormatInt(r.Delta, 10),
			ftoa(r.DaysRemaining), ftoa(r.PriceLowPercentile),
			ftoa(r.AvgDailyVolume), ftoa(r.AvgOfAvgPrice),
			r.GroupName, r.CategoryName,
			r.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return c.write("doctrines.csv", header, records)
}

// write writes to a temp file then renames, so readers never see a partial
// snapshot.
func (c *CSVSink) write(name string, header []string, records [][]string) error {
	final := filepath.Join(c.dir, name)
	tmp, err := os.CreateTemp(c.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(records); err != nil {
		tmp.Close()
		return fmt.Errorf("write records: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	log.Debug().Str("file", final).Int("rows", len(records)).Msg("csv snapshot written")
	return nil
}

func itoa32(v int32) string {
	return strconv.FormatInt(int64(v), 10)
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
