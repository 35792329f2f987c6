package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"hubstock/internal/stats"
)

// ReplaceStats swaps the derived per-item stats in one transaction.
func (s *Store) ReplaceStats(rows []stats.Stat) error {
	return s.withRetry("replace stats", func() error {
		tx, err := s.sql.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec("DELETE FROM market_stats"); err != nil {
			return fmt.Errorf("clear stats: %w", err)
		}

		const cols = 13
		for start := 0; start < len(rows); start += insertChunk {
			end := start + insertChunk
			if end > len(rows) {
				end = len(rows)
			}
			chunk := rows[start:end]

			args := make([]any, 0, len(chunk)*cols)
			for _, r := range chunk {
				args = append(args,
					r.TypeID, r.TotalVolumeRemain, r.MinPrice, r.PriceLowPercentile,
					r.AvgOfAvgPrice, r.AvgDailyVolume, r.GroupID, r.TypeName,
					r.GroupName, r.CategoryID, r.CategoryName, r.DaysRemaining,
					r.Timestamp.UTC().Format(time.RFC3339))
			}
			q := `INSERT INTO market_stats
				(type_id, total_volume_remain, min_price, price_low_percentile,
				 avg_of_avg_price, avg_daily_volume, group_id, type_name,
				 group_name, category_id, category_name, days_remaining, timestamp)
				VALUES ` + placeholders(len(chunk), cols)
			if _, err := tx.Exec(q, args...); err != nil {
				return fmt.Errorf("insert stats: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		log.Debug().Int("stats", len(rows)).Msg("market stats replaced")
		return nil
	})
}

// ReadStats returns the current stats table ordered by type id.
func (s *Store) ReadStats() ([]stats.Stat, error) {
	rows, err := s.sql.Query(`
		SELECT type_id, total_volume_remain, min_price, price_low_percentile,
		       avg_of_avg_price, avg_daily_volume, group_id, type_name,
		       group_name, category_id, category_name, days_remaining, timestamp
		  FROM market_stats ORDER BY type_id`)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	defer rows.Close()

	var out []stats.Stat
	for rows.Next() {
		var r stats.Stat
		var ts string
		if err := rows.Scan(&r.TypeID, &r.TotalVolumeRemain, &r.MinPrice, &r.PriceLowPercentile,
			&r.AvgOfAvgPrice, &r.AvgDailyVolume, &r.GroupID, &r.TypeName,
			&r.GroupName, &r.CategoryID, &r.CategoryName, &r.DaysRemaining, &ts); err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
