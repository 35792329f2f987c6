package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"hubstock/internal/esi"
)

// UpsertHistory merges daily history points keyed by (date, type_id).
// Re-fetching an overlapping window updates in place and never duplicates
// a day.
func (s *Store) UpsertHistory(points []esi.HistoryPoint, nameOf func(int32) string, ts time.Time) error {
	return s.withRetry("upsert history", func() error {
		tx, err := s.sql.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO market_history
				(date, type_id, type_name, average, highest, lowest, order_count, volume, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, type_id) DO UPDATE SET
				type_name   = excluded.type_name,
				average     = excluded.average,
				highest     = excluded.highest,
				lowest      = excluded.lowest,
				order_count = excluded.order_count,
				volume      = excluded.volume,
				timestamp   = excluded.timestamp`)
		if err != nil {
			return fmt.Errorf("prepare history upsert: %w", err)
		}
		defer stmt.Close()

		stamp := ts.UTC().Format(time.RFC3339)
		for _, p := range points {
			name := ""
			if nameOf != nil {
				name = nameOf(p.TypeID)
			}
			if _, err := stmt.Exec(p.Date, p.TypeID, name, p.Average, p.Highest, p.Lowest, p.OrderCount, p.Volume, stamp); err != nil {
				return fmt.Errorf("upsert history point: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		log.Debug().Int("points", len(points)).Msg("history merged")
		return nil
	})
}

// ReadHistory returns the trailing window of daily points, inclusive of the
// cutoff date, ordered by type then date.
func (s *Store) ReadHistory(days int, now time.Time) ([]esi.HistoryPoint, error) {
	cutoff := now.UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := s.sql.Query(`
		SELECT date, type_id, average, highest, lowest, order_count, volume
		  FROM market_history
		 WHERE date >= ?
		 ORDER BY type_id, date`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var out []esi.HistoryPoint
	for rows.Next() {
		var p esi.HistoryPoint
		if err := rows.Scan(&p.Date, &p.TypeID, &p.Average, &p.Highest, &p.Lowest, &p.OrderCount, &p.Volume); err != nil {
			return nil, fmt.Errorf("scan history point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneHistory drops points older than the retention window. Optional
// maintenance; nothing in the cycle depends on it.
func (s *Store) PruneHistory(retainDays int, now time.Time) (int64, error) {
	cutoff := now.UTC().AddDate(0, 0, -retainDays).Format("2006-01-02")
	res, err := s.sql.Exec("DELETE FROM market_history WHERE date < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
