package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"hubstock/internal/doctrine"
)

// ReplaceDoctrines swaps the per-fit-component availability rows in one
// transaction.
func (s *Store) ReplaceDoctrines(rows []doctrine.Row) error {
	return s.withRetry("replace doctrines", func() error {
		tx, err := s.sql.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec("DELETE FROM doctrines"); err != nil {
			return fmt.Errorf("clear doctrines: %w", err)
		}

		const cols = 21
		for start := 0; start < len(rows); start += insertChunk {
			end := start + insertChunk
			if end > len(rows) {
				end = len(rows)
			}
			chunk := rows[start:end]

			args := make([]any, 0, len(chunk)*cols)
			for _, r := range chunk {
				args = append(args,
					r.FitID, r.TypeID, r.CategoryName, r.FitName, r.ShipName,
					r.ItemName, r.Quantity, r.Stock, r.FitsOnMarket, r.DaysRemaining,
					r.PriceLowPercentile, r.AvgDailyVolume, r.AvgOfAvgPrice, r.Delta,
					r.DoctrineName, r.GroupName, r.CategoryID, r.GroupID,
					r.DoctrineID, r.ShipTypeID, r.Timestamp.UTC().Format(time.RFC3339))
			}
			q := `INSERT INTO doctrines
				(fit_id, type_id, category, fit, ship, item, qty, stock, fits, days,
				 price_low, avg_vol, avg_price, delta, doctrine, "group", cat_id,
				 grp_id, doc_id, ship_id, timestamp)
				VALUES ` + placeholders(len(chunk), cols)
			if _, err := tx.Exec(q, args...); err != nil {
				return fmt.Errorf("insert doctrines: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		log.Debug().Int("rows", len(rows)).Msg("doctrine rows replaced")
		return nil
	})
}

// ReadDoctrines returns the current availability rows ordered by fit then
// component type.
func (s *Store) ReadDoctrines() ([]doctrine.Row, error) {
	rows, err := s.sql.Query(`
		SELECT fit_id, type_id, category, fit, ship, item, qty, stock, fits, days,
		       price_low, avg_vol, avg_price, delta, doctrine, "group", cat_id,
		       grp_id, doc_id, ship_id, timestamp
		  FROM doctrines ORDER BY fit_id, type_id`)
	if err != nil {
		return nil, fmt.Errorf("read doctrines: %w", err)
	}
	defer rows.Close()

	var out []doctrine.Row
	for rows.Next() {
		var r doctrine.Row
		var ts string
		if err := rows.Scan(&r.FitID, &r.TypeID, &r.CategoryName, &r.FitName, &r.ShipName,
			&r.ItemName, &r.Quantity, &r.Stock, &r.FitsOnMarket, &r.DaysRemaining,
			&r.PriceLowPercentile, &r.AvgDailyVolume, &r.AvgOfAvgPrice, &r.Delta,
			&r.DoctrineName, &r.GroupName, &r.CategoryID, &r.GroupID,
			&r.DoctrineID, &r.ShipTypeID, &ts); err != nil {
			return nil, fmt.Errorf("scan doctrine row: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
