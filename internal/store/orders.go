package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"hubstock/internal/esi"
)

// ReplaceOrders swaps the full order snapshot in one transaction: readers see
// either the previous snapshot or the new one, never a mix.
func (s *Store) ReplaceOrders(orders []esi.Order, nameOf func(int32) string, ts time.Time) error {
	return s.withRetry("replace orders", func() error {
		tx, err := s.sql.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec("DELETE FROM market_order"); err != nil {
			return fmt.Errorf("clear orders: %w", err)
		}

		const cols = 9
		stamp := ts.UTC().Format(time.RFC3339)
		for start := 0; start < len(orders); start += insertChunk {
			end := start + insertChunk
			if end > len(orders) {
				end = len(orders)
			}
			chunk := orders[start:end]

			args := make([]any, 0, len(chunk)*cols)
			for _, o := range chunk {
				name := ""
				if nameOf != nil {
					name = nameOf(o.TypeID)
				}
				args = append(args,
					o.OrderID, o.TypeID, name, o.VolumeRemain, o.Price,
					o.Issued.UTC().Format(time.RFC3339), o.Duration, o.IsBuyOrder, stamp)
			}
			q := `INSERT OR REPLACE INTO market_order
				(order_id, type_id, type_name, volume_remain, price, issued, duration, is_buy_order, timestamp)
				VALUES ` + placeholders(len(chunk), cols)
			if _, err := tx.Exec(q, args...); err != nil {
				return fmt.Errorf("insert orders: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		log.Debug().Int("orders", len(orders)).Msg("order snapshot replaced")
		return nil
	})
}

// CountOrders returns the number of rows in the current snapshot.
func (s *Store) CountOrders() (int, error) {
	var n int
	if err := s.sql.QueryRow("SELECT COUNT(*) FROM market_order").Scan(&n); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// ReadOrders returns the stored snapshot, sell and buy orders both.
func (s *Store) ReadOrders() ([]esi.Order, error) {
	rows, err := s.sql.Query(`
		SELECT order_id, type_id, volume_remain, price, issued, duration, is_buy_order
		  FROM market_order ORDER BY order_id`)
	if err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	defer rows.Close()

	var out []esi.Order
	for rows.Next() {
		var o esi.Order
		var issued string
		if err := rows.Scan(&o.OrderID, &o.TypeID, &o.VolumeRemain, &o.Price, &issued, &o.Duration, &o.IsBuyOrder); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Issued, _ = time.Parse(time.RFC3339, issued)
		out = append(out, o)
	}
	return out, rows.Err()
}
