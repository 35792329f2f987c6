package store

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"hubstock/internal/catalog"
)

// ReadWatchlist returns the tracked type ids in ascending order.
func (s *Store) ReadWatchlist() ([]int32, error) {
	rows, err := s.sql.Query("SELECT type_id FROM watchlist ORDER BY type_id")
	if err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	defer rows.Close()

	var out []int32
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddWatchlistTypes inserts the given type ids into the watchlist if absent,
// denormalizing names from the catalog. Existing rows are left untouched.
func (s *Store) AddWatchlistTypes(cat *catalog.Catalog, ids []int32) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withRetry("add watchlist types", func() error {
		tx, err := s.sql.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO watchlist
				(type_id, type_name, group_id, group_name, category_id, category_name)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare watchlist insert: %w", err)
		}
		defer stmt.Close()

		added := 0
		for _, id := range ids {
			var info catalog.TypeInfo
			if cat != nil {
				info, _ = cat.Lookup(id)
			}
			res, err := stmt.Exec(id, info.TypeName, info.GroupID, info.GroupName, info.CategoryID, info.CategoryName)
			if err != nil {
				return fmt.Errorf("insert watchlist type %d: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added++
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		if added > 0 {
			log.Info().Int("added", added).Msg("watchlist extended with fit-referenced types")
		}
		return nil
	})
}

// ReadTypeCatalog loads the static type reference table.
func (s *Store) ReadTypeCatalog() ([]catalog.TypeInfo, error) {
	rows, err := s.sql.Query(`
		SELECT type_id, type_name, group_id, group_name, category_id, category_name
		  FROM type_catalog ORDER BY type_id`)
	if err != nil {
		return nil, fmt.Errorf("read type catalog: %w", err)
	}
	defer rows.Close()

	var out []catalog.TypeInfo
	for rows.Next() {
		var t catalog.TypeInfo
		if err := rows.Scan(&t.TypeID, &t.TypeName, &t.GroupID, &t.GroupName, &t.CategoryID, &t.CategoryName); err != nil {
			return nil, fmt.Errorf("scan type info: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReplaceTypeCatalog reloads the static type reference table. Used by the
// out-of-band catalog import, not the cycle.
func (s *Store) ReplaceTypeCatalog(rows []catalog.TypeInfo) error {
	return s.withRetry("replace type catalog", func() error {
		tx, err := s.sql.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec("DELETE FROM type_catalog"); err != nil {
			return fmt.Errorf("clear type catalog: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO type_catalog
				(type_id, type_name, group_id, group_name, category_id, category_name)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare type catalog insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range rows {
			if _, err := stmt.Exec(t.TypeID, t.TypeName, t.GroupID, t.GroupName, t.CategoryID, t.CategoryName); err != nil {
				return fmt.Errorf("insert type %d: %w", t.TypeID, err)
			}
		}
		return tx.Commit()
	})
}
