package doctrine

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// FitDB is a read-only FitCatalog over the fitting editor's database. The
// schema belongs to the editor; this side only queries it.
type FitDB struct {
	sql *sql.DB
}

// OpenFitDB opens the fitting database file.
func OpenFitDB(path string) (*FitDB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open fitdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping fitdb: %w", err)
	}
	return &FitDB{sql: db}, nil
}

// NewFitDB wraps an already-open handle; used by tests.
func NewFitDB(db *sql.DB) *FitDB {
	return &FitDB{sql: db}
}

// Close closes the database connection.
func (f *FitDB) Close() error {
	return f.sql.Close()
}

// ListActiveFits returns every fit of every watched doctrine, with its
// component list. Fits named with the retirement prefix are excluded.
func (f *FitDB) ListActiveFits() ([]Fit, error) {
	rows, err := f.sql.Query(`
		SELECT ff.id, ff.name, ff.ship_type_id, COALESCE(ft.type_name, ''),
		       w.id, w.name
		  FROM watch_doctrines w
		  JOIN fittings_doctrine_fittings df ON df.doctrine_id = w.id
		  JOIN fittings_fitting ff ON ff.id = df.fitting_id
		  LEFT JOIN fittings_type ft ON ft.type_id = ff.ship_type_id
		 ORDER BY ff.id, w.id`)
	if err != nil {
		return nil, fmt.Errorf("list fits: %w", err)
	}
	defer rows.Close()

	var order []int64
	byID := make(map[int64]*Fit)
	for rows.Next() {
		var fit Fit
		if err := rows.Scan(&fit.FitID, &fit.FitName, &fit.ShipTypeID, &fit.ShipTypeName, &fit.DoctrineID, &fit.DoctrineName); err != nil {
			return nil, fmt.Errorf("scan fit: %w", err)
		}
		if fit.Retired() {
			continue
		}
		if _, ok := byID[fit.FitID]; ok {
			// A fit can belong to several watched doctrines; keep the
			// first association.
			continue
		}
		byID[fit.FitID] = &fit
		order = append(order, fit.FitID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fits: %w", err)
	}

	if len(order) == 0 {
		return nil, nil
	}

	items, err := f.sql.Query(`
		SELECT fit_id, type_id, quantity
		  FROM fittings_fittingitem
		 ORDER BY fit_id, type_id`)
	if err != nil {
		return nil, fmt.Errorf("list fit items: %w", err)
	}
	defer items.Close()

	for items.Next() {
		var fitID int64
		var c Component
		if err := items.Scan(&fitID, &c.TypeID, &c.Quantity); err != nil {
			return nil, fmt.Errorf("scan fit item: %w", err)
		}
		if fit, ok := byID[fitID]; ok {
			fit.Components = append(fit.Components, c)
		}
	}
	if err := items.Err(); err != nil {
		return nil, fmt.Errorf("list fit items: %w", err)
	}

	fits := make([]Fit, 0, len(order))
	for _, id := range order {
		fits = append(fits, *byID[id])
	}
	return fits, nil
}

// ReferencedTypes returns the distinct type ids used by any watched fit,
// hulls included.
func (f *FitDB) ReferencedTypes() ([]int32, error) {
	fits, err := f.ListActiveFits()
	if err != nil {
		return nil, err
	}
	return ReferencedTypeSet(fits), nil
}
