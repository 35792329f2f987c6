package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hubstock/internal/esi"
)

// InsertFetchLog appends one telemetry row for a completed order fetch.
func (s *Store) InsertFetchLog(tel *esi.OrderTelemetry, ts time.Time) error {
	failed := make([]string, len(tel.FailedPages))
	for i, p := range tel.FailedPages {
		failed[i] = strconv.Itoa(p)
	}
	_, err := s.sql.Exec(`
		INSERT INTO fetch_log
			(total_pages, max_pages, failed_pages, failed_pages_count,
			 errors_detected, orders_retrieved, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tel.PagesFetched, tel.MaxPages, strings.Join(failed, ","), len(tel.FailedPages),
		tel.ErrorsDetected, tel.OrdersRetrieved, ts.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert fetch log: %w", err)
	}
	return nil
}

// LastFetchLog returns the most recent telemetry row, or nil when the log is
// empty.
func (s *Store) LastFetchLog() (*esi.OrderTelemetry, error) {
	var tel esi.OrderTelemetry
	var failed string
	err := s.sql.QueryRow(`
		SELECT total_pages, max_pages, failed_pages, errors_detected, orders_retrieved
		  FROM fetch_log ORDER BY id DESC LIMIT 1`).
		Scan(&tel.PagesFetched, &tel.MaxPages, &failed, &tel.ErrorsDetected, &tel.OrdersRetrieved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fetch log: %w", err)
	}
	if failed != "" {
		for _, part := range strings.Split(failed, ",") {
			if p, err := strconv.Atoi(part); err == nil {
				tel.FailedPages = append(tel.FailedPages, p)
			}
		}
	}
	return &tel, nil
}
