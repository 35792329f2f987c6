package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// HistoryPoint is one day of aggregated trade statistics for one type.
// The endpoint does not echo the type id; the fetcher stamps it.
type HistoryPoint struct {
	Date       string  `json:"date"`
	TypeID     int32   `json:"-"`
	Average    float64 `json:"average"`
	Highest    float64 `json:"highest"`
	Lowest     float64 `json:"lowest"`
	Volume     int64   `json:"volume"`
	OrderCount int64   `json:"order_count"`
}

// HistoryProgress is called after each item completes, for UI or log.
type HistoryProgress func(done, total int, typeID int32, typeName string)

// HistoryTelemetry summarizes a history fetch.
type HistoryTelemetry struct {
	ItemsFetched int
	ItemsFailed  []int32
	ItemsEmpty   int
}

// FetchHistory pulls daily history for every type id, with bounded
// parallelism. Items that keep failing after the retry budget are skipped and
// reported in the telemetry; an empty response means the type has no trade
// history and is not retried. The rate-budget halt rule applies: if any
// response reports a drained error budget the whole fetch stops.
func (c *Client) FetchHistory(ctx context.Context, typeIDs []int32, nameOf func(int32) string, progress HistoryProgress) ([]HistoryPoint, *HistoryTelemetry, error) {
	tel := &HistoryTelemetry{}
	if len(typeIDs) == 0 {
		return nil, tel, nil
	}

	var (
		mu   sync.Mutex
		all  []HistoryPoint
		done atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, id := range typeIDs {
		id := id
		g.Go(func() error {
			entries, err := c.fetchTypeHistory(gctx, id)
			n := int(done.Add(1))
			if progress != nil {
				name := ""
				if nameOf != nil {
					name = nameOf(id)
				}
				progress(n, len(typeIDs), id, name)
			}
			if err != nil {
				if gctx.Err() != nil || err == ErrRateBudgetExhausted {
					return err
				}
				log.Warn().Int32("type_id", id).Err(err).Msg("history item failed, skipping")
				mu.Lock()
				tel.ItemsFailed = append(tel.ItemsFailed, id)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			if len(entries) == 0 {
				tel.ItemsEmpty++
			} else {
				all = append(all, entries...)
			}
			tel.ItemsFetched++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, tel, err
	}

	// Deterministic ordering for downstream writes and tests; the data is
	// keyed by (date, type_id) so order carries no meaning.
	sort.Slice(all, func(i, j int) bool {
		if all[i].TypeID != all[j].TypeID {
			return all[i].TypeID < all[j].TypeID
		}
		return all[i].Date < all[j].Date
	})
	sort.Slice(tel.ItemsFailed, func(i, j int) bool { return tel.ItemsFailed[i] < tel.ItemsFailed[j] })
	return all, tel, nil
}

// fetchTypeHistory gets the daily aggregates for one type, retrying
// transient failures with the client's fixed delay.
func (c *Client) fetchTypeHistory(ctx context.Context, typeID int32) ([]HistoryPoint, error) {
	url := fmt.Sprintf("%s/markets/%d/history/?type_id=%d", c.baseURL, c.regionID, typeID)

	for tries := 0; ; tries++ {
		if c.budget.isExhausted() {
			return nil, ErrRateBudgetExhausted
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := c.newRequest(ctx, url, "")
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if tries < c.maxRetries {
				if err := sleepCtx(ctx, c.retryBackoff); err != nil {
					return nil, err
				}
				continue
			}
			return nil, &FetchError{Kind: KindTransient, Err: err}
		}

		if c.budget.observe(resp.Header) == 0 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, ErrRateBudgetExhausted
		}

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if tries < c.maxRetries {
				if err := sleepCtx(ctx, c.retryBackoff); err != nil {
					return nil, err
				}
				continue
			}
			return nil, &FetchError{Kind: KindFatal, StatusCode: resp.StatusCode, Err: fmt.Errorf("history status %d", resp.StatusCode)}
		}

		var entries []HistoryPoint
		err = json.NewDecoder(resp.Body).Decode(&entries)
		resp.Body.Close()
		if err != nil {
			return nil, &FetchError{Kind: KindFatal, Err: err}
		}
		for i := range entries {
			entries[i].TypeID = typeID
		}
		return entries, nil
	}
}
