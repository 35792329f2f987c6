package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Order mirrors one entry of the structure market order book.
type Order struct {
	OrderID      int64     `json:"order_id"`
	TypeID       int32     `json:"type_id"`
	Price        float64   `json:"price"`
	VolumeRemain int64     `json:"volume_remain"`
	VolumeTotal  int64     `json:"volume_total"`
	IsBuyOrder   bool      `json:"is_buy_order"`
	Issued       time.Time `json:"issued"`
	Duration     int       `json:"duration"`
	Range        string    `json:"range"`
}

// OrderTelemetry summarizes one order-book fetch for the cycle log and the
// fetch_log table.
type OrderTelemetry struct {
	PagesFetched    int
	MaxPages        int
	FailedPages     []int
	ErrorsDetected  int
	OrdersRetrieved int
	MinErrorRemain  int
	Elapsed         time.Duration
}

// FetchStructureOrders pulls the complete order book of the configured
// structure, page by page. The page total comes from the X-Pages header and
// is re-read on every response. Failed pages are retried with a fixed delay
// up to the retry budget, then recorded and skipped; the partial result is
// still usable. The fetch halts with ErrRateBudgetExhausted the moment the
// server reports no error allowance left.
func (c *Client) FetchStructureOrders(ctx context.Context, tokens TokenProvider) ([]Order, *OrderTelemetry, error) {
	start := time.Now()
	c.budget.resetCycle()

	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, nil, &FetchError{Kind: KindAuth, Err: fmt.Errorf("%w: %v", ErrAuth, err)}
	}

	tel := &OrderTelemetry{MaxPages: 1}
	var all []Order

	page := 1
	maxPages := 1
	tries := 0
	refreshedToken := false

	for page <= maxPages {
		if err := ctx.Err(); err != nil {
			return nil, tel, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, tel, err
		}

		url := fmt.Sprintf("%s/markets/structures/%d/?page=%d", c.baseURL, c.structureID, page)
		req, err := c.newRequest(ctx, url, token)
		if err != nil {
			return nil, tel, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Timeouts and resets count as one attempt on the same page.
			if ctx.Err() != nil {
				return nil, tel, ctx.Err()
			}
			tel.ErrorsDetected++
			tries++
			log.Warn().Int("page", page).Int("try", tries).Err(err).Msg("order page request failed")
			if tries <= c.maxRetries {
				if err := sleepCtx(ctx, c.retryBackoff); err != nil {
					return nil, tel, err
				}
				continue
			}
			tel.FailedPages = append(tel.FailedPages, page)
			page++
			tries = 0
			continue
		}

		if p := resp.Header.Get("X-Pages"); p != "" {
			if n, err := strconv.Atoi(p); err == nil && n > 0 {
				maxPages = n
				tel.MaxPages = n
			}
		}

		remain := c.budget.observe(resp.Header)
		if remain == 0 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.finishTelemetry(tel, all, start)
			log.Error().Int("page", page).Msg("error budget exhausted, halting order fetch")
			return nil, tel, ErrRateBudgetExhausted
		}
		if remain > 0 && remain < 10 {
			log.Warn().Int("errors_remaining", remain).Msg("approaching esi error limit")
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshedToken {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			refreshedToken = true
			token, err = tokens.Token(ctx)
			if err != nil {
				return nil, tel, &FetchError{Kind: KindAuth, Err: fmt.Errorf("%w: %v", ErrAuth, err)}
			}
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, tel, &FetchError{Kind: KindAuth, Page: page, StatusCode: resp.StatusCode, Err: ErrAuth}
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			tel.ErrorsDetected++
			tries++
			log.Warn().
				Int("page", page).
				Int("status", resp.StatusCode).
				Int("try", tries).
				Str("body", truncate(string(body), 200)).
				Msg("order page returned error status")
			if tries <= c.maxRetries {
				if err := sleepCtx(ctx, c.retryBackoff); err != nil {
					return nil, tel, err
				}
				continue
			}
			log.Error().Int("page", page).Msg("giving up on page after retry budget")
			tel.FailedPages = append(tel.FailedPages, page)
			page++
			tries = 0
			continue
		}

		var orders []Order
		err = json.NewDecoder(resp.Body).Decode(&orders)
		resp.Body.Close()
		if err != nil {
			tel.ErrorsDetected++
			log.Error().Int("page", page).Err(err).Msg("malformed order page, skipping")
			tel.FailedPages = append(tel.FailedPages, page)
			page++
			tries = 0
			continue
		}

		for i := range orders {
			orders[i].Issued = orders[i].Issued.UTC()
		}
		all = append(all, orders...)
		tel.PagesFetched++
		tries = 0
		page++
	}

	c.finishTelemetry(tel, all, start)
	log.Info().
		Int("pages", tel.PagesFetched).
		Int("max_pages", tel.MaxPages).
		Ints("failed_pages", tel.FailedPages).
		Int("orders", tel.OrdersRetrieved).
		Int("min_error_remain", tel.MinErrorRemain).
		Dur("elapsed", tel.Elapsed).
		Msg("order fetch complete")
	if len(tel.FailedPages) > 0 {
		log.Warn().Ints("failed_pages", tel.FailedPages).Msg("order book is partial this cycle")
	}
	return all, tel, nil
}

func (c *Client) finishTelemetry(tel *OrderTelemetry, orders []Order, start time.Time) {
	tel.OrdersRetrieved = len(orders)
	tel.MinErrorRemain = c.budget.min()
	tel.Elapsed = time.Since(start)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
