// Package jita enriches market stats with comparator prices from the main
// trade hub, via the public market-aggregates service. Best effort: failures
// leave the comparator columns at zero and never fail a cycle.
package jita

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"hubstock/internal/stats"
)

// DefaultBaseURL is the public aggregates endpoint.
const DefaultBaseURL = "https://market.fuzzwork.co.uk"

// DefaultRegionID is The Forge, the region containing the Jita hub.
const DefaultRegionID = 10000002

// batchSize caps type ids per request to keep the query string reasonable.
const batchSize = 200

// Price is the comparator pair for one type.
type Price struct {
	Sell float64
	Buy  float64
}

// Augmenter fetches comparator prices behind a circuit breaker so a dead
// aggregates service costs one failed call per cycle, not one per batch.
type Augmenter struct {
	http     *http.Client
	baseURL  string
	regionID int
	breaker  *gobreaker.CircuitBreaker
}

// New builds an Augmenter against the public aggregates service.
func New(baseURL string, regionID int, timeout time.Duration) *Augmenter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if regionID == 0 {
		regionID = DefaultRegionID
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Augmenter{
		http:     &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(baseURL, "/"),
		regionID: regionID,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "jita-aggregates",
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
			},
		}),
	}
}

// Enrich joins comparator prices onto the given stats in place. Types the
// service does not know stay at zero. Any failure is logged and swallowed.
func (a *Augmenter) Enrich(ctx context.Context, rows []stats.Stat) {
	if len(rows) == 0 {
		return
	}
	ids := make([]int32, len(rows))
	for i, r := range rows {
		ids[i] = r.TypeID
	}

	prices, err := a.Fetch(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Msg("jita price fetch failed, comparator columns left at zero")
		return
	}

	for i := range rows {
		if p, ok := prices[rows[i].TypeID]; ok {
			rows[i].JitaSell = round2(p.Sell)
			rows[i].JitaBuy = round2(p.Buy)
		}
	}
}

// Fetch retrieves comparator prices for the given type ids, batching the
// request and short-circuiting when the breaker is open.
func (a *Augmenter) Fetch(ctx context.Context, typeIDs []int32) (map[int32]Price, error) {
	out := make(map[int32]Price, len(typeIDs))
	for start := 0; start < len(typeIDs); start += batchSize {
		end := start + batchSize
		if end > len(typeIDs) {
			end = len(typeIDs)
		}
		batch, err := a.fetchBatch(ctx, typeIDs[start:end])
		if err != nil {
			return nil, err
		}
		for id, p := range batch {
			out[id] = p
		}
	}
	return out, nil
}

func (a *Augmenter) fetchBatch(ctx context.Context, typeIDs []int32) (map[int32]Price, error) {
	res, err := a.breaker.Execute(func() (any, error) {
		return a.doFetch(ctx, typeIDs)
	})
	if err != nil {
		return nil, err
	}
	return res.(map[int32]Price), nil
}

// aggregateEntry mirrors the service's per-side percentile block; only the
// five-percent price is used.
type aggregateEntry struct {
	Buy struct {
		FivePercent float64 `json:"percentile,string"`
	} `json:"buy"`
	Sell struct {
		FivePercent float64 `json:"percentile,string"`
	} `json:"sell"`
}

func (a *Augmenter) doFetch(ctx context.Context, typeIDs []int32) (map[int32]Price, error) {
	parts := make([]string, len(typeIDs))
	for i, id := range typeIDs {
		parts[i] = strconv.Itoa(int(id))
	}
	url := fmt.Sprintf("%s/aggregates/?region=%d&types=%s", a.baseURL, a.regionID, strings.Join(parts, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aggregates request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aggregates returned status %d", resp.StatusCode)
	}

	var body map[string]aggregateEntry
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode aggregates: %w", err)
	}

	out := make(map[int32]Price, len(body))
	for key, entry := range body {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		out[int32(id)] = Price{Sell: entry.Sell.FivePercent, Buy: entry.Buy.FivePercent}
	}
	return out, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
