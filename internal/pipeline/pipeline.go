// Package pipeline orchestrates one refresh cycle: fetch orders and history,
// persist, derive stats and doctrine availability, publish snapshots.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"hubstock/internal/catalog"
	"hubstock/internal/doctrine"
	"hubstock/internal/esi"
	"hubstock/internal/stats"
)

// ErrCycleBusy is returned when a cycle is requested while one is running.
var ErrCycleBusy = errors.New("a refresh cycle is already running")

// Store is the persistence surface the cycle needs.
type Store interface {
	ReadWatchlist() ([]int32, error)
	AddWatchlistTypes(cat *catalog.Catalog, ids []int32) error
	ReplaceOrders(orders []esi.Order, nameOf func(int32) string, ts time.Time) error
	InsertFetchLog(tel *esi.OrderTelemetry, ts time.Time) error
	UpsertHistory(points []esi.HistoryPoint, nameOf func(int32) string, ts time.Time) error
	ReadHistory(days int, now time.Time) ([]esi.HistoryPoint, error)
	ReplaceStats(rows []stats.Stat) error
	ReplaceDoctrines(rows []doctrine.Row) error
}

// Fetcher is the upstream market API surface.
type Fetcher interface {
	FetchStructureOrders(ctx context.Context, tokens esi.TokenProvider) ([]esi.Order, *esi.OrderTelemetry, error)
	FetchHistory(ctx context.Context, typeIDs []int32, nameOf func(int32) string, progress esi.HistoryProgress) ([]esi.HistoryPoint, *esi.HistoryTelemetry, error)
}

// Augmenter enriches stats with comparator prices. Best effort.
type Augmenter interface {
	Enrich(ctx context.Context, rows []stats.Stat)
}

// Sink publishes the derived outputs outside the database.
type Sink interface {
	WriteStats(rows []stats.Stat) error
	WriteDoctrines(rows []doctrine.Row) error
}

// Options are the cycle knobs.
type Options struct {
	DoctrineTarget  int
	HistoryLookback int
	// FreshHistory fetches history every cycle; when false the stored
	// window is reused and only orders are refreshed.
	FreshHistory bool
}

// Runner drives refresh cycles. At most one cycle runs at a time; overlapping
// requests fail fast with ErrCycleBusy.
type Runner struct {
	store   Store
	fetcher Fetcher
	tokens  esi.TokenProvider
	fits    doctrine.FitCatalog
	catalog *catalog.Catalog
	augment Augmenter
	sink    Sink
	opts    Options

	running chan struct{}
	now     func() time.Time
}

// New wires a Runner. Augmenter, sink, and fit catalog may be nil; the
// corresponding steps are skipped.
func New(store Store, fetcher Fetcher, tokens esi.TokenProvider, fits doctrine.FitCatalog, cat *catalog.Catalog, augment Augmenter, sink Sink, opts Options) *Runner {
	r := &Runner{
		store:   store,
		fetcher: fetcher,
		tokens:  tokens,
		fits:    fits,
		catalog: cat,
		augment: augment,
		sink:    sink,
		opts:    opts,
		running: make(chan struct{}, 1),
		now:     time.Now,
	}
	return r
}

// RunCycle executes one full refresh. Abort points: rate-budget exhaustion
// and auth failure abort before any write; cancellation is honored between
// steps.
func (r *Runner) RunCycle(ctx context.Context) error {
	select {
	case r.running <- struct{}{}:
	default:
		return ErrCycleBusy
	}
	defer func() { <-r.running }()

	started := r.now().UTC()
	r.catalog.ResetMisses()

	watchlist, err := r.watchlistForCycle()
	if err != nil {
		return err
	}
	if len(watchlist) == 0 {
		return errors.New("watchlist is empty, nothing to track")
	}

	orders, tel, err := r.fetcher.FetchStructureOrders(ctx, r.tokens)
	if err != nil {
		return fmt.Errorf("fetch orders: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.store.ReplaceOrders(orders, r.catalog.Name, started); err != nil {
		return err
	}
	if err := r.store.InsertFetchLog(tel, started); err != nil {
		log.Warn().Err(err).Msg("fetch log write failed")
	}

	var histTel *esi.HistoryTelemetry
	if r.opts.FreshHistory {
		histTel, err = r.refreshHistory(ctx, watchlist)
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	history, err := r.store.ReadHistory(r.opts.HistoryLookback, started)
	if err != nil {
		return err
	}

	statRows := stats.Aggregate(orders, history, watchlist, r.catalog, started, r.opts.HistoryLookback)
	if r.augment != nil {
		r.augment.Enrich(ctx, statRows)
	}
	if err := r.store.ReplaceStats(statRows); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var docRows []doctrine.Row
	if r.fits != nil {
		fits, err := r.fits.ListActiveFits()
		if err != nil {
			return fmt.Errorf("load fits: %w", err)
		}
		docRows = doctrine.Evaluate(fits, statRows, r.opts.DoctrineTarget, r.catalog, started)
		if err := r.store.ReplaceDoctrines(docRows); err != nil {
			return err
		}
	}

	if r.sink != nil {
		if err := r.sink.WriteStats(statRows); err != nil {
			log.Warn().Err(err).Msg("stats snapshot write failed")
		}
		if docRows != nil {
			if err := r.sink.WriteDoctrines(docRows); err != nil {
				log.Warn().Err(err).Msg("doctrine snapshot write failed")
			}
		}
	}

	summary := log.Info().
		Int("orders", len(orders)).
		Int("pages", tel.PagesFetched).
		Ints("failed_pages", tel.FailedPages).
		Int("watchlist", len(watchlist)).
		Int("stats", len(statRows)).
		Int("doctrine_rows", len(docRows))
	if histTel != nil {
		summary = summary.
			Int("history_items", histTel.ItemsFetched).
			Int("history_failed", len(histTel.ItemsFailed)).
			Int("history_empty", histTel.ItemsEmpty)
	}
	summary.
		Dur("elapsed", r.now().UTC().Sub(started)).
		Msg("cycle complete")
	return nil
}

// watchlistForCycle merges the stored watchlist with every type the watched
// fits reference, persisting new entries so the next cycle's history covers
// them too.
func (r *Runner) watchlistForCycle() ([]int32, error) {
	watchlist, err := r.store.ReadWatchlist()
	if err != nil {
		return nil, err
	}

	if r.fits == nil {
		return watchlist, nil
	}
	referenced, err := r.fits.ReferencedTypes()
	if err != nil {
		return nil, fmt.Errorf("fit-referenced types: %w", err)
	}

	seen := make(map[int32]bool, len(watchlist))
	for _, id := range watchlist {
		seen[id] = true
	}
	var missing []int32
	for _, id := range referenced {
		if !seen[id] {
			missing = append(missing, id)
			seen[id] = true
			watchlist = append(watchlist, id)
		}
	}
	if len(missing) > 0 {
		if err := r.store.AddWatchlistTypes(r.catalog, missing); err != nil {
			return nil, err
		}
	}
	return watchlist, nil
}

func (r *Runner) refreshHistory(ctx context.Context, watchlist []int32) (*esi.HistoryTelemetry, error) {
	progress := func(done, total int, typeID int32, typeName string) {
		if done%50 == 0 || done == total {
			log.Info().Int("done", done).Int("total", total).Msg("history progress")
		}
	}
	points, tel, err := r.fetcher.FetchHistory(ctx, watchlist, r.catalog.Name, progress)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	if len(tel.ItemsFailed) > 0 {
		log.Warn().Int("failed", len(tel.ItemsFailed)).Msg("some history items failed, stored window reused for them")
	}
	return tel, r.store.UpsertHistory(points, r.catalog.Name, r.now().UTC())
}
