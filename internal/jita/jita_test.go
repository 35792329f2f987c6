package jita

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubstock/internal/stats"
)

const aggregateBody = `{
	"34": {"buy": {"percentile": "4.01234"}, "sell": {"percentile": "4.98765"}},
	"621": {"buy": {"percentile": "8500000"}, "sell": {"percentile": "9100000.555"}}
}`

func TestFetchParsesAggregates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10000002", r.URL.Query().Get("region"))
		assert.Equal(t, "34,621", r.URL.Query().Get("types"))
		fmt.Fprint(w, aggregateBody)
	}))
	defer srv.Close()

	a := New(srv.URL, 0, time.Second)
	prices, err := a.Fetch(context.Background(), []int32{34, 621})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.InDelta(t, 4.98765, prices[34].Sell, 1e-9)
	assert.InDelta(t, 4.01234, prices[34].Buy, 1e-9)
}

func TestEnrichRoundsAndJoins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, aggregateBody)
	}))
	defer srv.Close()

	a := New(srv.URL, 0, time.Second)
	rows := []stats.Stat{{TypeID: 34}, {TypeID: 621}, {TypeID: 9999}}
	a.Enrich(context.Background(), rows)

	assert.Equal(t, 4.99, rows[0].JitaSell)
	assert.Equal(t, 4.01, rows[0].JitaBuy)
	assert.InDelta(t, 9100000.56, rows[1].JitaSell, 0.011)

	// Unknown type stays at zero.
	assert.Zero(t, rows[2].JitaSell)
	assert.Zero(t, rows[2].JitaBuy)
}

func TestEnrichSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(srv.URL, 0, time.Second)
	rows := []stats.Stat{{TypeID: 34}}
	a.Enrich(context.Background(), rows)
	assert.Zero(t, rows[0].JitaSell)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(srv.URL, 0, time.Second)
	for i := 0; i < 5; i++ {
		_, err := a.Fetch(context.Background(), []int32{34})
		require.Error(t, err)
	}
	// After three consecutive failures the breaker short-circuits; the
	// remaining calls never reach the server.
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchBatchesLargeRequests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "{}")
	}))
	defer srv.Close()

	ids := make([]int32, 450)
	for i := range ids {
		ids[i] = int32(i + 1)
	}

	a := New(srv.URL, 0, time.Second)
	_, err := a.Fetch(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestEnrichNoRows(t *testing.T) {
	a := New("http://unused.invalid", 0, time.Second)
	a.Enrich(context.Background(), nil)
}
