package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:        baseURL,
		UserAgent:      "hubstock-test",
		StructureID:    1035466617946,
		RegionID:       10000003,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
		Concurrency:    4,
	})
}

func pageOrders(page int) []Order {
	return []Order{
		{OrderID: int64(page*10 + 1), TypeID: 34, Price: 5, VolumeRemain: 100},
		{OrderID: int64(page*10 + 2), TypeID: 621, Price: 9e6, VolumeRemain: 3, IsBuyOrder: true},
	}
}

func TestFetchStructureOrdersPagination(t *testing.T) {
	const pages = 3
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "hubstock-test", r.Header.Get("User-Agent"))

		page := r.URL.Query().Get("page")
		w.Header().Set("X-Pages", fmt.Sprint(pages))
		w.Header().Set("X-ESI-Error-Limit-Remain", "100")
		var n int
		fmt.Sscanf(page, "%d", &n)
		json.NewEncoder(w).Encode(pageOrders(n))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	orders, tel, err := c.FetchStructureOrders(context.Background(), StaticTokenProvider("tok"))
	require.NoError(t, err)
	assert.Len(t, orders, pages*2)
	assert.Equal(t, pages, tel.PagesFetched)
	assert.Equal(t, pages, tel.MaxPages)
	assert.Empty(t, tel.FailedPages)
	assert.Equal(t, pages*2, tel.OrdersRetrieved)
	assert.Equal(t, 100, tel.MinErrorRemain)
	assert.Equal(t, int32(pages), hits.Load())
}

func TestFetchStructureOrdersFailedPageRecordedAndSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pages", "3")
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var n int
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &n)
		json.NewEncoder(w).Encode(pageOrders(n))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	orders, tel, err := c.FetchStructureOrders(context.Background(), StaticTokenProvider("tok"))
	require.NoError(t, err)

	// Pages 1 and 3 delivered, page 2 gave up after the retry budget.
	assert.Len(t, orders, 4)
	assert.Equal(t, 2, tel.PagesFetched)
	assert.Equal(t, []int{2}, tel.FailedPages)
	assert.Equal(t, 3, tel.ErrorsDetected)
}

func TestFetchStructureOrdersHaltsOnExhaustedBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-Pages", "5")
		w.Header().Set("X-ESI-Error-Limit-Remain", "0")
		w.Header().Set("X-ESI-Error-Limit-Reset", "42")
		json.NewEncoder(w).Encode(pageOrders(1))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	orders, _, err := c.FetchStructureOrders(context.Background(), StaticTokenProvider("tok"))
	require.ErrorIs(t, err, ErrRateBudgetExhausted)
	assert.Nil(t, orders)
	assert.Equal(t, int32(1), hits.Load())
}

type countingTokens struct {
	calls atomic.Int32
}

func (c *countingTokens) Token(context.Context) (string, error) {
	if c.calls.Add(1) == 1 {
		return "stale", nil
	}
	return "fresh", nil
}

func TestFetchStructureOrdersRefreshesTokenOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-Pages", "1")
		json.NewEncoder(w).Encode(pageOrders(1))
	}))
	defer srv.Close()

	tokens := &countingTokens{}
	c := testClient(srv.URL)
	orders, _, err := c.FetchStructureOrders(context.Background(), tokens)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, int32(2), tokens.calls.Load())
}

func TestFetchStructureOrdersAuthErrorAfterRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, _, err := c.FetchStructureOrders(context.Background(), StaticTokenProvider("tok"))
	require.ErrorIs(t, err, ErrAuth)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindAuth, fe.Kind)
}

func TestFetchStructureOrdersMalformedPageSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pages", "2")
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, `{"not": "a list"`)
			return
		}
		json.NewEncoder(w).Encode(pageOrders(2))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	orders, tel, err := c.FetchStructureOrders(context.Background(), StaticTokenProvider("tok"))
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, []int{1}, tel.FailedPages)
}

func TestFetchStructureOrdersCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pages", "1")
		json.NewEncoder(w).Encode(pageOrders(1))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(srv.URL)
	_, _, err := c.FetchStructureOrders(ctx, StaticTokenProvider("tok"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestErrorBudgetObserve(t *testing.T) {
	var b errorBudget
	b.resetCycle()

	h := http.Header{}
	assert.Equal(t, -1, b.observe(h))

	h.Set("X-ESI-Error-Limit-Remain", "50")
	assert.Equal(t, 50, b.observe(h))
	h.Set("X-ESI-Error-Limit-Remain", "7")
	assert.Equal(t, 7, b.observe(h))
	assert.Equal(t, 7, b.min())
	assert.False(t, b.isExhausted())

	h.Set("X-ESI-Error-Limit-Remain", "0")
	assert.Equal(t, 0, b.observe(h))
	assert.True(t, b.isExhausted())

	b.resetCycle()
	assert.False(t, b.isExhausted())
	assert.Equal(t, -1, b.min())
}
