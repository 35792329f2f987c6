package esi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyBody(days int) string {
	out := "["
	for i := 0; i < days; i++ {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"date":"2025-06-%02d","average":10.5,"highest":12,"lowest":9,"volume":100,"order_count":5}`, i+1)
	}
	return out + "]"
}

func TestFetchHistoryStampsTypeIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "", r.Header.Get("Authorization"))
		fmt.Fprint(w, historyBody(3))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	points, tel, err := c.FetchHistory(context.Background(), []int32{34, 621}, nil, nil)
	require.NoError(t, err)
	require.Len(t, points, 6)
	assert.Equal(t, 2, tel.ItemsFetched)
	assert.Empty(t, tel.ItemsFailed)

	// Sorted by type then date, type id stamped on every point.
	assert.Equal(t, int32(34), points[0].TypeID)
	assert.Equal(t, "2025-06-01", points[0].Date)
	assert.Equal(t, int32(621), points[3].TypeID)
	assert.Equal(t, 10.5, points[0].Average)
}

func TestFetchHistoryEmptyIsNotAFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	points, tel, err := c.FetchHistory(context.Background(), []int32{34}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.Equal(t, 1, tel.ItemsEmpty)
	assert.Equal(t, 1, tel.ItemsFetched)
	// No-history types are not retried.
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchHistoryFailedItemRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type_id") == "621" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, historyBody(1))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	points, tel, err := c.FetchHistory(context.Background(), []int32{34, 621, 2048}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, points, 2)
	assert.Equal(t, []int32{621}, tel.ItemsFailed)
	assert.Equal(t, 2, tel.ItemsFetched)
}

func TestFetchHistoryHaltsOnExhaustedBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-ESI-Error-Limit-Remain", "0")
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, _, err := c.FetchHistory(context.Background(), []int32{34, 621, 2048, 30}, nil, nil)
	require.ErrorIs(t, err, ErrRateBudgetExhausted)
}

func TestFetchHistoryProgressCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, historyBody(1))
	}))
	defer srv.Close()

	var calls atomic.Int32
	progress := func(done, total int, typeID int32, typeName string) {
		calls.Add(1)
		assert.Equal(t, 2, total)
	}

	c := testClient(srv.URL)
	_, _, err := c.FetchHistory(context.Background(), []int32{34, 621}, func(int32) string { return "x" }, progress)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchHistoryNoTypes(t *testing.T) {
	c := testClient("http://unused.invalid")
	points, tel, err := c.FetchHistory(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.Zero(t, tel.ItemsFetched)
}
