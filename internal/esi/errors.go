package esi

import (
	"errors"
	"fmt"
)

// ErrRateBudgetExhausted is returned when the server-advertised error budget
// reaches zero. Continuing past this point risks an IP ban, so the fetch
// halts immediately and the cycle aborts before any write.
var ErrRateBudgetExhausted = errors.New("esi error limit exhausted")

// ErrAuth marks token acquisition or authorization failures.
var ErrAuth = errors.New("esi authentication failed")

// FetchKind classifies a FetchError for retry policy.
type FetchKind int

const (
	// KindTransient covers timeouts, 5xx and connection resets; retried up
	// to the budget, then degraded to partial data.
	KindTransient FetchKind = iota
	// KindFatal covers non-401 4xx and malformed responses; the page or
	// item is recorded as failed and the fetch continues.
	KindFatal
	// KindAuth covers 401 after a token refresh was already attempted.
	KindAuth
)

func (k FetchKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindAuth:
		return "auth"
	}
	return "unknown"
}

// FetchError describes a failed ESI request.
type FetchError struct {
	Kind       FetchKind
	Page       int
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("esi fetch %s (page %d, status %d): %v", e.Kind, e.Page, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("esi fetch %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
