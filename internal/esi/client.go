package esi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production ESI endpoint.
const DefaultBaseURL = "https://esi.evetech.net/latest"

// TokenProvider yields a current bearer token for authenticated endpoints.
// The OAuth2 flow behind it is a collaborator; the client only ever asks for
// the current token. Implementations must be safe for concurrent use.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	UserAgent      string
	StructureID    int64
	RegionID       int32
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	Concurrency    int
}

// Client is a rate-aware ESI HTTP client for one structure's market.
type Client struct {
	http         *http.Client
	limiter      *rate.Limiter
	baseURL      string
	userAgent    string
	structureID  int64
	regionID     int32
	maxRetries   int
	retryBackoff time.Duration
	concurrency  int

	budget errorBudget
}

// NewClient creates an ESI client. ESI allows a generous request rate but a
// small error budget; the limiter paces requests well below the ceiling and
// the error budget is tracked from response headers.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 3 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Client{
		http:         &http.Client{Timeout: opts.RequestTimeout},
		limiter:      rate.NewLimiter(rate.Limit(20), 40),
		baseURL:      opts.BaseURL,
		userAgent:    opts.UserAgent,
		structureID:  opts.StructureID,
		regionID:     opts.RegionID,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		concurrency:  opts.Concurrency,
		budget:       errorBudget{minRemain: -1},
	}
}

func (c *Client) newRequest(ctx context.Context, url, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// errorBudget tracks the server-advertised error allowance across requests,
// including concurrent history fetches.
type errorBudget struct {
	mu        sync.Mutex
	minRemain int // -1 until first observation
	reset     int // seconds until the window resets, last observed
	exhausted bool
}

// observe records the budget headers from a response. Returns the remaining
// allowance (-1 when the header is absent).
func (b *errorBudget) observe(h http.Header) int {
	v := h.Get("X-ESI-Error-Limit-Remain")
	if v == "" {
		return -1
	}
	remain, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.minRemain < 0 || remain < b.minRemain {
		b.minRemain = remain
	}
	if r, err := strconv.Atoi(h.Get("X-ESI-Error-Limit-Reset")); err == nil {
		b.reset = r
	}
	if remain == 0 {
		b.exhausted = true
	}
	return remain
}

func (b *errorBudget) isExhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhausted
}

func (b *errorBudget) min() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minRemain
}

// resetCycle clears per-cycle budget state.
func (b *errorBudget) resetCycle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minRemain = -1
	b.reset = 0
	b.exhausted = false
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
