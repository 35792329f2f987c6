package esi

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
)

type memTokenStore struct {
	tok *StoredToken
}

func (m *memTokenStore) AuthToken() (*StoredToken, error) { return m.tok, nil }
func (m *memTokenStore) SaveAuthToken(t *StoredToken) error { m.tok = t; return nil }

func TestStoredTokenProviderReusesValidToken(t *testing.T) {
	store := &memTokenStore{tok: &StoredToken{
		AccessToken:  "current",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}}
	p := NewStoredTokenProvider(store, SSOConfig{ClientID: "id", ClientSecret: "secret"})

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "current", tok)
}

func TestStoredTokenProviderRefreshesExpiredToken(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "id", user)
		assert.Equal(t, "secret", pass)
		fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"new-refresh","expires_in":1199}`)
	}))
	defer srv.Close()

	store := &memTokenStore{tok: &StoredToken{
		AccessToken:  "expired",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}
	p := NewStoredTokenProvider(store, SSOConfig{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL})

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok)
	assert.Equal(t, int32(1), hits.Load())

	// Refreshed pair persisted for the next run.
	assert.Equal(t, "new-refresh", store.tok.RefreshToken)
	assert.True(t, store.tok.ExpiresAt.After(time.Now().Add(15*time.Minute)))

	// The fresh token is served without another round trip.
	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok)
	assert.Equal(t, int32(1), hits.Load())
}

func TestStoredTokenProviderKeepsRefreshTokenWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"new-access","expires_in":1199}`)
	}))
	defer srv.Close()

	store := &memTokenStore{tok: &StoredToken{RefreshToken: "keep-me"}}
	p := NewStoredTokenProvider(store, SSOConfig{TokenURL: srv.URL})

	_, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "keep-me", store.tok.RefreshToken)
}

func TestStoredTokenProviderNoStoredToken(t *testing.T) {
	p := NewStoredTokenProvider(&memTokenStore{}, SSOConfig{})
	_, err := p.Token(context.Background())
	require.ErrorIs(t, err, ErrAuth)
}

func TestStoredTokenProviderRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := &memTokenStore{tok: &StoredToken{RefreshToken: "revoked"}}
	p := NewStoredTokenProvider(store, SSOConfig{TokenURL: srv.URL})

	_, err := p.Token(context.Background())
	require.ErrorIs(t, err, ErrAuth)
}

func TestStaticTokenProvider(t *testing.T) {
	tok, err := StaticTokenProvider("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticTokenProvider("").Token(context.Background())
	require.ErrorIs(t, err, ErrAuth)
}
