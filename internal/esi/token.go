package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTokenURL is the EVE SSO token endpoint.
const DefaultTokenURL = "https://login.eveonline.com/v2/oauth/token"

// StoredToken is a persisted OAuth2 token pair.
type StoredToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenStore persists the token pair between runs. The store package
// implements it on the auth_token table.
type TokenStore interface {
	AuthToken() (*StoredToken, error)
	SaveAuthToken(*StoredToken) error
}

// SSOConfig carries the registered application credentials.
type SSOConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// StoredTokenProvider serves the current access token from the store,
// refreshing through the SSO token endpoint when it is within a minute of
// expiry. The interactive authorization-code leg is out of scope; the
// provider requires an already-granted refresh token in the store.
type StoredTokenProvider struct {
	store TokenStore
	sso   SSOConfig
	http  *http.Client

	mu sync.Mutex
}

// NewStoredTokenProvider builds a provider over the given store.
func NewStoredTokenProvider(store TokenStore, sso SSOConfig) *StoredTokenProvider {
	if sso.TokenURL == "" {
		sso.TokenURL = DefaultTokenURL
	}
	return &StoredTokenProvider{
		store: store,
		sso:   sso,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Token returns a valid access token, refreshing if needed.
func (p *StoredTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.store.AuthToken()
	if err != nil {
		return "", fmt.Errorf("%w: load token: %v", ErrAuth, err)
	}
	if tok == nil || tok.RefreshToken == "" {
		return "", fmt.Errorf("%w: no stored token, authorize the application first", ErrAuth)
	}

	// 60s buffer so a token cannot expire mid-fetch.
	if tok.AccessToken != "" && time.Now().Before(tok.ExpiresAt.Add(-60*time.Second)) {
		return tok.AccessToken, nil
	}

	log.Info().Msg("refreshing esi access token")
	refreshed, err := p.refresh(ctx, tok.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := p.store.SaveAuthToken(refreshed); err != nil {
		return "", fmt.Errorf("%w: save token: %v", ErrAuth, err)
	}
	return refreshed.AccessToken, nil
}

func (p *StoredTokenProvider) refresh(ctx context.Context, refreshToken string) (*StoredToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sso.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.sso.ClientID, p.sso.ClientSecret)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh request: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: refresh rejected with status %d", ErrAuth, resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode refresh response: %v", ErrAuth, err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing access token", ErrAuth)
	}

	tok := &StoredToken{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// StaticTokenProvider returns a fixed token; useful for tests and for
// operators who manage tokens externally.
type StaticTokenProvider string

// Token implements TokenProvider.
func (s StaticTokenProvider) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty static token", ErrAuth)
	}
	return string(s), nil
}
