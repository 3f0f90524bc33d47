// Package token exchanges refresh tokens for provider access tokens, caches
// them in the shared store, and builds XOAUTH2 credentials for the IMAP path.
//
// Two token flavors exist per mailbox: a Graph token requested with the full
// mail-read scope, and a scope-less token for IMAP. They cache under separate
// keys because only confirmed mail-read tokens may serve the REST path.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nimbusmail/oauth-mail-gateway/internal/accounts"
	"github.com/nimbusmail/oauth-mail-gateway/internal/cache"
	"github.com/nimbusmail/oauth-mail-gateway/internal/httpclient"
	"github.com/nimbusmail/oauth-mail-gateway/internal/util"
	"golang.org/x/oauth2"
)

const (
	// GraphScope requests every permission the refresh token was consented
	// for; the provider reports the granted set back in the response.
	GraphScope = "https://graph.microsoft.com/.default"

	// MailReadScope is the capability marker that gates the REST mail path.
	MailReadScope = "https://graph.microsoft.com/Mail.Read"

	// cacheMargin is shaved off the provider-reported lifetime so a cached
	// token never expires mid-request.
	cacheMargin = 60 * time.Second
)

// MailToken is the three-way routing signal for retrieval: nil means the
// exchange failed, HasMailRead selects REST versus IMAP.
type MailToken struct {
	AccessToken string
	HasMailRead bool
}

// Manager acquires and caches provider access tokens.
type Manager struct {
	store     cache.Store
	tokenURL  string
	newClient func(httpclient.Config) (*http.Client, error)
}

// NewManager creates a token manager against the given provider token
// endpoint.
func NewManager(store cache.Store, tokenURL string) *Manager {
	return &Manager{
		store:     store,
		tokenURL:  tokenURL,
		newClient: httpclient.New,
	}
}

func graphCacheKey(address string) string { return "graph_token_" + address }
func imapCacheKey(address string) string  { return "imap_token_" + address }

// GetMailToken returns an access token for the REST mail path, or nil when
// the exchange fails (the caller falls back to IMAP). Cached tokens are
// always mail-read capable: unscoped tokens are never stored under the graph
// key.
func (m *Manager) GetMailToken(ctx context.Context, creds *accounts.Credentials, proxy httpclient.Config) *MailToken {
	key := graphCacheKey(creds.Address)
	if cached, ok, _ := m.store.Get(ctx, key); ok {
		return &MailToken{AccessToken: cached, HasMailRead: true}
	}

	resp, err := m.exchange(ctx, creds, proxy, GraphScope)
	if err != nil {
		log.Printf("⚠️ Graph token exchange failed for %s: %v", creds.Address, err)
		return nil
	}

	hasMailRead := strings.Contains(resp.Scope, MailReadScope)
	if hasMailRead {
		m.cacheToken(ctx, key, resp.AccessToken, resp.ExpiresIn)
	} else {
		log.Printf("no Mail.Read scope granted for %s, IMAP fallback expected", creds.Address)
	}

	return &MailToken{AccessToken: resp.AccessToken, HasMailRead: hasMailRead}
}

// GetIMAPToken returns a scope-less access token for the IMAP XOAUTH2
// handshake. Unlike the Graph flavor, a failure here has no fallback and is
// returned to the caller.
func (m *Manager) GetIMAPToken(ctx context.Context, creds *accounts.Credentials, proxy httpclient.Config) (string, error) {
	key := imapCacheKey(creds.Address)
	if cached, ok, _ := m.store.Get(ctx, key); ok {
		return cached, nil
	}

	httpClient, err := m.newClient(proxy)
	if err != nil {
		return "", err
	}

	// The IMAP exchange declares no scope, which x/oauth2's refresh grant
	// matches exactly.
	conf := &oauth2.Config{
		ClientID: creds.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return "", err
	}

	if ttl := time.Until(tok.Expiry) - cacheMargin; ttl > 0 {
		m.store.Set(ctx, key, tok.AccessToken, ttl)
	}
	return tok.AccessToken, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// exchange performs the refresh-token grant with an explicit scope request.
// Done by hand because the x/oauth2 refresh grant cannot carry a scope
// parameter, and the granted scope string in the response is what routes
// between REST and IMAP.
func (m *Manager) exchange(ctx context.Context, creds *accounts.Credentials, proxy httpclient.Config, scope string) (*tokenResponse, error) {
	httpClient, err := m.newClient(proxy)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"client_id":     {creds.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
		"scope":         {scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Body: util.TruncateBytes(body)}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (m *Manager) cacheToken(ctx context.Context, key, accessToken string, expiresIn int) {
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	ttl := time.Duration(expiresIn)*time.Second - cacheMargin
	if ttl <= 0 {
		return
	}
	m.store.Set(ctx, key, accessToken, ttl)
}

// ExchangeError is a non-2xx response from the token endpoint.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}
