package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	authorizeURL = "https://appcenter.intuit.com/connect/oauth2"
	scope        = "com.intuit.quickbooks.accounting"
	callbackPort = ":8742"
)

// FlowStart holds the state for an in-progress authorization flow.
type FlowStart struct {
	State   string
	AuthURL string
}

// StartFlow generates the anti-forgery state and the authorization URL the
// user opens in a browser.
func (m *Manager) StartFlow(redirectURL string) (*FlowStart, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, err
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	u, err := url.Parse(authorizeURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("client_id", m.clientID)
	q.Set("response_type", "code")
	q.Set("scope", scope)
	q.Set("redirect_uri", redirectURL)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	return &FlowStart{State: state, AuthURL: u.String()}, nil
}

// CallbackResult carries the authorization code and company identifier the
// provider appends to the redirect.
type CallbackResult struct {
	Code    string
	RealmID string
}

// WaitForCallback runs a local HTTP server until the OAuth redirect arrives
// or ctx is canceled.
func WaitForCallback(ctx context.Context, expectedState string) (*CallbackResult, error) {
	resultCh := make(chan *CallbackResult, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != expectedState {
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth callback state mismatch")
			return
		}
		if errStr := q.Get("error"); errStr != "" {
			http.Error(w, "authorization failed: "+errStr, http.StatusBadRequest)
			errCh <- fmt.Errorf("authorization denied: %s", errStr)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "no code received", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth callback missing code")
			return
		}
		w.Write([]byte("Authorization complete. You can close this window and return to the terminal."))
		resultCh <- &CallbackResult{Code: code, RealmID: q.Get("realmId")}
	})

	server := &http.Server{Addr: callbackPort, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	defer server.Close()

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExchangeCode trades the authorization code for a token bundle and persists
// it.
func (m *Manager) ExchangeCode(ctx context.Context, code, redirectURL, realmID string) (*TokenBundle, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURL)

	resp, err := m.postToken(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}

	now := m.now()
	bundle := &TokenBundle{
		AccessToken:     resp.AccessToken,
		RefreshToken:    resp.RefreshToken,
		AccessIssuedAt:  now,
		AccessLifetime:  resp.ExpiresIn,
		RefreshIssuedAt: now,
		RefreshLifetime: resp.RefreshExpiresIn,
		RealmID:         realmID,
	}
	if bundle.RefreshLifetime == 0 {
		// Intuit refresh tokens last about 100 days.
		bundle.RefreshLifetime = int((100 * 24 * time.Hour).Seconds())
	}
	if err := m.store.Save(bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}
