package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"receiptwise/internal/audit"
	"receiptwise/internal/receipt"
)

// DefaultRefreshSkew is the margin before stated expiry at which the manager
// proactively refreshes.
const DefaultRefreshSkew = 5 * time.Minute

const tokenEndpoint = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"

// Manager hands out valid access tokens, refreshing behind a process-wide
// mutex so at most one refresh request is in flight.
type Manager struct {
	store        *Store
	clientID     string
	clientSecret string
	skew         time.Duration
	httpClient   *http.Client
	auditLog     *audit.Logger

	// now is swappable for tests.
	now func() time.Time

	refreshMu sync.Mutex
}

// NewManager wires a manager around the store. auditLog may be nil.
func NewManager(store *Store, clientID, clientSecret string, auditLog *audit.Logger) *Manager {
	return &Manager{
		store:        store,
		clientID:     clientID,
		clientSecret: clientSecret,
		skew:         DefaultRefreshSkew,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		auditLog:     auditLog,
		now:          time.Now,
	}
}

// GetValidAccessToken returns an access token guaranteed fresh for at least
// the skew margin. Callers racing into a stale bundle serialize on the
// refresh mutex; the loser re-reads and finds the winner's fresh token.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	bundle, err := m.store.Load()
	if err != nil {
		return "", err
	}
	if bundle == nil {
		return "", fmt.Errorf("no stored tokens, run auth first: %w", receipt.ErrAuthExpired)
	}
	if !bundle.Stale(m.now(), m.skew) {
		return bundle.AccessToken, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	bundle, err = m.store.Load()
	if err != nil {
		return "", err
	}
	if bundle == nil {
		return "", fmt.Errorf("no stored tokens: %w", receipt.ErrAuthExpired)
	}
	if !bundle.Stale(m.now(), m.skew) {
		return bundle.AccessToken, nil
	}

	fresh, err := m.refresh(ctx, bundle)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// ForceRefresh unconditionally exchanges the refresh token, used by the
// accounting client after a 401.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	bundle, err := m.store.Load()
	if err != nil {
		return "", err
	}
	if bundle == nil {
		return "", fmt.Errorf("no stored tokens: %w", receipt.ErrAuthExpired)
	}
	fresh, err := m.refresh(ctx, bundle)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// refresh posts the refresh grant. Callers hold refreshMu. Refresh failure
// surfaces ErrAuthExpired and is never retried automatically.
func (m *Manager) refresh(ctx context.Context, bundle *TokenBundle) (*TokenBundle, error) {
	if bundle.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token: %w", receipt.ErrAuthExpired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", bundle.RefreshToken)

	resp, err := m.postToken(ctx, form)
	if err != nil {
		if m.auditLog != nil {
			m.auditLog.EmitError("", audit.EventTokenRefresh, err, nil)
		}
		return nil, fmt.Errorf("refresh grant: %v: %w", err, receipt.ErrAuthExpired)
	}

	now := m.now()
	fresh := &TokenBundle{
		AccessToken:     resp.AccessToken,
		RefreshToken:    bundle.RefreshToken,
		AccessIssuedAt:  now,
		AccessLifetime:  resp.ExpiresIn,
		RefreshIssuedAt: bundle.RefreshIssuedAt,
		RefreshLifetime: bundle.RefreshLifetime,
		RealmID:         bundle.RealmID,
	}
	// The provider may rotate the refresh token; the new one replaces the old.
	if resp.RefreshToken != "" && resp.RefreshToken != bundle.RefreshToken {
		fresh.RefreshToken = resp.RefreshToken
		fresh.RefreshIssuedAt = now
		if resp.RefreshExpiresIn > 0 {
			fresh.RefreshLifetime = resp.RefreshExpiresIn
		}
	}

	if err := m.store.Save(fresh); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}
	if m.auditLog != nil {
		m.auditLog.Emit("", audit.EventTokenRefresh, true, map[string]any{
			"rotated": fresh.RefreshToken != bundle.RefreshToken,
		})
	}
	return fresh, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"x_refresh_token_expires_in"`
	TokenType        string `json:"token_type"`
}

func (m *Manager) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	endpoint := m.tokenEndpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	basic := base64.StdEncoding.EncodeToString([]byte(m.clientID + ":" + m.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tr, nil
}

// tokenEndpoint is overridable for tests via SetEndpoint.
var endpointOverride string

func (m *Manager) tokenEndpoint() string {
	if endpointOverride != "" {
		return endpointOverride
	}
	return tokenEndpoint
}

// SetEndpoint redirects token exchange to a test server. Tests only.
func SetEndpoint(u string) func() {
	prev := endpointOverride
	endpointOverride = u
	return func() { endpointOverride = prev }
}

// SetSkew overrides the refresh margin. Tests only.
func (m *Manager) SetSkew(d time.Duration) { m.skew = d }

// SetNow overrides the clock. Tests only.
func (m *Manager) SetNow(fn func() time.Time) { m.now = fn }

// Status summarizes token validity for the status command.
type Status struct {
	Authorized     bool      `json:"authorized"`
	AccessFresh    bool      `json:"access_fresh"`
	AccessStaleAt  time.Time `json:"access_stale_at,omitempty"`
	RefreshExpires time.Time `json:"refresh_expires,omitempty"`
	RealmID        string    `json:"realm_id,omitempty"`
}

// CheckStatus reports on the stored bundle without touching the network.
func (m *Manager) CheckStatus() (*Status, error) {
	bundle, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if bundle == nil || bundle.RefreshToken == "" {
		return &Status{}, nil
	}
	return &Status{
		Authorized:     true,
		AccessFresh:    !bundle.Stale(m.now(), m.skew),
		AccessStaleAt:  bundle.StaleAt(m.skew),
		RefreshExpires: bundle.RefreshIssuedAt.Add(time.Duration(bundle.RefreshLifetime) * time.Second),
		RealmID:        bundle.RealmID,
	}, nil
}
