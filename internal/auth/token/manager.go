package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/hostaway-sync/internal/db"
	"github.com/pysugar/hostaway-sync/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// Scope requested for every PMS access token.
const Scope = "general"

var (
	// ErrMissingCredentials means no client secret is on file for the account.
	ErrMissingCredentials = errors.New("no client secret on file")
	// ErrNoAccessToken means the token endpoint answered without a token.
	ErrNoAccessToken = errors.New("token endpoint returned no access_token")
	// ErrInvalidCredentials means the token endpoint rejected the secret.
	ErrInvalidCredentials = errors.New("client credentials rejected")
)

// CredentialStore is the persisted side of the token lifecycle.
type CredentialStore interface {
	Credentials(ctx context.Context, accountID int64) (db.Credentials, error)
	UpdateAccessToken(ctx context.Context, accountID int64, token string) error
}

// Manager hands out PMS access tokens per account. Tokens are served from
// the cache, then from the store, and exchanged for new ones only when
// neither has a usable token.
type Manager struct {
	store      CredentialStore
	cache      *Cache
	flights    singleflight.Group
	tokenURL   string
	httpClient *http.Client
	log        *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.httpClient = c } }
func WithLogger(l *zap.Logger) Option      { return func(m *Manager) { m.log = l } }
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a token manager. tokenURL is the PMS accessTokens endpoint.
func NewManager(store CredentialStore, cache *Cache, tokenURL string, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		cache:      cache,
		tokenURL:   tokenURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetToken returns a usable token for the account.
func (m *Manager) GetToken(ctx context.Context, accountID int64) (string, error) {
	if tok, ok := m.cache.Get(accountID); ok && tok != "" {
		m.metrics.TokenCacheHit()
		return tok, nil
	}
	m.metrics.TokenCacheMiss()

	creds, err := m.store.Credentials(ctx, accountID)
	if err != nil {
		return "", err
	}
	if creds.AccessToken != "" {
		m.cache.Set(accountID, creds.AccessToken)
		m.log.Debug("loaded persisted access token", zap.Int64("account_id", accountID))
		return creds.AccessToken, nil
	}
	return m.RefreshToken(ctx, accountID)
}

// RefreshToken exchanges the client secret for a new token regardless of
// what is cached. Concurrent refreshes of one account share one exchange.
func (m *Manager) RefreshToken(ctx context.Context, accountID int64) (string, error) {
	m.cache.Delete(accountID)
	return m.refresh(ctx, accountID, "")
}

// GetOrRefresh returns the current token unless it is empty or equal to
// prev, the token the caller just saw rejected. A different token persisted
// by another instance is adopted; otherwise a new token is exchanged.
// Callers racing on the same rejected token trigger one exchange.
func (m *Manager) GetOrRefresh(ctx context.Context, accountID int64, prev string) (string, error) {
	if prev == "" {
		return m.GetToken(ctx, accountID)
	}
	if tok, ok := m.cache.Get(accountID); ok && tok != "" && tok != prev {
		m.metrics.TokenCacheHit()
		return tok, nil
	}
	return m.refresh(ctx, accountID, prev)
}

// Invalidate drops the cached token of the account.
func (m *Manager) Invalidate(accountID int64) {
	m.cache.Delete(accountID)
}

func (m *Manager) refresh(ctx context.Context, accountID int64, prev string) (string, error) {
	key := strconv.FormatInt(accountID, 10)
	v, err, shared := m.flights.Do(key, func() (interface{}, error) {
		// A flight that finished just before this one may already have
		// replaced the rejected token.
		if prev != "" {
			if tok, ok := m.cache.Get(accountID); ok && tok != "" && tok != prev {
				return tok, nil
			}
		}
		creds, err := m.store.Credentials(ctx, accountID)
		if err != nil {
			m.metrics.TokenRefresh("error")
			return "", err
		}
		if prev != "" && creds.AccessToken != "" && creds.AccessToken != prev {
			m.cache.Set(accountID, creds.AccessToken)
			m.log.Info("adopted access token persisted by another instance",
				zap.Int64("account_id", accountID),
				zap.String("token", MaskToken(creds.AccessToken)))
			return creds.AccessToken, nil
		}
		return m.exchange(ctx, accountID, creds)
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.log.Debug("joined in-flight token refresh", zap.Int64("account_id", accountID))
	}
	return v.(string), nil
}

func (m *Manager) exchange(ctx context.Context, accountID int64, creds db.Credentials) (string, error) {
	if creds.ClientSecret == "" {
		m.metrics.TokenRefresh("error")
		return "", fmt.Errorf("account %d: %w", accountID, ErrMissingCredentials)
	}

	cfg := clientcredentials.Config{
		ClientID:     strconv.FormatInt(accountID, 10),
		ClientSecret: creds.ClientSecret,
		TokenURL:     m.tokenURL,
		Scopes:       []string{Scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, m.httpClient))
	if err != nil {
		m.metrics.TokenRefresh("error")
		m.log.Error("token exchange failed", zap.Int64("account_id", accountID), zap.Error(err))
		return "", classifyExchangeError(accountID, err)
	}
	if tok.AccessToken == "" {
		m.metrics.TokenRefresh("error")
		return "", fmt.Errorf("account %d: %w", accountID, ErrNoAccessToken)
	}

	if err := m.store.UpdateAccessToken(ctx, accountID, tok.AccessToken); err != nil {
		m.metrics.TokenRefresh("error")
		return "", err
	}
	m.cache.Set(accountID, tok.AccessToken)
	m.metrics.TokenRefresh("success")

	m.log.Info("refreshed access token",
		zap.Int64("account_id", accountID),
		zap.String("token", MaskToken(tok.AccessToken)))
	return tok.AccessToken, nil
}

func classifyExchangeError(accountID int64, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "missing access_token"):
		return fmt.Errorf("account %d: %w", accountID, ErrNoAccessToken)
	case isPermanentExchangeError(msg):
		return fmt.Errorf("account %d: %w: %v", accountID, ErrInvalidCredentials, err)
	}
	return fmt.Errorf("account %d: token exchange: %w", accountID, err)
}

func isPermanentExchangeError(msg string) bool {
	for _, marker := range []string{"invalid_client", "unauthorized_client", "invalid_grant"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// MaskToken keeps only the last six characters of a token for logging.
func MaskToken(t string) string {
	if len(t) <= 6 {
		return "***"
	}
	return "..." + t[len(t)-6:]
}
