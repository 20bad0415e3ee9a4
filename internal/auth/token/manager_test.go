package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/hostaway-sync/internal/db"
)

type fakeStore struct {
	mu      sync.Mutex
	secret  string
	token   string
	updates int
}

func (s *fakeStore) Credentials(_ context.Context, accountID int64) (db.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return db.Credentials{AccountID: accountID, ClientSecret: s.secret, AccessToken: s.token}, nil
}

func (s *fakeStore) UpdateAccessToken(_ context.Context, _ int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.updates++
	return nil
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// newTokenServer issues tok-1, tok-2, ... and counts exchanges.
func newTokenServer(t *testing.T, calls *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("scope") != Scope {
			t.Errorf("unexpected form: %v", r.Form)
		}
		n := atomic.AddInt64(calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":15897600}`, n)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetToken_PrefersPersistedToken(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls)
	store := &fakeStore{secret: "s", token: "persisted"}
	m := NewManager(store, NewCache(time.Hour), srv.URL)

	tok, err := m.GetToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok != "persisted" || atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("expected persisted token without exchange, got %q after %d calls", tok, calls)
	}
}

func TestGetToken_ExchangesAndWritesThrough(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls)
	store := &fakeStore{secret: "s"}
	m := NewManager(store, NewCache(time.Hour), srv.URL)

	tok, err := m.GetToken(context.Background(), 42)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok != "tok-1" || store.token != "tok-1" || store.updates != 1 {
		t.Fatalf("expected persisted tok-1, got %q (store %q, %d updates)", tok, store.token, store.updates)
	}

	// Served from cache now.
	if _, err := m.GetToken(context.Background(), 42); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected 1 exchange, got %d", calls)
	}
}

func TestExchange_SendsAccountAsClientID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("client_id") != "42" || r.Form.Get("client_secret") != "s3cret" {
			t.Errorf("unexpected credentials in form: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	m := NewManager(&fakeStore{secret: "s3cret"}, NewCache(time.Hour), srv.URL)
	if _, err := m.RefreshToken(context.Background(), 42); err != nil {
		t.Fatalf("refresh: %v", err)
	}
}

func TestGetOrRefresh_ConcurrentRejectionsRefreshOnce(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls)
	store := &fakeStore{secret: "s", token: "old"}
	m := NewManager(store, NewCache(time.Hour), srv.URL)
	ctx := context.Background()

	if tok, _ := m.GetToken(ctx, 1); tok != "old" {
		t.Fatalf("expected old token, got %q", tok)
	}

	var wg sync.WaitGroup
	results := make([]string, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetOrRefresh(ctx, 1, "old")
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i] != "tok-1" {
			t.Fatalf("worker %d got %q, want tok-1", i, results[i])
		}
	}
	if atomic.LoadInt64(&calls) != 1 || store.updateCount() != 1 {
		t.Fatalf("expected exactly one exchange and one persist, got %d exchanges, %d persists", calls, store.updateCount())
	}
}

func TestGetOrRefresh_ReturnsCurrentWhenDifferent(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls)
	m := NewManager(&fakeStore{secret: "s", token: "fresh"}, NewCache(time.Hour), srv.URL)

	tok, err := m.GetOrRefresh(context.Background(), 1, "")
	if err != nil || tok != "fresh" {
		t.Fatalf("expected fresh, got %q, %v", tok, err)
	}
	tok, err = m.GetOrRefresh(context.Background(), 1, "stale")
	if err != nil || tok != "fresh" {
		t.Fatalf("expected fresh, got %q, %v", tok, err)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("unexpected exchange")
	}
}

func TestGetOrRefresh_AdoptsTokenPersistedByAnotherInstance(t *testing.T) {
	tests := []struct {
		name       string
		invalidate bool
	}{
		{name: "stale cache entry"},
		{name: "cache miss", invalidate: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int64
			srv := newTokenServer(t, &calls)
			store := &fakeStore{secret: "s", token: "old"}
			ctx := context.Background()
			a := NewManager(store, NewCache(time.Hour), srv.URL)
			b := NewManager(store, NewCache(time.Hour), srv.URL)

			if tok, _ := a.GetToken(ctx, 1); tok != "old" {
				t.Fatalf("expected old token, got %q", tok)
			}
			if tok, err := b.GetOrRefresh(ctx, 1, "old"); err != nil || tok != "tok-1" {
				t.Fatalf("first instance refresh: %q, %v", tok, err)
			}
			if tt.invalidate {
				a.Invalidate(1)
			}

			tok, err := a.GetOrRefresh(ctx, 1, "old")
			if err != nil || tok != "tok-1" {
				t.Fatalf("expected persisted tok-1, got %q, %v", tok, err)
			}
			if n := atomic.LoadInt64(&calls); n != 1 || store.updateCount() != 1 {
				t.Fatalf("expected one exchange and one persist, got %d exchanges, %d persists", n, store.updateCount())
			}
			if cached, ok := a.cache.Get(1); !ok || cached != "tok-1" {
				t.Fatalf("adopted token not cached: %q", cached)
			}
		})
	}
}

func TestGetOrRefresh_PersistedTokenEqualToRejectedIsExchanged(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls)
	store := &fakeStore{secret: "s", token: "old"}
	m := NewManager(store, NewCache(time.Hour), srv.URL)

	tok, err := m.GetOrRefresh(context.Background(), 1, "old")
	if err != nil || tok != "tok-1" {
		t.Fatalf("expected tok-1, got %q, %v", tok, err)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected one exchange, got %d", calls)
	}
}

func TestRefreshToken_MissingCredentials(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls)
	m := NewManager(&fakeStore{}, NewCache(time.Hour), srv.URL)

	_, err := m.RefreshToken(context.Background(), 1)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("exchange attempted without a secret")
	}
}

func TestRefreshToken_ResponseErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "no access token", status: http.StatusOK, body: `{"token_type":"Bearer"}`, wantErr: ErrNoAccessToken},
		{name: "invalid client", status: http.StatusUnauthorized, body: `{"error":"invalid_client"}`, wantErr: ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			store := &fakeStore{secret: "s"}
			m := NewManager(store, NewCache(time.Hour), srv.URL)
			_, err := m.RefreshToken(context.Background(), 1)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if store.updates != 0 {
				t.Fatalf("failed exchange persisted a token")
			}
		})
	}
}

func TestCache_Expiry(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(1, "a")
	if tok, ok := c.Get(1); !ok || tok != "a" {
		t.Fatalf("expected hit, got %q %v", tok, ok)
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected entry to expire")
	}
	if len(c.entries) != 0 {
		t.Fatalf("expired entry not evicted")
	}
}

func TestInvalidate(t *testing.T) {
	m := NewManager(&fakeStore{}, NewCache(time.Hour), "http://unused")
	m.cache.Set(1, "a")
	m.Invalidate(1)
	if _, ok := m.cache.Get(1); ok {
		t.Fatal("token still cached after invalidate")
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("abcdefghijkl"); got != "...ghijkl" {
		t.Fatalf("unexpected mask: %s", got)
	}
	if got := MaskToken("abc"); got != "***" {
		t.Fatalf("short tokens must be fully masked, got %s", got)
	}
}
