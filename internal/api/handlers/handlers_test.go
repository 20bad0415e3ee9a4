package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/pysugar/hostaway-sync/internal/db"
	"github.com/pysugar/hostaway-sync/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}

func seedAccount(t *testing.T, gdb *gorm.DB, id int64) {
	t.Helper()
	secret := "secret"
	if err := gdb.Create(&models.Account{AccountID: id, ClientSecret: &secret, IsActive: true}).Error; err != nil {
		t.Fatalf("seed account %d: %v", id, err)
	}
}

func seedListing(t *testing.T, gdb *gorm.DB, accountID, listingID int64) {
	t.Helper()
	row := models.Listing{ID: listingID, AccountID: accountID, RawPayload: []byte(`{"id":1}`)}
	if err := gdb.Create(&row).Error; err != nil {
		t.Fatalf("seed listing %d: %v", listingID, err)
	}
}

type fakeSync struct {
	mu    sync.Mutex
	calls []int64
	dry   []bool
	busy  bool
}

func (f *fakeSync) SyncAccountAsync(id int64, dryRun bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false
	}
	f.calls = append(f.calls, id)
	f.dry = append(f.dry, dryRun)
	return true
}

type fakeTokens struct{ invalidated []int64 }

func (f *fakeTokens) Invalidate(id int64) { f.invalidated = append(f.invalidated, id) }

type fakeSet struct{ ids map[int64]bool }

func newFakeSet() *fakeSet                                            { return &fakeSet{ids: map[int64]bool{}} }
func (f *fakeSet) Add(id int64)                                       { f.ids[id] = true }
func (f *fakeSet) Remove(id int64)                                    { delete(f.ids, id) }
func (f *fakeSet) Validate(_ context.Context, id int64) (bool, error) { return f.ids[id], nil }

type fakeWebhooks struct{ deleted [][2]int64 }

func (f *fakeWebhooks) DeleteWebhook(_ context.Context, accountID, webhookID int64) error {
	f.deleted = append(f.deleted, [2]int64{accountID, webhookID})
	return nil
}

type accountFixture struct {
	db       *gorm.DB
	store    *db.AccountStore
	sync     *fakeSync
	tokens   *fakeTokens
	cache    *fakeSet
	webhooks *fakeWebhooks
	router   http.Handler
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	gdb := newTestDB(t)
	f := &accountFixture{
		db:       gdb,
		store:    db.NewAccountStore(gdb),
		sync:     &fakeSync{},
		tokens:   &fakeTokens{},
		cache:    newFakeSet(),
		webhooks: &fakeWebhooks{},
	}
	d := AccountDeps{
		Store:    f.store,
		Sync:     f.sync,
		Tokens:   f.tokens,
		Cache:    f.cache,
		Webhooks: f.webhooks,
		DryRun:   true,
		Log:      zap.NewNop(),
	}
	r := chi.NewRouter()
	r.Post("/hostaway/accounts", CreateAccountHandler(d))
	r.Get("/hostaway/accounts/{id}", GetAccountHandler(d))
	r.Patch("/hostaway/accounts/{id}", UpdateAccountHandler(d))
	r.Delete("/hostaway/accounts/{id}", DeleteAccountHandler(d))
	r.Post("/hostaway/accounts/{id}/sync", TriggerSyncHandler(d))
	f.router = r
	return f
}

func (f *accountFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}
