// Package syncer runs the per-account synchronization pipeline.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pysugar/hostaway-sync/internal/db"
	"github.com/pysugar/hostaway-sync/internal/db/models"
	"github.com/pysugar/hostaway-sync/internal/metrics"
	"github.com/pysugar/hostaway-sync/internal/normalize"
	"go.uber.org/zap"
)

// Stage names one step of an account sync.
type Stage string

const (
	StageFetchListings     Stage = "fetch_listings"
	StageWriteListings     Stage = "write_listings"
	StageFetchReservations Stage = "fetch_reservations"
	StageWriteReservations Stage = "write_reservations"
	StageFetchMessages     Stage = "fetch_messages"
	StageNormalizeMessages Stage = "normalize_messages"
	StageWriteMessages     Stage = "write_messages"
	StageMarkSynced        Stage = "mark_synced"
	StageRegisterWebhook   Stage = "register_webhook"
)

const (
	ListingsEndpoint     = "listings"
	ReservationsEndpoint = "reservations"
)

// ErrSyncInProgress is returned when the account is already being synced.
var ErrSyncInProgress = errors.New("sync already in progress")

// StageError wraps the failure of one stage.
type StageError struct {
	AccountID int64
	Stage     Stage
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("account %d: %s: %v", e.AccountID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fetcher pulls raw records from the PMS.
type Fetcher interface {
	FetchPaginated(ctx context.Context, endpoint string, accountID int64, limit int) ([]json.RawMessage, error)
	FetchMessages(ctx context.Context, accountID int64) ([]json.RawMessage, error)
}

// Writer persists normalized rows.
type Writer interface {
	UpsertListings(ctx context.Context, accountID int64, rows []models.Listing, dryRun bool) (db.WriteResult, error)
	UpsertReservations(ctx context.Context, accountID int64, rows []models.Reservation, dryRun bool) (db.WriteResult, error)
	UpsertMessageThreads(ctx context.Context, accountID int64, rows []models.MessageThread, dryRun bool) (db.WriteResult, error)
}

// AccountStore is the account bookkeeping the pipeline needs.
type AccountStore interface {
	Get(ctx context.Context, accountID int64) (*models.Account, error)
	ActiveAccountIDs(ctx context.Context) ([]int64, error)
	MarkSynced(ctx context.Context, accountID int64) error
	SetWebhookID(ctx context.Context, accountID, webhookID int64) error
}

// WebhookRegistrar subscribes an account to vendor webhooks.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, accountID int64, baseURL string) (int64, error)
}

// Report summarizes one account sync.
type Report struct {
	AccountID    int64          `json:"account_id"`
	DryRun       bool           `json:"dry_run"`
	Listings     db.WriteResult `json:"listings"`
	Reservations db.WriteResult `json:"reservations"`
	Messages     db.WriteResult `json:"messages"`
	WebhookID    *int64         `json:"webhook_id,omitempty"`
	Duration     time.Duration  `json:"duration"`
	Error        string         `json:"error,omitempty"`
	Err          error          `json:"-"`
}

// Service orchestrates account syncs.
type Service struct {
	fetcher        Fetcher
	writer         Writer
	accounts       AccountStore
	webhooks       WebhookRegistrar
	webhookBaseURL string
	pageLimit      int
	log            *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time

	mu       sync.Mutex
	inFlight map[int64]struct{}
	wg       sync.WaitGroup
	baseCtx  context.Context
}

type Option func(*Service)

// WithWebhooks enables webhook registration after an account's first
// successful sync.
func WithWebhooks(r WebhookRegistrar, baseURL string) Option {
	return func(s *Service) {
		s.webhooks = r
		s.webhookBaseURL = baseURL
	}
}

func WithLogger(l *zap.Logger) Option       { return func(s *Service) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithPageLimit(n int) Option            { return func(s *Service) { s.pageLimit = n } }
func WithBaseContext(ctx context.Context) Option {
	return func(s *Service) { s.baseCtx = ctx }
}

func NewService(fetcher Fetcher, writer Writer, accounts AccountStore, opts ...Option) *Service {
	s := &Service{
		fetcher:   fetcher,
		writer:    writer,
		accounts:  accounts,
		pageLimit: 100,
		log:       zap.NewNop(),
		now:       time.Now,
		inFlight:  make(map[int64]struct{}),
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncAccount runs the full pipeline for one account. Stages run in order and
// the first failing stage aborts the run.
func (s *Service) SyncAccount(ctx context.Context, accountID int64, dryRun bool) (Report, error) {
	if !s.acquire(accountID) {
		return Report{AccountID: accountID, DryRun: dryRun}, fmt.Errorf("account %d: %w", accountID, ErrSyncInProgress)
	}
	defer s.release(accountID)

	start := time.Now()
	report := Report{AccountID: accountID, DryRun: dryRun}
	err := s.run(ctx, accountID, dryRun, &report)
	report.Duration = time.Since(start)
	report.Err = err

	status := "success"
	if err != nil {
		status = "error"
		report.Error = err.Error()
	}
	s.metrics.ObservePoll(accountID, status, report.Duration)
	return report, err
}

func (s *Service) run(ctx context.Context, accountID int64, dryRun bool, report *Report) error {
	log := s.log.With(zap.Int64("account_id", accountID), zap.Bool("dry_run", dryRun))
	log.Info("starting sync")

	stage := func(st Stage, fn func() error) error {
		log.Debug("stage started", zap.String("stage", string(st)))
		if err := fn(); err != nil {
			log.Error("stage failed", zap.String("stage", string(st)), zap.Error(err))
			return &StageError{AccountID: accountID, Stage: st, Err: err}
		}
		return nil
	}

	var rawListings, rawReservations, rawMessages []json.RawMessage
	var threads []models.MessageThread

	steps := []struct {
		stage Stage
		fn    func() error
	}{
		{StageFetchListings, func() (err error) {
			rawListings, err = s.fetcher.FetchPaginated(ctx, ListingsEndpoint, accountID, s.pageLimit)
			return err
		}},
		{StageWriteListings, func() (err error) {
			rows, skipped := normalize.Listings(accountID, rawListings, s.now())
			report.Listings, err = s.writer.UpsertListings(ctx, accountID, rows, dryRun)
			report.Listings.Received = len(rawListings)
			report.Listings.Skipped += skipped
			s.metrics.AddRecords(accountID, "listings", report.Listings.Written)
			return err
		}},
		{StageFetchReservations, func() (err error) {
			rawReservations, err = s.fetcher.FetchPaginated(ctx, ReservationsEndpoint, accountID, s.pageLimit)
			return err
		}},
		{StageWriteReservations, func() (err error) {
			rows, skipped := normalize.Reservations(accountID, rawReservations, s.now())
			report.Reservations, err = s.writer.UpsertReservations(ctx, accountID, rows, dryRun)
			report.Reservations.Received = len(rawReservations)
			report.Reservations.Skipped += skipped
			s.metrics.AddRecords(accountID, "reservations", report.Reservations.Written)
			return err
		}},
		{StageFetchMessages, func() (err error) {
			rawMessages, err = s.fetcher.FetchMessages(ctx, accountID)
			return err
		}},
		{StageNormalizeMessages, func() error {
			threads = normalize.Messages(accountID, rawMessages, s.now())
			return nil
		}},
		{StageWriteMessages, func() (err error) {
			report.Messages, err = s.writer.UpsertMessageThreads(ctx, accountID, threads, dryRun)
			s.metrics.AddRecords(accountID, "messages", report.Messages.Written)
			return err
		}},
	}
	for _, step := range steps {
		if err := stage(step.stage, step.fn); err != nil {
			return err
		}
	}

	if dryRun {
		log.Info("dry run complete",
			zap.Int("listings", report.Listings.Received),
			zap.Int("reservations", report.Reservations.Received),
			zap.Int("threads", len(threads)))
		return nil
	}

	if err := stage(StageMarkSynced, func() error { return s.accounts.MarkSynced(ctx, accountID) }); err != nil {
		return err
	}
	report.WebhookID = s.registerWebhook(ctx, log, accountID)

	log.Info("sync complete",
		zap.Int64("listings_written", report.Listings.Written),
		zap.Int64("reservations_written", report.Reservations.Written),
		zap.Int64("threads_written", report.Messages.Written))
	return nil
}

// registerWebhook subscribes the account once. Failures are logged and do
// not fail the sync.
func (s *Service) registerWebhook(ctx context.Context, log *zap.Logger, accountID int64) *int64 {
	if s.webhooks == nil || s.webhookBaseURL == "" {
		return nil
	}
	acc, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		log.Warn("skipping webhook registration", zap.String("stage", string(StageRegisterWebhook)), zap.Error(err))
		return nil
	}
	if acc.WebhookID != nil {
		return acc.WebhookID
	}

	id, err := s.webhooks.RegisterWebhook(ctx, accountID, s.webhookBaseURL)
	if err != nil {
		log.Warn("webhook registration failed", zap.String("stage", string(StageRegisterWebhook)), zap.Error(err))
		return nil
	}
	if err := s.accounts.SetWebhookID(ctx, accountID, id); err != nil {
		log.Warn("failed to persist webhook id", zap.Int64("webhook_id", id), zap.Error(err))
		return nil
	}
	return &id
}

// SyncAllAccounts syncs every active account one after another. A failing
// account is logged and the loop moves on.
func (s *Service) SyncAllAccounts(ctx context.Context, dryRun bool) ([]Report, error) {
	ids, err := s.accounts.ActiveAccountIDs(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetActiveAccounts(len(ids))
	s.log.Info("syncing active accounts", zap.Int("accounts", len(ids)), zap.Bool("dry_run", dryRun))

	reports := make([]Report, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		report, err := s.SyncAccount(ctx, id, dryRun)
		if err != nil {
			s.log.Error("account sync failed", zap.Int64("account_id", id), zap.Error(err))
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// SyncAccountAsync starts a sync in the background and returns immediately.
// It reports false when the account is already being synced.
func (s *Service) SyncAccountAsync(accountID int64, dryRun bool) bool {
	if s.busy(accountID) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.SyncAccount(s.baseCtx, accountID, dryRun); err != nil && !errors.Is(err, ErrSyncInProgress) {
			s.log.Error("background sync failed", zap.Int64("account_id", accountID), zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until background syncs have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) acquire(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[accountID]; ok {
		return false
	}
	s.inFlight[accountID] = struct{}{}
	return true
}

func (s *Service) release(accountID int64) {
	s.mu.Lock()
	delete(s.inFlight, accountID)
	s.mu.Unlock()
}

func (s *Service) busy(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[accountID]
	return ok
}
