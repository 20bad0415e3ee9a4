package db

import (
	"context"
	"fmt"

	"github.com/pysugar/hostaway-sync/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lookupChunk = 1000

var (
	listingTarget = UpsertTarget{
		Table:          "listings",
		ConflictColumn: "id",
		DistinctColumn: "raw_payload",
		TenantColumn:   "account_id",
		UpdateColumns:  []string{"raw_payload", "updated_at"},
	}
	reservationTarget = UpsertTarget{
		Table:          "reservations",
		ConflictColumn: "id",
		DistinctColumn: "raw_payload",
		TenantColumn:   "account_id",
		UpdateColumns:  []string{"listing_id", "raw_payload", "updated_at"},
	}
	messageTarget = UpsertTarget{
		Table:          "messages",
		ConflictColumn: "reservation_id",
		DistinctColumn: "raw_messages",
		TenantColumn:   "account_id",
		UpdateColumns:  []string{"raw_messages", "updated_at"},
	}
)

// WriteResult summarizes one writer call.
type WriteResult struct {
	Entity   string `json:"entity"`
	Received int    `json:"received"`
	Skipped  int    `json:"skipped"`
	Written  int64  `json:"written"`
	DryRun   bool   `json:"dry_run"`
}

// Writer persists normalized rows for one account at a time.
type Writer struct {
	db        *gorm.DB
	log       *zap.Logger
	batchSize int
}

// NewWriter creates a writer over db.
func NewWriter(db *gorm.DB, log *zap.Logger) *Writer {
	return &Writer{db: db, log: log, batchSize: defaultBatchSize}
}

// UpsertListings writes listings owned by accountID.
func (w *Writer) UpsertListings(ctx context.Context, accountID int64, rows []models.Listing, dryRun bool) (WriteResult, error) {
	res := WriteResult{Entity: "listings", Received: len(rows), DryRun: dryRun}

	valid := make([]models.Listing, 0, len(rows))
	for _, row := range rows {
		if row.ID == 0 || row.AccountID != accountID {
			res.Skipped++
			continue
		}
		valid = append(valid, row)
	}
	valid = dedupeRows(w.log, valid, func(l models.Listing) int64 { return l.ID }, res.Entity, accountID)

	if w.skipWrite(&res, accountID, len(valid)) {
		return res, nil
	}
	valid, err := dropForeign(ctx, w, &models.Listing{}, "id", accountID, valid,
		func(l models.Listing) int64 { return l.ID }, &res)
	if err != nil {
		return res, err
	}
	if len(valid) == 0 {
		return res, nil
	}

	written, err := Upsert(ctx, w.db, valid, listingTarget, w.batchSize)
	if err != nil {
		return res, err
	}
	res.Written = written
	w.logWritten(res, accountID)
	return res, nil
}

// UpsertReservations writes reservations owned by accountID. Reservations
// pointing at a listing the account does not own are dropped.
func (w *Writer) UpsertReservations(ctx context.Context, accountID int64, rows []models.Reservation, dryRun bool) (WriteResult, error) {
	res := WriteResult{Entity: "reservations", Received: len(rows), DryRun: dryRun}

	valid := make([]models.Reservation, 0, len(rows))
	for _, row := range rows {
		if row.ID == 0 || row.ListingID == 0 || row.AccountID != accountID {
			res.Skipped++
			continue
		}
		valid = append(valid, row)
	}
	valid = dedupeRows(w.log, valid, func(r models.Reservation) int64 { return r.ID }, res.Entity, accountID)

	if w.skipWrite(&res, accountID, len(valid)) {
		return res, nil
	}
	valid, err := dropForeign(ctx, w, &models.Reservation{}, "id", accountID, valid,
		func(r models.Reservation) int64 { return r.ID }, &res)
	if err != nil {
		return res, err
	}

	listingIDs := make([]int64, 0, len(valid))
	for _, row := range valid {
		listingIDs = append(listingIDs, row.ListingID)
	}
	known, err := w.ownedIDs(ctx, &models.Listing{}, "id", accountID, listingIDs)
	if err != nil {
		return res, fmt.Errorf("lookup listings: %w", err)
	}
	kept := valid[:0]
	for _, row := range valid {
		if _, ok := known[row.ListingID]; !ok {
			res.Skipped++
			w.log.Warn("dropping reservation with unknown listing",
				zap.Int64("account_id", accountID),
				zap.Int64("reservation_id", row.ID),
				zap.Int64("listing_id", row.ListingID))
			continue
		}
		kept = append(kept, row)
	}
	if len(kept) == 0 {
		return res, nil
	}

	written, err := Upsert(ctx, w.db, kept, reservationTarget, w.batchSize)
	if err != nil {
		return res, err
	}
	res.Written = written
	w.logWritten(res, accountID)
	return res, nil
}

// UpsertMessageThreads writes message threads owned by accountID. Threads of
// reservations the account does not own are dropped.
func (w *Writer) UpsertMessageThreads(ctx context.Context, accountID int64, rows []models.MessageThread, dryRun bool) (WriteResult, error) {
	res := WriteResult{Entity: "messages", Received: len(rows), DryRun: dryRun}

	valid := make([]models.MessageThread, 0, len(rows))
	for _, row := range rows {
		if row.ReservationID == 0 || row.AccountID != accountID {
			res.Skipped++
			continue
		}
		valid = append(valid, row)
	}
	valid = dedupeRows(w.log, valid, func(m models.MessageThread) int64 { return m.ReservationID }, res.Entity, accountID)

	if w.skipWrite(&res, accountID, len(valid)) {
		return res, nil
	}
	valid, err := dropForeign(ctx, w, &models.MessageThread{}, "reservation_id", accountID, valid,
		func(m models.MessageThread) int64 { return m.ReservationID }, &res)
	if err != nil {
		return res, err
	}

	reservationIDs := make([]int64, 0, len(valid))
	for _, row := range valid {
		reservationIDs = append(reservationIDs, row.ReservationID)
	}
	known, err := w.ownedIDs(ctx, &models.Reservation{}, "id", accountID, reservationIDs)
	if err != nil {
		return res, fmt.Errorf("lookup reservations: %w", err)
	}
	kept := valid[:0]
	for _, row := range valid {
		if _, ok := known[row.ReservationID]; !ok {
			res.Skipped++
			continue
		}
		kept = append(kept, row)
	}
	if len(kept) == 0 {
		return res, nil
	}

	written, err := Upsert(ctx, w.db, kept, messageTarget, w.batchSize)
	if err != nil {
		return res, err
	}
	res.Written = written
	w.logWritten(res, accountID)
	return res, nil
}

// skipWrite reports whether nothing should reach the store.
func (w *Writer) skipWrite(res *WriteResult, accountID int64, n int) bool {
	if n == 0 {
		return true
	}
	if res.DryRun {
		w.log.Info("dry run: skipping upsert",
			zap.Int64("account_id", accountID),
			zap.String("entity", res.Entity),
			zap.Int("rows", n))
		return true
	}
	return false
}

func (w *Writer) logWritten(res WriteResult, accountID int64) {
	w.log.Info("upserted rows",
		zap.Int64("account_id", accountID),
		zap.String("entity", res.Entity),
		zap.Int("received", res.Received),
		zap.Int("skipped", res.Skipped),
		zap.Int64("written", res.Written))
}

// dedupeLast keeps the last occurrence of each key. A single statement may not
// touch the same conflict key twice on Postgres.
func dedupeLast[T any](rows []T, key func(T) int64) ([]T, int) {
	last := make(map[int64]int, len(rows))
	for i, row := range rows {
		last[key(row)] = i
	}
	if len(last) == len(rows) {
		return rows, 0
	}
	out := make([]T, 0, len(last))
	for i, row := range rows {
		if last[key(row)] == i {
			out = append(out, row)
		}
	}
	return out, len(rows) - len(out)
}

func dedupeRows[T any](log *zap.Logger, rows []T, key func(T) int64, entity string, accountID int64) []T {
	out, dropped := dedupeLast(rows, key)
	if dropped > 0 {
		log.Warn("duplicate ids in batch, keeping last occurrence",
			zap.Int64("account_id", accountID),
			zap.String("entity", entity),
			zap.Int("dropped", dropped))
	}
	return out
}

// dropForeign removes rows whose key is already stored under another
// account. The upsert itself also refuses such rows; checking first lets them
// be counted as skipped.
func dropForeign[T any](ctx context.Context, w *Writer, model interface{}, column string, accountID int64,
	rows []T, key func(T) int64, res *WriteResult) ([]T, error) {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, key(row))
	}
	foreign, err := w.lookupIDs(ctx, model, column, "account_id <> ?", accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup %s owners: %w", res.Entity, err)
	}
	if len(foreign) == 0 {
		return rows, nil
	}
	kept := rows[:0]
	for _, row := range rows {
		if _, taken := foreign[key(row)]; taken {
			res.Skipped++
			w.log.Warn("dropping row owned by another account",
				zap.Int64("account_id", accountID),
				zap.String("entity", res.Entity),
				zap.Int64("id", key(row)))
			continue
		}
		kept = append(kept, row)
	}
	return kept, nil
}

// ownedIDs returns the subset of ids present in model's table for accountID.
func (w *Writer) ownedIDs(ctx context.Context, model interface{}, column string, accountID int64, ids []int64) (map[int64]struct{}, error) {
	return w.lookupIDs(ctx, model, column, "account_id = ?", accountID, ids)
}

// lookupIDs returns the subset of ids whose rows satisfy tenantCond.
func (w *Writer) lookupIDs(ctx context.Context, model interface{}, column, tenantCond string, accountID int64, ids []int64) (map[int64]struct{}, error) {
	known := make(map[int64]struct{}, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		var found []int64
		err := w.db.WithContext(ctx).Model(model).
			Where(tenantCond+" AND "+column+" IN ?", accountID, ids[start:end]).
			Pluck(column, &found).Error
		if err != nil {
			return nil, err
		}
		for _, id := range found {
			known[id] = struct{}{}
		}
	}
	return known, nil
}
