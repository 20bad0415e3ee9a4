package normalize

import (
	"encoding/json"
	"time"

	"github.com/pysugar/hostaway-sync/internal/db/models"
)

// Listings maps raw listing records of accountID to rows. Records without an
// id, malformed records and records owned by another account are skipped.
func Listings(accountID int64, raw []json.RawMessage, now time.Time) ([]models.Listing, int) {
	rows := make([]models.Listing, 0, len(raw))
	skipped := 0
	for _, item := range raw {
		obj, ok := object(item)
		if !ok || foreignAccount(obj, accountID) {
			skipped++
			continue
		}
		id, ok := Int64(obj, "id")
		if !ok {
			skipped++
			continue
		}
		payload, err := encode(obj)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, models.Listing{
			ID:         id,
			AccountID:  accountID,
			RawPayload: payload,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return rows, skipped
}

// Reservations maps raw reservation records of accountID to rows. A
// reservation also needs the listing it belongs to (listingMapId).
func Reservations(accountID int64, raw []json.RawMessage, now time.Time) ([]models.Reservation, int) {
	rows := make([]models.Reservation, 0, len(raw))
	skipped := 0
	for _, item := range raw {
		obj, ok := object(item)
		if !ok || foreignAccount(obj, accountID) {
			skipped++
			continue
		}
		id, ok := Int64(obj, "id")
		if !ok {
			skipped++
			continue
		}
		listingID, ok := Int64(obj, "listingMapId")
		if !ok {
			skipped++
			continue
		}
		payload, err := encode(obj)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, models.Reservation{
			ID:         id,
			AccountID:  accountID,
			ListingID:  listingID,
			RawPayload: payload,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return rows, skipped
}

// foreignAccount reports whether the record names an account other than
// accountID. Records without accountId are attributed to the caller.
func foreignAccount(obj map[string]any, accountID int64) bool {
	if _, present := obj["accountId"]; !present || obj["accountId"] == nil {
		return false
	}
	owner, ok := Int64(obj, "accountId")
	return !ok || owner != accountID
}
