package normalize

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/pysugar/hostaway-sync/internal/db/models"
)

// SentAtLayout is the single representation stored for message timestamps.
// It is fixed width and always UTC, so string order equals time order.
const SentAtLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp fields in the order they are consulted.
var timestampFields = []string{"sentChannelDate", "date", "insertedOn", "updatedOn"}

var vendorLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// Message is one entry of a stored thread.
type Message struct {
	SentAt         string `json:"sent_at"`
	Sender         string `json:"sender"`
	Body           string `json:"body"`
	ConversationID any    `json:"conversation_id"`
	ListingID      any    `json:"listing_id"`
	Channel        string `json:"channel,omitempty"`

	at time.Time
}

const (
	SenderGuest = "them"
	SenderHost  = "us"
)

// Messages groups raw conversation messages into one thread per reservation.
// Messages without a reservation, without a parsable timestamp, or owned by
// another account are dropped. Threads come back ordered by reservation id.
func Messages(accountID int64, raw []json.RawMessage, now time.Time) []models.MessageThread {
	byReservation := make(map[int64][]Message)
	for _, item := range raw {
		obj, ok := object(item)
		if !ok || foreignAccount(obj, accountID) {
			continue
		}
		reservationID, ok := Int64(obj, "reservationId")
		if !ok {
			continue
		}
		at, ok := messageTime(obj)
		if !ok {
			continue
		}
		byReservation[reservationID] = append(byReservation[reservationID], Message{
			SentAt:         at.Format(SentAtLayout),
			Sender:         sender(obj),
			Body:           stringField(obj, "body"),
			ConversationID: obj["conversationId"],
			ListingID:      obj["listingMapId"],
			Channel:        stringField(obj, "communicationType"),
			at:             at,
		})
	}

	ids := make([]int64, 0, len(byReservation))
	for id := range byReservation {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	threads := make([]models.MessageThread, 0, len(ids))
	for _, id := range ids {
		msgs := byReservation[id]
		sortMessages(msgs)
		payload, err := encode(msgs)
		if err != nil {
			continue
		}
		threads = append(threads, models.MessageThread{
			ReservationID: id,
			AccountID:     accountID,
			RawMessages:   payload,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return threads
}

// sortMessages orders by time, then by encoded content so that the same set
// of messages always produces the same sequence.
func sortMessages(msgs []Message) {
	type keyed struct {
		msg Message
		enc []byte
	}
	items := make([]keyed, len(msgs))
	for i, m := range msgs {
		enc, _ := json.Marshal(m)
		items[i] = keyed{msg: m, enc: enc}
	}
	slices.SortStableFunc(items, func(a, b keyed) int {
		if c := a.msg.at.Compare(b.msg.at); c != 0 {
			return c
		}
		return bytes.Compare(a.enc, b.enc)
	})
	for i := range items {
		msgs[i] = items[i].msg
	}
}

func messageTime(obj map[string]any) (time.Time, bool) {
	for _, field := range timestampFields {
		s := stringField(obj, field)
		if s == "" {
			continue
		}
		if t, ok := ParseTimestamp(s); ok {
			return t, true
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// ParseTimestamp accepts the vendor's date formats. Timestamps without a
// zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range vendorLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func sender(obj map[string]any) string {
	if truthy(obj["isIncoming"]) {
		return SenderGuest
	}
	return SenderHost
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}
