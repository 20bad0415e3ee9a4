package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pysugar/hostaway-sync/internal/db"
	"github.com/pysugar/hostaway-sync/internal/db/models"
	"github.com/pysugar/hostaway-sync/internal/logging"
	"github.com/pysugar/hostaway-sync/internal/normalize"
	"github.com/pysugar/hostaway-sync/internal/util"
	"go.uber.org/zap"
)

// Supported webhook events.
const (
	EventReservationCreated = "reservation.created"
	EventReservationUpdated = "reservation.updated"
	EventMessageReceived    = "message.received"
)

const webhookLogLimit = 256

// AccountValidator answers whether an account id may receive webhooks.
type AccountValidator interface {
	Validate(ctx context.Context, accountID int64) (bool, error)
}

// WebhookWriter persists records delivered by webhooks.
type WebhookWriter interface {
	UpsertReservations(ctx context.Context, accountID int64, rows []models.Reservation, dryRun bool) (db.WriteResult, error)
	UpsertMessageThreads(ctx context.Context, accountID int64, rows []models.MessageThread, dryRun bool) (db.WriteResult, error)
}

// ConversationSource fetches the messages of specific conversations.
type ConversationSource interface {
	FetchMessagesByConversation(ctx context.Context, accountID int64, ids []int64) ([]json.RawMessage, error)
}

// WebhookDeps wires the webhook receiver.
type WebhookDeps struct {
	Accounts      AccountValidator
	Writer        WebhookWriter
	Conversations ConversationSource
	DryRun        bool
	Log           *zap.Logger
	Now           func() time.Time
}

type webhookEvent struct {
	Type      string
	AccountID int64
	Data      json.RawMessage
}

// WebhookHandler receives vendor events. Authentication is applied by the
// router before this handler runs.
func WebhookHandler(d WebhookDeps) http.HandlerFunc {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context(), d.Log)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
			log.Debug("unparsable webhook body", zap.String("body", util.TruncateBytes(body, webhookLogLimit)))
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}

		ev, msg := parseEvent(payload)
		if msg != "" {
			log.Warn("rejected webhook", zap.String("reason", msg))
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		log = log.With(zap.String("event_type", ev.Type), zap.Int64("account_id", ev.AccountID))

		ok, err := d.Accounts.Validate(r.Context(), ev.AccountID)
		if err != nil {
			log.Error("account validation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if !ok {
			log.Warn("webhook for unknown account")
			writeError(w, http.StatusNotFound, "Account "+itoa(ev.AccountID)+" not found")
			return
		}

		if err := dispatch(r.Context(), d, log, ev); err != nil {
			log.Error("webhook handling failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

// parseEvent extracts the event envelope. A non-empty message means the
// request is malformed.
func parseEvent(payload map[string]json.RawMessage) (webhookEvent, string) {
	var ev webhookEvent
	for _, key := range []string{"event", "eventType"} {
		var s string
		if raw, ok := payload[key]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			ev.Type = s
			break
		}
	}
	if ev.Type == "" {
		return ev, "Missing event or eventType field"
	}

	id, ok := accountIDValue(payload["accountId"])
	if !ok {
		return ev, "Missing accountId"
	}
	ev.AccountID = id

	ev.Data = payload["data"]
	if isNull(ev.Data) {
		var nested struct {
			Data json.RawMessage `json:"data"`
		}
		if raw, ok := payload["payload"]; ok && json.Unmarshal(raw, &nested) == nil {
			ev.Data = nested.Data
		}
	}
	return ev, ""
}

func dispatch(ctx context.Context, d WebhookDeps, log *zap.Logger, ev webhookEvent) error {
	switch ev.Type {
	case EventReservationCreated, EventReservationUpdated:
		if isNull(ev.Data) {
			log.Warn("reservation webhook without data")
			return nil
		}
		return handleReservation(ctx, d, log, ev)
	case EventMessageReceived:
		if isNull(ev.Data) {
			log.Warn("message webhook without data")
			return nil
		}
		return handleMessage(ctx, d, log, ev)
	default:
		log.Info("ignoring unsupported webhook event")
		return nil
	}
}

func handleReservation(ctx context.Context, d WebhookDeps, log *zap.Logger, ev webhookEvent) error {
	rows, skipped := normalize.Reservations(ev.AccountID, []json.RawMessage{ev.Data}, d.Now())
	if skipped > 0 {
		log.Warn("reservation webhook payload skipped", zap.Int("skipped", skipped))
	}
	res, err := d.Writer.UpsertReservations(ctx, ev.AccountID, rows, d.DryRun)
	if err != nil {
		return err
	}
	log.Info("reservation webhook processed", zap.Int64("written", res.Written), zap.Int("skipped", res.Skipped))
	return nil
}

func handleMessage(ctx context.Context, d WebhookDeps, log *zap.Logger, ev webhookEvent) error {
	data, ok := decodeObject(ev.Data)
	if !ok {
		log.Warn("message webhook data is not an object")
		return nil
	}
	convID, ok := normalize.Int64(data, "conversationId")
	if !ok {
		log.Warn("message webhook without conversationId")
		return nil
	}

	raw, err := d.Conversations.FetchMessagesByConversation(ctx, ev.AccountID, []int64{convID})
	if err != nil {
		return err
	}
	threads := normalize.Messages(ev.AccountID, raw, d.Now())
	res, err := d.Writer.UpsertMessageThreads(ctx, ev.AccountID, threads, d.DryRun)
	if err != nil {
		return err
	}
	log.Info("message webhook processed",
		zap.Int64("conversation_id", convID),
		zap.Int("messages", len(raw)),
		zap.Int64("written", res.Written))
	return nil
}
