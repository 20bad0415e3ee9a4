package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pysugar/hostaway-sync/internal/logging"
	"go.uber.org/zap"
)

const readyTimeout = 2 * time.Second

// Pinger checks that the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyHandler reports readiness; 503 when the database cannot be reached.
func ReadyHandler(db Pinger, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			logging.FromContext(r.Context(), log).Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not ready",
				"checks": map[string]string{"database": "failed"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ready",
			"checks": map[string]string{"database": "ok"},
		})
	}
}
