package handlers

import (
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/audiobook-platform/internal/platform/api"
	"github.com/example/audiobook-platform/internal/platform/auth"
	"github.com/example/audiobook-platform/internal/platform/httpserver"
	"github.com/example/audiobook-platform/services/listening/internal/stats"
	"github.com/example/audiobook-platform/services/listening/internal/store"
)

const (
	defaultContinueLimit = 25
	maxContinueLimit     = 100
)

type continueListeningResponse struct {
	Items []store.PlaybackSession `json:"items"`
}

// ContinueListening handles GET /v1/continue-listening: works the user is in
// the middle of, newest activity first. Finished works (>= 95%) and works
// never actually started are excluded.
func ContinueListening(sessions store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}

		limit := defaultContinueLimit
		if l := r.URL.Query().Get("limit"); l != "" {
			if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxContinueLimit {
				limit = parsed
			}
		}

		all, err := sessions.ListSessions(r.Context(), userID)
		if err != nil {
			log.Error("continue-listening: session list failed", zap.String("user_id", userID), zap.Error(err))
			api.Internal(w, rid)
			return
		}

		items := make([]store.PlaybackSession, 0, len(all))
		for _, s := range all {
			if s.CompletionPercentage <= 0 || s.CompletionPercentage >= stats.CompletionRatio*100 {
				continue
			}
			items = append(items, s)
		}
		sort.Slice(items, func(i, j int) bool {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		})
		if len(items) > limit {
			items = items[:limit]
		}

		api.WriteJSON(w, http.StatusOK, continueListeningResponse{Items: items})
	}
}
