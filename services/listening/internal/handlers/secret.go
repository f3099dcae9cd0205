package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/example/audiobook-platform/internal/platform/api"
	"github.com/example/audiobook-platform/internal/platform/auth"
	"github.com/example/audiobook-platform/internal/platform/httpserver"
	"github.com/example/audiobook-platform/services/listening/internal/achievements"
	"github.com/example/audiobook-platform/services/listening/internal/store"
)

type secretCheckResponse struct {
	Checked       int      `json:"checked"`
	NewlyUnlocked []string `json:"newly_unlocked"`
}

// CheckSecretAchievements handles POST /v1/achievements/check-secret: runs
// the pattern-based secret checks against the caller's session history.
func CheckSecretAchievements(sessions store.SessionStore, engine *achievements.Engine, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}

		all, err := sessions.ListSessions(r.Context(), userID)
		if err != nil {
			log.Error("check-secret: session list failed", zap.String("user_id", userID), zap.Error(err))
			api.Internal(w, rid)
			return
		}

		checked, newly, err := engine.CheckSecrets(r.Context(), userID, all)
		if err != nil {
			log.Error("check-secret: evaluation failed", zap.String("user_id", userID), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		if newly == nil {
			newly = []string{}
		}
		api.WriteJSON(w, http.StatusOK, secretCheckResponse{Checked: checked, NewlyUnlocked: newly})
	}
}
