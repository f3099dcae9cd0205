package handlers

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/audiobook-platform/internal/platform/api"
	"github.com/example/audiobook-platform/internal/platform/auth"
	"github.com/example/audiobook-platform/internal/platform/httpserver"
	"github.com/example/audiobook-platform/services/listening/internal/achievements"
	"github.com/example/audiobook-platform/services/listening/internal/stats"
	"github.com/example/audiobook-platform/services/listening/internal/store"
)

type statsResponse struct {
	TotalListeningSeconds int64               `json:"total_listening_seconds"`
	TotalHours            int64               `json:"total_hours"`
	TotalMinutes          int64               `json:"total_minutes"`
	BooksCompleted        int                 `json:"books_completed"`
	BooksStarted          int                 `json:"books_started"`
	CurrentStreak         int                 `json:"current_streak"`
	LongestStreak         int                 `json:"longest_streak"`
	Achievements          []achievements.View `json:"achievements"`
	UnlockedCount         int                 `json:"unlocked_count"`
	NewlyUnlocked         []string            `json:"newly_unlocked"`
	Error                 string              `json:"error,omitempty"`
}

// GetStats handles GET /v1/stats: full listening summary plus the evaluated
// achievement list. Evaluation may unlock achievements as a side effect; the
// fresh unlocks come back in newly_unlocked.
func GetStats(sessions store.SessionStore, engine *achievements.Engine, loc *time.Location, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}

		all, err := sessions.ListSessions(r.Context(), userID)
		if err != nil {
			log.Error("stats: session list failed", zap.String("user_id", userID), zap.Error(err))
			api.Internal(w, rid)
			return
		}

		sum := stats.Summarize(all, time.Now(), loc)
		// Whole hours plus the minute remainder, a "2h 5m" display pair.
		resp := statsResponse{
			TotalListeningSeconds: sum.TotalListeningSeconds,
			TotalHours:            sum.TotalListeningSeconds / 3600,
			TotalMinutes:          (sum.TotalListeningSeconds % 3600) / 60,
			BooksCompleted:        sum.BooksCompleted,
			BooksStarted:          sum.BooksStarted,
			CurrentStreak:         sum.CurrentStreak,
			LongestStreak:         sum.LongestStreak,
			Achievements:          []achievements.View{},
			NewlyUnlocked:         []string{},
		}

		res, err := engine.Evaluate(r.Context(), userID, sum)
		switch {
		case errors.Is(err, achievements.ErrEmptyCatalog):
			resp.Error = "achievement catalog is not configured"
		case err != nil:
			log.Error("stats: achievement evaluation failed", zap.String("user_id", userID), zap.Error(err))
			resp.Error = "achievements temporarily unavailable"
		default:
			if res.Achievements != nil {
				resp.Achievements = res.Achievements
			}
			if res.NewlyUnlocked != nil {
				resp.NewlyUnlocked = res.NewlyUnlocked
			}
			resp.UnlockedCount = res.UnlockedCount
		}

		api.WriteJSON(w, http.StatusOK, resp)
	}
}
