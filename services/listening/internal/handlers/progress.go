// Package handlers exposes the listening service's HTTP surface: progress
// flushes, playback stats and achievement checks.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/audiobook-platform/internal/platform/api"
	"github.com/example/audiobook-platform/internal/platform/auth"
	"github.com/example/audiobook-platform/internal/platform/httpserver"
	"github.com/example/audiobook-platform/services/listening/internal/progress"
	"github.com/example/audiobook-platform/services/listening/internal/store"
)

// FlushQueue hands a flush event to the async ingestion pipeline.
type FlushQueue interface {
	PublishFlush(ctx context.Context, ev progress.Event) error
}

// AnonymousStore is the device-keyed progress store for signed-out users.
type AnonymousStore interface {
	Save(ctx context.Context, deviceID string, p store.AnonymousProgress) error
	Get(ctx context.Context, deviceID, workID string) (*store.AnonymousProgress, error)
	Clear(ctx context.Context, deviceID, workID string) error
}

type flushRequest struct {
	PositionSeconds       float64 `json:"position_seconds"`
	DurationSeconds       float64 `json:"duration_seconds"`
	ListeningDeltaSeconds int64   `json:"listening_delta_seconds"`
}

type progressResponse struct {
	Progress any `json:"progress"`
}

// PostProgress handles POST /v1/progress/{work_id}.
//
// Authenticated flushes go through the queue when one is configured (202 with
// an X-Event-ID header), otherwise they are applied synchronously. A store
// failure on the synchronous path is logged and still answered with 204: a
// dropped flush must never interrupt playback, and the client's accumulator
// semantics make the next flush carry the missing time.
func PostProgress(rec *progress.Recorder, anon AnonymousStore, queue FlushQueue, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		workID := strings.TrimSpace(chi.URLParam(r, "work_id"))
		if workID == "" {
			api.BadRequest(w, "MISSING_ID", "work_id is required", rid, nil)
			return
		}

		var req flushRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
			return
		}

		if userID, ok := auth.UserIDFromContext(r.Context()); ok && userID != "" {
			if queue != nil {
				ev := progress.Event{
					EventID:          uuid.NewString(),
					UserID:           userID,
					WorkID:           workID,
					PositionSeconds:  req.PositionSeconds,
					DurationSeconds:  req.DurationSeconds,
					ListeningSeconds: req.ListeningDeltaSeconds,
					OccurredAt:       time.Now().UTC(),
				}
				if err := queue.PublishFlush(r.Context(), ev); err == nil {
					w.Header().Set("X-Event-ID", ev.EventID)
					w.WriteHeader(http.StatusAccepted)
					return
				} else {
					log.Warn("progress: queue publish failed, applying synchronously",
						zap.String("work_id", workID), zap.Error(err))
				}
			}
			if err := rec.Record(r.Context(), userID, progress.Flush{
				WorkID:           workID,
				PositionSeconds:  req.PositionSeconds,
				DurationSeconds:  req.DurationSeconds,
				ListeningSeconds: req.ListeningDeltaSeconds,
			}); err != nil {
				log.Error("progress: record failed",
					zap.String("user_id", userID),
					zap.String("work_id", workID),
					zap.Error(err))
			}
			api.WriteNoContent(w)
			return
		}

		deviceID, ok := auth.DeviceIDFromContext(r.Context())
		if !ok || anon == nil {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}
		p := store.AnonymousProgress{
			WorkID:          workID,
			ProgressSeconds: req.PositionSeconds,
			DurationSeconds: req.DurationSeconds,
			LastPlayed:      time.Now().UTC(),
		}
		if p.DurationSeconds > 0 {
			p.CompletionPercentage = p.ProgressSeconds / p.DurationSeconds * 100
			if p.CompletionPercentage > 100 {
				p.CompletionPercentage = 100
			}
		}
		if err := anon.Save(r.Context(), deviceID, p); err != nil {
			log.Error("progress: anonymous save failed",
				zap.String("work_id", workID), zap.Error(err))
		}
		api.WriteNoContent(w)
	}
}

// GetProgress handles GET /v1/progress/{work_id}. A work never played, and a
// store read failure alike, degrade to {"progress": null}.
func GetProgress(sessions store.SessionStore, anon AnonymousStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		workID := strings.TrimSpace(chi.URLParam(r, "work_id"))
		if workID == "" {
			api.BadRequest(w, "MISSING_ID", "work_id is required", rid, nil)
			return
		}

		if userID, ok := auth.UserIDFromContext(r.Context()); ok && userID != "" {
			s, err := sessions.GetProgress(r.Context(), userID, workID)
			if err != nil {
				log.Warn("progress: read failed", zap.String("work_id", workID), zap.Error(err))
			}
			writeProgress(w, s)
			return
		}

		deviceID, ok := auth.DeviceIDFromContext(r.Context())
		if !ok || anon == nil {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}
		p, err := anon.Get(r.Context(), deviceID, workID)
		if err != nil {
			log.Warn("progress: anonymous read failed", zap.String("work_id", workID), zap.Error(err))
		}
		writeProgress(w, p)
	}
}

// writeProgress wraps a possibly-nil record. A typed nil pointer must become
// a JSON null, hence the any conversion.
func writeProgress[T any](w http.ResponseWriter, p *T) {
	resp := progressResponse{}
	if p != nil {
		resp.Progress = p
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// DeleteProgress handles DELETE /v1/progress/{work_id} ("start over").
func DeleteProgress(rec *progress.Recorder, anon AnonymousStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		workID := strings.TrimSpace(chi.URLParam(r, "work_id"))
		if workID == "" {
			api.BadRequest(w, "MISSING_ID", "work_id is required", rid, nil)
			return
		}

		if userID, ok := auth.UserIDFromContext(r.Context()); ok && userID != "" {
			if err := rec.Clear(r.Context(), userID, workID); err != nil {
				api.Internal(w, rid)
				return
			}
			api.WriteNoContent(w)
			return
		}

		deviceID, ok := auth.DeviceIDFromContext(r.Context())
		if !ok || anon == nil {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}
		if err := anon.Clear(r.Context(), deviceID, workID); err != nil {
			api.Internal(w, rid)
			return
		}
		api.WriteNoContent(w)
	}
}
