// Package achievements evaluates the achievement catalog against a user's
// listening stats, auto-unlocks anything newly earned and shapes the catalog
// for display, masking locked secret achievements.
package achievements

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/audiobook-platform/internal/platform/analytics"
	"github.com/example/audiobook-platform/services/listening/internal/stats"
	"github.com/example/audiobook-platform/services/listening/internal/store"
)

// Masks shown for secret achievements that are still locked.
const (
	SecretName        = "???"
	SecretDescription = "Secret Achievement - Unlock to reveal!"
	SecretIcon        = "🔒"
)

// ErrEmptyCatalog reports an unseeded achievements table. The caller turns it
// into an explicit configuration error rather than an empty list.
var ErrEmptyCatalog = errors.New("achievements: catalog is empty")

// View is one achievement as presented to the user. Locked secrets are
// masked; unlocked achievements always show their real identity.
type View struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Icon             string          `json:"icon"`
	Category         string          `json:"category"`
	RequirementType  string          `json:"requirement_type"`
	RequirementValue int64           `json:"requirement_value"`
	RewardType       string          `json:"reward_type,omitempty"`
	RewardData       json.RawMessage `json:"reward_data,omitempty"`
	IsSecret         bool            `json:"is_secret"`
	Unlocked         bool            `json:"unlocked"`
	UnlockedAt       *time.Time      `json:"unlocked_at,omitempty"`
	CurrentValue     int64           `json:"current_value"`
	Progress         float64         `json:"progress"`
}

// Result is the outcome of one evaluation pass.
type Result struct {
	// Achievements holds every unlocked achievement plus, per
	// (category, requirement_type) group, the single closest locked goal.
	Achievements []View
	// NewlyUnlocked lists real (unmasked) names unlocked during this pass.
	NewlyUnlocked []string
	UnlockedCount int
}

// Engine wires the catalog store, the social counters and the unlock
// side effects together.
type Engine struct {
	store      store.AchievementStore
	engagement store.EngagementSource
	analytics  *analytics.Publisher
	log        *zap.Logger
	now        func() time.Time
}

func NewEngine(s store.AchievementStore, eng store.EngagementSource, pub *analytics.Publisher, log *zap.Logger) *Engine {
	return &Engine{store: s, engagement: eng, analytics: pub, log: log, now: time.Now}
}

// SetClock overrides the unlock timestamp clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Evaluate checks every catalog achievement against the user's current stats,
// unlocks anything newly earned and returns the display list.
//
// Unlock failures are logged per achievement and never abort the pass; a
// missed unlock is retried for free on the next evaluation because the check
// is idempotent.
func (e *Engine) Evaluate(ctx context.Context, userID string, sum stats.Summary) (Result, error) {
	catalog, err := e.store.ListAchievements(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(catalog) == 0 {
		return Result{}, ErrEmptyCatalog
	}

	unlockedAt, err := e.unlockedByID(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	likes, comments := e.engagementCounters(ctx, userID, catalog)

	var res Result
	var lockedViews []View
	for _, a := range catalog {
		current, scalar := scalarValue(a.RequirementType, sum, likes, comments)
		v := e.buildView(a, current, unlockedAt)

		if !v.Unlocked && scalar && a.RequirementValue > 0 && current >= a.RequirementValue {
			if e.tryUnlock(ctx, userID, a) {
				at := e.now().UTC()
				v.Unlocked = true
				v.UnlockedAt = &at
				v.Name, v.Description, v.Icon = a.Name, a.Description, a.Icon
				v.Progress = 100
				res.NewlyUnlocked = append(res.NewlyUnlocked, a.Name)
			}
		}

		if v.Unlocked {
			res.UnlockedCount++
			res.Achievements = append(res.Achievements, v)
		} else {
			lockedViews = append(lockedViews, v)
		}
	}

	res.Achievements = append(res.Achievements, nextGoals(lockedViews)...)
	return res, nil
}

// CheckSecrets evaluates pattern-based secret achievements against the raw
// session history and unlocks any that match. It returns the number of
// achievements checked and the real names of new unlocks.
func (e *Engine) CheckSecrets(ctx context.Context, userID string, sessions []store.PlaybackSession) (int, []string, error) {
	catalog, err := e.store.ListAchievements(ctx)
	if err != nil {
		return 0, nil, err
	}
	unlockedAt, err := e.unlockedByID(ctx, userID)
	if err != nil {
		return 0, nil, err
	}

	checked := 0
	var newly []string
	for _, a := range catalog {
		current, ok := patternValue(a.RequirementType, sessions)
		if !ok {
			continue
		}
		checked++
		if _, done := unlockedAt[a.ID]; done {
			continue
		}
		if a.RequirementValue > 0 && current >= a.RequirementValue {
			if e.tryUnlock(ctx, userID, a) {
				newly = append(newly, a.Name)
			}
		}
	}
	return checked, newly, nil
}

func (e *Engine) unlockedByID(ctx context.Context, userID string) (map[string]time.Time, error) {
	rows, err := e.store.ListUnlocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(rows))
	for _, ua := range rows {
		out[ua.AchievementID] = ua.UnlockedAt
	}
	return out, nil
}

// engagementCounters fetches the social scalars only when the catalog needs
// them. Fetch failures degrade to zero so a social outage cannot take the
// stats endpoint down.
func (e *Engine) engagementCounters(ctx context.Context, userID string, catalog []store.Achievement) (likes, comments int64) {
	needLikes, needComments := false, false
	for _, a := range catalog {
		switch a.RequirementType {
		case store.RequirementLikes:
			needLikes = true
		case store.RequirementComments:
			needComments = true
		}
	}
	if needLikes {
		n, err := e.engagement.DistinctLikedWorks(ctx, userID)
		if err != nil {
			e.log.Warn("achievements: liked works lookup failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			likes = n
		}
	}
	if needComments {
		n, err := e.engagement.CommentCount(ctx, userID)
		if err != nil {
			e.log.Warn("achievements: comment count lookup failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			comments = n
		}
	}
	return likes, comments
}

func (e *Engine) buildView(a store.Achievement, current int64, unlockedAt map[string]time.Time) View {
	v := View{
		ID:               a.ID,
		Name:             a.Name,
		Description:      a.Description,
		Icon:             a.Icon,
		Category:         a.Category,
		RequirementType:  a.RequirementType,
		RequirementValue: a.RequirementValue,
		RewardType:       a.RewardType,
		RewardData:       a.RewardData,
		IsSecret:         a.IsSecret,
		CurrentValue:     current,
	}
	if at, ok := unlockedAt[a.ID]; ok {
		v.Unlocked = true
		at := at
		v.UnlockedAt = &at
		v.Progress = 100
		return v
	}
	if a.RequirementValue > 0 {
		v.Progress = float64(current) / float64(a.RequirementValue) * 100
		if v.Progress > 100 {
			v.Progress = 100
		}
	} else {
		e.log.Warn("achievements: non-positive requirement value",
			zap.String("achievement_id", a.ID),
			zap.Int64("requirement_value", a.RequirementValue))
	}
	if a.IsSecret {
		v.Name = SecretName
		v.Description = SecretDescription
		v.Icon = SecretIcon
	}
	return v
}

func (e *Engine) tryUnlock(ctx context.Context, userID string, a store.Achievement) bool {
	inserted, err := e.store.Unlock(ctx, userID, a.ID, e.now().UTC())
	if err != nil {
		e.log.Warn("achievements: unlock failed",
			zap.String("user_id", userID),
			zap.String("achievement_id", a.ID),
			zap.Error(err))
		return false
	}
	if inserted {
		e.analytics.Publish(analytics.SubjectAchievementUnlocked, "achievement_unlocked", userID, map[string]any{
			"achievement_id": a.ID,
			"category":       a.Category,
		})
	}
	return inserted
}

// scalarValue maps a requirement type to its stats scalar. Pattern-based
// secret types are not scalars; they are handled by CheckSecrets.
func scalarValue(reqType string, sum stats.Summary, likes, comments int64) (int64, bool) {
	switch reqType {
	case store.RequirementHours:
		return sum.TotalListeningSeconds / 3600, true
	case store.RequirementBooks:
		return int64(sum.BooksCompleted), true
	case store.RequirementStreakDays:
		return int64(sum.CurrentStreak), true
	case store.RequirementLikes:
		return likes, true
	case store.RequirementComments:
		return comments, true
	default:
		return 0, false
	}
}

// nextGoals keeps, per (category, requirement_type), only the locked
// achievement with the lowest requirement value. Selection does not depend
// on catalog ordering.
func nextGoals(locked []View) []View {
	type group struct{ category, reqType string }
	best := make(map[group]int)
	var out []View
	for _, v := range locked {
		g := group{v.Category, v.RequirementType}
		i, ok := best[g]
		if !ok {
			best[g] = len(out)
			out = append(out, v)
			continue
		}
		if v.RequirementValue < out[i].RequirementValue {
			out[i] = v
		}
	}
	return out
}
