package achievements

import (
	"time"

	"github.com/example/audiobook-platform/services/listening/internal/stats"
	"github.com/example/audiobook-platform/services/listening/internal/store"
)

// Pattern windows for time-of-day secret achievements, in the session's own
// local representation.
const (
	nightStartHour   = 0
	nightEndHour     = 4 // exclusive
	morningStartHour = 5
	morningEndHour   = 7 // exclusive

	// Time-of-day patterns require real listening, not an open tab: a session
	// only qualifies with at least this much accumulated listening time.
	minSessionListenSeconds = 600
)

// patternValue computes the current value for a pattern-based requirement
// type from the raw session history. The bool reports whether the type is a
// known pattern.
func patternValue(reqType string, sessions []store.PlaybackSession) (int64, bool) {
	switch reqType {
	case store.RequirementNightSessions:
		return countDistinctDays(sessions, func(s store.PlaybackSession) bool {
			return sessionInWindow(s, nightStartHour, nightEndHour)
		}), true
	case store.RequirementMorningSessions:
		return countDistinctDays(sessions, func(s store.PlaybackSession) bool {
			return sessionInWindow(s, morningStartHour, morningEndHour)
		}), true
	case store.RequirementSessionLength:
		return longestSessionHours(sessions), true
	case store.RequirementMidnightFinish:
		return countMidnightFinishes(sessions), true
	case store.RequirementWeekendBooks:
		return countWeekendBooks(sessions), true
	default:
		return 0, false
	}
}

func sessionInWindow(s store.PlaybackSession, fromHour, toHour int) bool {
	if s.SessionStart == nil || s.ActualListening < minSessionListenSeconds {
		return false
	}
	h := s.SessionStart.Hour()
	return h >= fromHour && h < toHour
}

func countDistinctDays(sessions []store.PlaybackSession, match func(store.PlaybackSession) bool) int64 {
	days := make(map[string]struct{})
	for _, s := range sessions {
		if !match(s) {
			continue
		}
		days[s.SessionStart.Format("2006-01-02")] = struct{}{}
	}
	return int64(len(days))
}

// longestSessionHours returns the most listening accumulated in a single
// session, in whole hours. Counted from actual_listening_seconds, not the
// wall-clock span, so paused or idle time never contributes.
func longestSessionHours(sessions []store.PlaybackSession) int64 {
	var longest int64
	for _, s := range sessions {
		if s.ActualListening > longest {
			longest = s.ActualListening
		}
	}
	return longest / 3600
}

// countMidnightFinishes counts works finished right around midnight: a
// completed session whose last activity lands in the 23:00 or 00:00 hour.
func countMidnightFinishes(sessions []store.PlaybackSession) int64 {
	var n int64
	for _, s := range sessions {
		if s.DurationSeconds <= 0 || s.ProgressSeconds/s.DurationSeconds < stats.CompletionRatio {
			continue
		}
		if s.SessionEnd == nil {
			continue
		}
		if h := s.SessionEnd.Hour(); h == 23 || h == 0 {
			n++
		}
	}
	return n
}

// countWeekendBooks counts distinct works completed on a Saturday or Sunday.
func countWeekendBooks(sessions []store.PlaybackSession) int64 {
	works := make(map[string]struct{})
	for _, s := range sessions {
		if s.DurationSeconds <= 0 || s.ProgressSeconds/s.DurationSeconds < stats.CompletionRatio {
			continue
		}
		at := s.UpdatedAt
		if s.SessionEnd != nil {
			at = *s.SessionEnd
		}
		switch at.Weekday() {
		case time.Saturday, time.Sunday:
			works[s.WorkID] = struct{}{}
		}
	}
	return int64(len(works))
}
