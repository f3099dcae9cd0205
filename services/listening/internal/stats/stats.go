// Package stats computes listening statistics from a user's playback
// sessions. Everything here is a pure function over the full session slice;
// values are recomputed per request, never cached.
package stats

import (
	"sort"
	"time"

	"github.com/example/audiobook-platform/services/listening/internal/store"
)

// CompletionRatio is the progress/duration ratio at which a work counts as
// completed.
const CompletionRatio = 0.95

// minSessionRatio guards completion against seeking straight to the end: the
// session must span at least half the work's duration.
const minSessionRatio = 0.5

// Summary is the aggregate view over one user's sessions.
type Summary struct {
	TotalListeningSeconds int64
	BooksCompleted        int
	BooksStarted          int
	CurrentStreak         int
	LongestStreak         int
}

// Summarize computes the whole summary in one pass.
func Summarize(sessions []store.PlaybackSession, today time.Time, loc *time.Location) Summary {
	current, longest := Streaks(sessions, today, loc)
	return Summary{
		TotalListeningSeconds: TotalListeningSeconds(sessions),
		BooksCompleted:        CompletedWorks(sessions),
		BooksStarted:          StartedWorks(sessions),
		CurrentStreak:         current,
		LongestStreak:         longest,
	}
}

// TotalListeningSeconds sums real listening time across sessions.
//
// Rows with a positive actual_listening_seconds are authoritative. Legacy
// rows (zero counter) fall back to progress_seconds, capped at twice the
// session's wall-time span when both timestamps are present. A legacy row
// without timestamps is trusted as-is; there is nothing left to validate
// against.
func TotalListeningSeconds(sessions []store.PlaybackSession) int64 {
	var total int64
	for _, s := range sessions {
		if s.ActualListening > 0 {
			total += s.ActualListening
			continue
		}
		fallback := int64(s.ProgressSeconds)
		if fallback <= 0 {
			continue
		}
		if s.SessionStart != nil && s.SessionEnd != nil {
			span := int64(s.SessionEnd.Sub(*s.SessionStart).Seconds())
			if span < 0 {
				span = 0
			}
			if cap := span * 2; fallback > cap {
				fallback = cap
			}
		}
		total += fallback
	}
	return total
}

// CompletedWorks counts distinct works finished to at least 95% of their
// duration. When session timestamps exist the session must also span at
// least half the duration, which rules out a seek-to-end. Rows with no known
// duration never qualify.
func CompletedWorks(sessions []store.PlaybackSession) int {
	done := make(map[string]struct{})
	for _, s := range sessions {
		if s.DurationSeconds <= 0 {
			continue
		}
		if s.ProgressSeconds/s.DurationSeconds < CompletionRatio {
			continue
		}
		if s.SessionStart != nil && s.SessionEnd != nil {
			span := s.SessionEnd.Sub(*s.SessionStart).Seconds()
			if span < s.DurationSeconds*minSessionRatio {
				continue
			}
		}
		done[s.WorkID] = struct{}{}
	}
	return len(done)
}

// StartedWorks counts distinct works with any session at all.
func StartedWorks(sessions []store.PlaybackSession) int {
	seen := make(map[string]struct{})
	for _, s := range sessions {
		seen[s.WorkID] = struct{}{}
	}
	return len(seen)
}

// Streaks derives the current and longest consecutive-day streaks from
// session creation dates, interpreted in loc.
//
// The current streak is zero unless the most recent listening date is today
// or yesterday; from that anchor it walks back while dates are exactly one
// day apart. The longest streak is a single pass over the sorted distinct
// dates.
func Streaks(sessions []store.PlaybackSession, today time.Time, loc *time.Location) (current, longest int) {
	if loc == nil {
		loc = time.UTC
	}
	daySet := make(map[string]time.Time)
	for _, s := range sessions {
		d := dateOf(s.CreatedAt, loc)
		daySet[d.Format("2006-01-02")] = d
	}
	if len(daySet) == 0 {
		return 0, 0
	}

	days := make([]time.Time, 0, len(daySet))
	for _, d := range daySet {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	longest = 1
	run := 1
	for i := 1; i < len(days); i++ {
		if days[i].Sub(days[i-1]) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	anchor := dateOf(today, loc)
	last := days[len(days)-1]
	gap := anchor.Sub(last)
	if gap != 0 && gap != 24*time.Hour {
		return 0, longest
	}
	current = 1
	for i := len(days) - 2; i >= 0; i-- {
		if days[i+1].Sub(days[i]) != 24*time.Hour {
			break
		}
		current++
	}
	return current, longest
}

// dateOf truncates t to midnight of its calendar date in loc.
func dateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
