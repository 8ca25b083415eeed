package crawler

import "time"

// NextRun computes the first scheduled activation strictly after the given
// time. A disabled schedule returns the zero time.
func (s Schedule) NextRun(after time.Time) time.Time {
	if !s.Enabled {
		return time.Time{}
	}
	after = after.UTC()

	switch s.Frequency {
	case FrequencyHourly:
		next := after.Truncate(time.Hour).Add(time.Hour)
		return next
	case FrequencyWeekly:
		next := atHour(after, s.Hour)
		for !next.After(after) || int(next.Weekday()) != s.DayOfWeek {
			next = atHour(next.AddDate(0, 0, 1), s.Hour)
		}
		return next
	case FrequencyMonthly:
		day := s.DayOfMonth
		if day < 1 {
			day = 1
		}
		next := time.Date(after.Year(), after.Month(), day, s.Hour, 0, 0, 0, time.UTC)
		for !next.After(after) || next.Day() != day {
			// Normalize months where the requested day overflows (e.g. 31st).
			next = time.Date(next.Year(), next.Month()+1, day, s.Hour, 0, 0, 0, time.UTC)
		}
		return next
	default: // FrequencyDaily
		next := atHour(after, s.Hour)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

func atHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, time.UTC)
}

// Priority bounds for queue items. Seed URLs enter at PriorityMax.
const (
	PriorityMax = 100
	PriorityMin = 1
)

// LinkPriority scores a discovered link for the work queue. Shallower pages
// rank higher; links near the top of a page edge out those below it, and
// links with anchor text edge out bare ones.
func LinkPriority(depth, position int, hasAnchorText bool) int {
	p := PriorityMax - 20*depth - position/5
	if hasAnchorText {
		p += 5
	}
	if p > PriorityMax {
		p = PriorityMax
	}
	if p < PriorityMin {
		p = PriorityMin
	}
	return p
}
