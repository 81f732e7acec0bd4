package usage

import "time"

// Snapshot is the wire shape of a user's metered usage. A nil cap means
// unlimited, a zero cap means the plan grants no assistant access.
type Snapshot struct {
	Day         string `json:"day"`   // YYYY-MM-DD (UTC)
	DailyUsed   int    `json:"daily_used"`
	DailyCap    *int   `json:"daily_cap"`
	Month       string `json:"month"` // YYYY-MM (UTC)
	MonthlyUsed int    `json:"monthly_used"`
	MonthlyCap  *int   `json:"monthly_cap"`
}

// NoAccess reports whether the plan grants no credits at all.
func (s Snapshot) NoAccess() bool {
	if s.DailyCap != nil && *s.DailyCap == 0 {
		return true
	}
	if s.MonthlyCap != nil && *s.MonthlyCap == 0 {
		return true
	}
	return false
}

// Exceeded reports whether a bounded window is used up. Zero caps are
// NoAccess territory, not Exceeded; the two predicates are independent.
func (s Snapshot) Exceeded() bool {
	if s.DailyCap != nil && *s.DailyCap > 0 && s.DailyUsed >= *s.DailyCap {
		return true
	}
	if s.MonthlyCap != nil && *s.MonthlyCap > 0 && s.MonthlyUsed >= *s.MonthlyCap {
		return true
	}
	return false
}

// Remaining returns the credits left in the tighter window, or -1 when
// both windows are unlimited.
func (s Snapshot) Remaining() int {
	rem := -1
	if s.DailyCap != nil {
		rem = *s.DailyCap - s.DailyUsed
	}
	if s.MonthlyCap != nil {
		if m := *s.MonthlyCap - s.MonthlyUsed; rem < 0 || m < rem {
			rem = m
		}
	}
	if rem < 0 && (s.DailyCap != nil || s.MonthlyCap != nil) {
		rem = 0
	}
	return rem
}

// DayKey and MonthKey are the canonical UTC window labels.
func DayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }
