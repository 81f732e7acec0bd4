package usage

import "testing"

func capPtr(n int) *int { return &n }

func TestSnapshotExceededDaily(t *testing.T) {
	s := Snapshot{
		DailyUsed: 5, DailyCap: capPtr(5),
		MonthlyUsed: 10, MonthlyCap: capPtr(100),
	}
	if !s.Exceeded() {
		t.Fatalf("expected exceeded when daily_used == daily_cap")
	}
	if s.NoAccess() {
		t.Fatalf("exceeded is not no-access")
	}
}

func TestSnapshotNoAccessZeroCap(t *testing.T) {
	s := Snapshot{
		DailyUsed: 0, DailyCap: capPtr(0),
		MonthlyUsed: 0, MonthlyCap: capPtr(50),
	}
	if !s.NoAccess() {
		t.Fatalf("expected no-access with zero daily cap")
	}
	if s.Exceeded() {
		t.Fatalf("zero caps are no-access, not exceeded")
	}
}

func TestSnapshotUnlimited(t *testing.T) {
	s := Snapshot{DailyUsed: 99999, MonthlyUsed: 99999}
	if s.NoAccess() || s.Exceeded() {
		t.Fatalf("nil caps mean unlimited")
	}
	if got := s.Remaining(); got != -1 {
		t.Fatalf("remaining for unlimited = %d, want -1", got)
	}
}

func TestSnapshotMonthlyExceeded(t *testing.T) {
	s := Snapshot{
		DailyUsed: 1, DailyCap: capPtr(10),
		MonthlyUsed: 100, MonthlyCap: capPtr(100),
	}
	if !s.Exceeded() {
		t.Fatalf("expected exceeded when monthly window is full")
	}
}

func TestSnapshotRemainingTighterWindow(t *testing.T) {
	s := Snapshot{
		DailyUsed: 3, DailyCap: capPtr(5),
		MonthlyUsed: 99, MonthlyCap: capPtr(100),
	}
	if got := s.Remaining(); got != 1 {
		t.Fatalf("remaining = %d, want 1 (monthly is tighter)", got)
	}
}
