package markethours

import (
	"strings"
	"testing"
	"time"
)

func TestIsMarketOpen(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"mid-session", time.Date(2026, 2, 10, 11, 0, 0, 0, IST), true}, // Tuesday
		{"before open", time.Date(2026, 2, 10, 9, 14, 59, 0, IST), false},
		{"at open", time.Date(2026, 2, 10, 9, 15, 0, 0, IST), true},
		{"at close", time.Date(2026, 2, 10, 15, 30, 0, 0, IST), false},
		{"saturday", time.Date(2026, 2, 14, 11, 0, 0, 0, IST), false},
		{"republic day", time.Date(2026, 1, 26, 11, 0, 0, 0, IST), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsMarketOpen(tc.t); got != tc.want {
				t.Fatalf("IsMarketOpen(%v) = %v, want %v", tc.t, got, tc.want)
			}
		})
	}
}

func TestNextOpen(t *testing.T) {
	// Before open on a trading day → same day's open.
	early := time.Date(2026, 2, 10, 8, 0, 0, 0, IST)
	if got := NextOpen(early); got.Day() != 10 || got.Hour() != 9 || got.Minute() != 15 {
		t.Fatalf("NextOpen(early) = %v", got)
	}

	// After close on Friday → Monday's open.
	friEvening := time.Date(2026, 2, 13, 16, 0, 0, 0, IST)
	got := NextOpen(friEvening)
	if got.Weekday() != time.Monday || got.Day() != 16 {
		t.Fatalf("NextOpen(friday evening) = %v", got)
	}
}

func TestNextPreOpen(t *testing.T) {
	early := time.Date(2026, 2, 10, 8, 0, 0, 0, IST)
	got := NextPreOpen(early)
	if got.Hour() != 9 || got.Minute() != 10 {
		t.Fatalf("NextPreOpen = %v, want 09:10", got)
	}
}

func TestHolidayName(t *testing.T) {
	republicDay := time.Date(2026, 1, 26, 11, 0, 0, 0, IST)
	if got := HolidayName(republicDay); got != "Republic Day" {
		t.Fatalf("HolidayName = %q", got)
	}
	tradingDay := time.Date(2026, 2, 10, 11, 0, 0, 0, IST)
	if got := HolidayName(tradingDay); got != "" {
		t.Fatalf("HolidayName on a trading day = %q", got)
	}

	// The session log should name the closure.
	status := StatusString(republicDay)
	if !strings.Contains(status, "Republic Day") {
		t.Fatalf("StatusString = %q, want it to mention the holiday", status)
	}
}
