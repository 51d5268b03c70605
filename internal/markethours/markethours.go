// Package markethours answers when the Indian cash and derivatives sessions
// trade: 9:15 to 15:30 IST on weekdays outside the exchange holiday calendar.
// The session manager gates feed startup and teardown on it.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30

	// Pre-open warm-up: the vendor login and contract-master refresh start
	// this many minutes before the bell.
	PreOpenMinutesBefore = 5
)

// IsMarketOpen reports whether t falls inside the trading session.
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsWeekday reports whether t is Monday through Friday in IST.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay reports whether the exchange trades at all on t's date.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

// NextOpen returns the next session open: today's bell if it has not rung
// yet, otherwise the open of the next trading day.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)

	todayOpen := openAt(ist)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}

	// Holidays cluster around weekends; a ten-day scan always finds a
	// trading day.
	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if IsTradingDay(d) {
			return openAt(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return openAt(ist.AddDate(0, 0, 1))
}

// NextPreOpen returns the warm-up instant before the next open, when the
// vendor login and contract-master refresh kick off.
func NextPreOpen(t time.Time) time.Time {
	return NextOpen(t).Add(-PreOpenMinutesBefore * time.Minute)
}

// TodayClose returns the close of t's date, whether or not it is a trading
// day.
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// TimeUntilClose returns the time remaining in today's session, zero once the
// bell has rung.
func TimeUntilClose(t time.Time) time.Duration {
	d := TodayClose(t).Sub(t.In(IST))
	if d < 0 {
		return 0
	}
	return d
}

// StatusString renders the market state for the session log.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(TimeUntilClose(t)))
	}
	if name := HolidayName(t); name != "" {
		return fmt.Sprintf("Market Closed (%s) — opens %s", name, opensAtString(t))
	}
	return fmt.Sprintf("Market Closed — opens %s", opensAtString(t))
}

func opensAtString(t time.Time) string {
	next := NextOpen(t)
	ist := next.In(IST)
	return fmt.Sprintf("%s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

func openAt(ist time.Time) time.Time {
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
