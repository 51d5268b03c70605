package markethours

import "time"

// Exchange trading holidays for calendar year 2026, keyed yyyymmdd. The list
// follows the NSE equity/derivatives calendar; dates marked tentative by the
// exchange are included as published.
var holidays2026 = map[int]string{
	20260126: "Republic Day",
	20260217: "Mahashivratri",
	20260314: "Holi",
	20260331: "Id-ul-Fitr",
	20260402: "Ram Navami",
	20260406: "Mahavir Jayanti",
	20260410: "Good Friday",
	20260414: "Dr. Ambedkar Jayanti",
	20260501: "Maharashtra Day",
	20260607: "Bakrid",
	20260706: "Muharram",
	20260815: "Independence Day",
	20260816: "Janmashtami",
	20260905: "Milad-un-Nabi",
	20261002: "Mahatma Gandhi Jayanti",
	20261020: "Dussehra",
	20261021: "Dussehra",
	20261105: "Diwali Lakshmi Puja",
	20261106: "Diwali Balipratipada",
	20261107: "Bhai Dooj",
	20261119: "Guru Nanak Jayanti",
	20261225: "Christmas",
}

// IsHoliday reports whether the date (in IST) is an exchange holiday.
func IsHoliday(t time.Time) bool {
	_, ok := holidays2026[dateKey(t.In(IST))]
	return ok
}

// HolidayName returns the holiday falling on t, or "" on a trading date.
func HolidayName(t time.Time) string {
	return holidays2026[dateKey(t.In(IST))]
}

func dateKey(ist time.Time) int {
	return ist.Year()*10000 + int(ist.Month())*100 + ist.Day()
}
