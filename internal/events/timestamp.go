package events

import "time"

// FormatTimestamp renders ts as "03:04 PM, Today", "03:04 PM, Yesterday" or
// "03:04 PM, 02 Jan 2006", judged by calendar day in now's location.
func FormatTimestamp(ts, now time.Time) string {
	ts = ts.In(now.Location())

	var day string
	switch {
	case sameDay(ts, now):
		day = "Today"
	case sameDay(ts, now.AddDate(0, 0, -1)):
		day = "Yesterday"
	default:
		day = ts.Format("02 Jan 2006")
	}
	return ts.Format("03:04 PM") + ", " + day
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
