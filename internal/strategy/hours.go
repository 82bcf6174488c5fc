package strategy

import (
	"time"

	"dhan-mirror/pkg/types"
)

// Session bounds in minutes from midnight IST. The regular NSE/BSE cash and
// derivatives session runs 09:15–15:30, Monday to Friday.
const (
	sessionOpenMinute  = 9*60 + 15
	sessionCloseMinute = 15*60 + 30
)

// WithinMarketHours reports whether t falls inside the regular trading
// session. Advisory only: exchange holidays are not modelled and AMO orders
// are legitimate outside the session, so callers log a miss instead of
// blocking on it. The broker is the authority either way.
func WithinMarketHours(t time.Time) bool {
	ist := t.In(types.IST)

	switch ist.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minute := ist.Hour()*60 + ist.Minute()
	return minute >= sessionOpenMinute && minute < sessionCloseMinute
}
