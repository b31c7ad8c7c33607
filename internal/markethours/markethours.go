// Package markethours answers whether the NSE F&O session is open. The exit
// monitor polls only during the session and the tick feed connects just
// before it opens.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session bounds in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30

	// feed login happens this long before open
	PreOpenMinutesBefore = 5
)

// Calendar is a trading calendar: weekdays minus holidays, 09:15 to 15:30 IST.
type Calendar struct {
	holidays map[string]bool
}

// NewCalendar builds a calendar from "2006-01-02" dates. An empty list uses
// DefaultHolidays.
func NewCalendar(holidays []string) (*Calendar, error) {
	if len(holidays) == 0 {
		holidays = DefaultHolidays
	}
	c := &Calendar{holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		d, err := time.ParseInLocation("2006-01-02", h, IST)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		c.holidays[d.Format("2006-01-02")] = true
	}
	return c, nil
}

var defaultCalendar = mustCalendar(DefaultHolidays)

// Default returns the calendar with the built-in NSE holiday list.
func Default() *Calendar { return defaultCalendar }

// IsHoliday reports whether t's IST date is an exchange holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[t.In(IST).Format("2006-01-02")]
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	return wd >= time.Monday && wd <= time.Friday && !c.IsHoliday(ist)
}

// IsOpen reports whether t falls inside the trading session.
func (c *Calendar) IsOpen(t time.Time) bool {
	ist := t.In(IST)
	if !c.IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// NextOpen returns the next session open at or after t. If t is before
// today's open on a trading day, that is today's open.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	todayOpen := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(todayOpen) && c.IsTradingDay(ist) {
		return todayOpen
	}
	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 15; i++ {
		if c.IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, IST)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, OpenHour, OpenMinute, 0, 0, IST)
}

// NextPreOpen is PreOpenMinutesBefore minutes ahead of NextOpen.
func (c *Calendar) NextPreOpen(t time.Time) time.Time {
	return c.NextOpen(t).Add(-PreOpenMinutesBefore * time.Minute)
}

// TodayClose returns the session close on t's IST date.
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// Status returns a human-readable session status for logs.
func (c *Calendar) Status(t time.Time) string {
	if c.IsOpen(t) {
		return "market open, closes in " + fmtDur(TodayClose(t).Sub(t))
	}
	next := c.NextOpen(t)
	ist := next.In(IST)
	return fmt.Sprintf("market closed, opens %s %s (%s)", ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

// IsMarketOpen reports whether the default calendar's session is open at t.
func IsMarketOpen(t time.Time) bool { return defaultCalendar.IsOpen(t) }

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
