package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day, independent of timezone once computed
// =============================================================================

// Date is a calendar day. It is stored as midnight UTC so that day
// arithmetic never crosses a DST boundary.
type Date struct {
	t time.Time
}

const dateLayout = "2006-01-02"

// NewDate builds a Date from its parts.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateIn returns the calendar day of t as seen in loc.
func DateIn(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return NewDate(lt.Year(), lt.Month(), lt.Day())
}

// ParseDate parses "2006-01-02". The empty string is the zero Date.
func ParseDate(s string) (Date, error) {
	if s == "" {
		return Date{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t: t}, nil
}

func (d Date) IsZero() bool          { return d.t.IsZero() }
func (d Date) Equal(o Date) bool     { return d.t.Equal(o.t) }
func (d Date) Before(o Date) bool    { return d.t.Before(o.t) }
func (d Date) After(o Date) bool     { return d.t.After(o.t) }
func (d Date) AddDays(n int) Date    { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) Weekday() time.Weekday { return d.t.Weekday() }
func (d Date) Month() string         { return d.t.Format("2006-01") }

// DaysUntil returns the number of calendar days from d to o (negative if o is earlier).
func (d Date) DaysUntil(o Date) int {
	return int(o.t.Sub(d.t).Hours() / 24)
}

// ISOWeek returns the "2006-W01" key of the ISO week containing d.
func (d Date) ISOWeek() string {
	y, w := d.t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// StartOfISOWeek returns the Monday of d's ISO week.
func (d Date) StartOfISOWeek() Date {
	offset := (int(d.t.Weekday()) + 6) % 7
	return d.AddDays(-offset)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.t.Year(), d.t.Month(), d.t.Day(), 0, 0, 0, 0, loc)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(dateLayout)
}
