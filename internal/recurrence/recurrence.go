// Package recurrence computes the next run instant of a recurring report
// schedule.
//
// A Rule combines a frequency, a wall-clock time of day, an IANA zone and an
// anchor instant. The anchor fixes the weekday (weekly), the day of month
// (monthly, quarterly) and the month (quarterly, yearly) of every
// occurrence. Rule.Next is pure: it reads no clock and keeps no state, so
// recomputing after a crash yields the same instant.
package recurrence

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone data for hosts without a system zoneinfo

	"github.com/reportsched/internal/models"
)

// TimeOfDay is a wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses a 24-hour "HH:MM" value.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parsed, err := time.Parse("15:04", s)
	if err != nil || len(s) != len("15:04") {
		return TimeOfDay{}, fmt.Errorf("time of day %q is not a 24-hour HH:MM value", s)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// LoadLocation resolves an IANA zone name. The empty name and "Local" are
// rejected because they do not identify a zone independently of the host.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("timezone %q is not an IANA zone name", name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}

// ParseFrequency validates a frequency name.
func ParseFrequency(s string) (models.Frequency, error) {
	f := models.Frequency(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown frequency %q", s)
	}
	return f, nil
}

// Rule is a fully parsed recurrence.
type Rule struct {
	Frequency models.Frequency
	TimeOfDay TimeOfDay
	Location  *time.Location
	Anchor    time.Time
}

// NewRule parses the stored string form of a recurrence.
func NewRule(frequency models.Frequency, timeOfDay, timezone string, anchor time.Time) (Rule, error) {
	if !frequency.Valid() {
		return Rule{}, fmt.Errorf("unknown frequency %q", frequency)
	}
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return Rule{}, err
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Frequency: frequency, TimeOfDay: tod, Location: loc, Anchor: anchor}, nil
}

// ForSchedule builds the rule stored on s.
func ForSchedule(s *models.ReportSchedule) (Rule, error) {
	return NewRule(s.Frequency, s.TimeOfDay, s.Timezone, s.AnchorAt)
}

// NextRun is the flat form of NewRule followed by Rule.Next.
func NextRun(frequency models.Frequency, timeOfDay, timezone string, anchor, ref time.Time) (time.Time, error) {
	r, err := NewRule(frequency, timeOfDay, timezone, anchor)
	if err != nil {
		return time.Time{}, err
	}
	return r.Next(ref), nil
}

// Next returns the earliest occurrence strictly after ref, in UTC.
func (r Rule) Next(ref time.Time) time.Time {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	local := ref.In(loc)
	anchor := r.Anchor.In(loc)
	y, m, d := local.Date()

	var next time.Time
	switch r.Frequency {
	case models.FrequencyWeekly:
		// Start one cadence behind so a candidate earlier today is still considered.
		offset := (int(anchor.Weekday()) - int(local.Weekday()) + 7) % 7
		for i := offset - 7; ; i += 7 {
			if next = r.on(loc, y, m, d+i); next.After(ref) {
				break
			}
		}
	case models.FrequencyMonthly:
		next = r.monthly(loc, ref, anchor, 1)
	case models.FrequencyQuarterly:
		next = r.monthly(loc, ref, anchor, 3)
	case models.FrequencyYearly:
		next = r.monthly(loc, ref, anchor, 12)
	default:
		for i := -1; ; i++ {
			if next = r.on(loc, y, m, d+i); next.After(ref) {
				break
			}
		}
	}
	return next.UTC()
}

// monthly walks months congruent to the anchor month modulo step, clamping
// the anchor day to each month's length.
func (r Rule) monthly(loc *time.Location, ref, anchor time.Time, step int) time.Time {
	local := ref.In(loc)
	anchorIdx := monthIndex(anchor.Year(), anchor.Month())
	idx := monthIndex(local.Year(), local.Month()) - 12
	idx += mod(anchorIdx-idx, step)
	day := anchor.Day()
	for ; ; idx += step {
		y, m := idx/12, time.Month(idx%12+1)
		next := r.on(loc, y, m, min(day, daysIn(y, m)))
		if next.After(ref) {
			return next
		}
	}
}

// on resolves the rule's time of day on a calendar date; d may overflow the
// month and is normalised.
func (r Rule) on(loc *time.Location, y int, m time.Month, d int) time.Time {
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return WallClock(date.Year(), date.Month(), date.Day(), r.TimeOfDay.Hour, r.TimeOfDay.Minute, loc)
}

// WallClock converts a local date and time in loc to an instant. A wall time
// repeated by a backward transition resolves to its earlier instant; a wall time
// skipped by a forward transition resolves to the first instant after the gap.
func WallClock(y int, m time.Month, d, hour, minute int, loc *time.Location) time.Time {
	naive := time.Date(y, m, d, hour, minute, 0, 0, time.UTC)
	guess := time.Date(y, m, d, hour, minute, 0, 0, loc)

	var lo, hi, best time.Time
	for _, candidate := range []time.Time{guess.Add(-24 * time.Hour), guess, guess.Add(24 * time.Hour)} {
		_, offset := candidate.Zone()
		c := naive.Add(-time.Duration(offset) * time.Second)
		if lo.IsZero() || c.Before(lo) {
			lo = c
		}
		if hi.IsZero() || c.After(hi) {
			hi = c
		}
		if wallOf(c, loc).Equal(naive) && (best.IsZero() || c.Before(best)) {
			best = c
		}
	}
	if !best.IsZero() {
		return best
	}

	// Gap: smallest instant in [lo, hi] whose wall clock is at or past naive.
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Second)
		if wallOf(mid, loc).Before(naive) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

// wallOf returns the local wall clock of t in loc, expressed as a UTC time so
// wall clocks can be compared directly.
func wallOf(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), 0, time.UTC)
}

func monthIndex(y int, m time.Month) int {
	return y*12 + int(m) - 1
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func mod(a, b int) int {
	return ((a % b) + b) % b
}
