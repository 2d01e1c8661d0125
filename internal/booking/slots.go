package booking

import (
	"fmt"
	"regexp"
	"time"
)

// dayTemplate lists the half-hour slot start times generated for every day.
var dayTemplate = []string{
	"09:00", "09:30", "10:00", "10:30", "11:00", "11:30",
	"12:00", "12:30", "14:00", "14:30", "15:00", "15:30",
	"16:00", "16:30", "17:00", "17:30",
}

const slotLength = 30 * time.Minute

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidDate reports whether s is a YYYY-MM-DD calendar date.
func ValidDate(s string) bool {
	if !datePattern.MatchString(s) {
		return false
	}
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// NormalizeTime reduces "9:00", "09:00" and "09:00:00" to "09:00".
func NormalizeTime(s string) (string, bool) {
	for _, layout := range []string{"15:04", "15:04:05", "3:04", "15.04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), true
		}
	}
	return "", false
}

type templateSlot struct {
	date  string
	start string
	end   string
}

// expandRange lists the template slots for every day in [start, end].
func expandRange(start, end string) ([]templateSlot, error) {
	from, err := time.Parse(DateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: start date %q", ErrInvalidInput, start)
	}
	to, err := time.Parse(DateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: end date %q", ErrInvalidInput, end)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end date before start date", ErrInvalidInput)
	}

	var out []templateSlot
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		day := d.Format(DateLayout)
		for _, hhmm := range dayTemplate {
			t, _ := time.Parse("15:04", hhmm)
			out = append(out, templateSlot{
				date:  day,
				start: hhmm,
				end:   t.Add(slotLength).Format("15:04"),
			})
		}
	}
	return out, nil
}
