package convert

import "time"

type TemporalAdjuster func(time.Time) time.Time

// TwoDigitYear reproduces MySQL's legacy handling of two-digit years: 00-69
// become 2000-2069 and 70-99 become 1970-1999. Other years pass through.
func TwoDigitYear(t time.Time) time.Time {
	switch year := t.Year(); {
	case 0 <= year && year <= 69:
		return t.AddDate(2000, 0, 0)
	case 70 <= year && year <= 99:
		return t.AddDate(1900, 0, 0)
	}
	return t
}

func Passthrough(t time.Time) time.Time { return t }
