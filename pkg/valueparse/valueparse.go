// Package valueparse holds the stateless cell coercions shared by the mapping
// model and the transformation engine. Date formats are strftime patterns
// (e.g. "%Y%m%d") because that is what the mapping tables are authored in.
package valueparse

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/timefmt-go"
)

// DateTimeFormat is the layout used for event and visit timestamps.
const DateTimeFormat = "%Y%m%d %H:%M:%S"

// DateFormat is the layout used when a date is stored as a plain value.
const DateFormat = "%Y-%m-%d"

// DateParseError reports a date cell that does not match its configured format.
type DateParseError struct {
	Value  string
	Format string
	Err    error
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("parse date %q with format %q: %v", e.Value, e.Format, e.Err)
}

func (e *DateParseError) Unwrap() error { return e.Err }

// ParseFloat parses a decimal number, accepting a comma as the decimal separator.
func ParseFloat(value string) (float64, error) {
	s := strings.TrimSpace(value)
	f, err := strconv.ParseFloat(s, 64)
	if err == nil {
		return f, nil
	}
	if f, err2 := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64); err2 == nil {
		return f, nil
	}
	return 0, fmt.Errorf("parse float %q: %w", value, err)
}

// IsValid reports whether a cell carries a usable value: not empty, not only
// whitespace and not a NaN marker.
func IsValid(value string) bool {
	s := strings.TrimSpace(value)
	if s == "" {
		return false
	}
	switch strings.ToLower(s) {
	case "nan", "null", "none", "<na>", "nat":
		return false
	}
	return true
}

// IsMissing reports whether the cell equals one of the configured
// missing-value keywords.
func IsMissing(value string, keywords []string) bool {
	for _, k := range keywords {
		if value == k {
			return true
		}
	}
	return false
}

// ParseTime parses raw with the strftime format.
func ParseTime(raw, format string) (time.Time, error) {
	t, err := timefmt.Parse(strings.TrimSpace(raw), format)
	if err != nil {
		return time.Time{}, &DateParseError{Value: raw, Format: format, Err: err}
	}
	return t, nil
}

// ParseDate reformats raw from inputFormat to outputFormat.
func ParseDate(raw, inputFormat, outputFormat string) (string, error) {
	t, err := ParseTime(raw, inputFormat)
	if err != nil {
		return "", err
	}
	return timefmt.Format(t, outputFormat), nil
}

// FormatTime renders t with the strftime format.
func FormatTime(t time.Time, format string) string {
	return timefmt.Format(t, format)
}

// YearOfBirth infers the birth year from an age observed at a reference date.
// Whole years are subtracted; the day of year is ignored.
func YearOfBirth(age float64, referenceRaw, referenceFormat string) (int, error) {
	if math.IsNaN(age) || age < 0 {
		return 0, fmt.Errorf("invalid age %v", age)
	}
	ref, err := ParseTime(referenceRaw, referenceFormat)
	if err != nil {
		return 0, err
	}
	return ref.Year() - int(age), nil
}

// FormatFloat renders f without trailing zeros.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
