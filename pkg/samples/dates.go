package samples

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the eight-digit date token embedded in file names, band labels
// and attribute field names.
const DateLayout = "20060102"

// ordinalEpoch is the proleptic Gregorian ordinal of 1970-01-01, counting
// 0001-01-01 as day 1.
const ordinalEpoch = 719163

const secondsPerDay = 24 * 60 * 60

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDateToken parses an eight-digit YYYYMMDD token.
func ParseDateToken(token string) (time.Time, error) {
	if len(token) != 8 {
		return time.Time{}, fmt.Errorf("date token %q: want 8 digits", token)
	}
	t, err := time.ParseInLocation(DateLayout, token, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("date token %q: %w", token, err)
	}
	return t, nil
}

// BandLabel formats the band description for an epoch, e.g. D20200101.
func BandLabel(t time.Time) string {
	return "D" + t.UTC().Format(DateLayout)
}

// ParseBandLabel strips any non-digit prefix from a band description such as
// D20200101 and parses the remaining date token.
func ParseBandLabel(label string) (time.Time, error) {
	token := strings.TrimLeftFunc(label, func(r rune) bool {
		return r < '0' || r > '9'
	})
	if token == "" {
		return time.Time{}, fmt.Errorf("band label %q carries no date", label)
	}
	return ParseDateToken(token)
}

// Ordinal returns the proleptic Gregorian day number of t's calendar day,
// with 0001-01-01 as day 1.
func Ordinal(t time.Time) int {
	return int(Day(t).Unix()/secondsPerDay) + ordinalEpoch
}

// FromOrdinal is the inverse of Ordinal.
func FromOrdinal(ordinal int) time.Time {
	return time.Unix(int64(ordinal-ordinalEpoch)*secondsPerDay, 0).UTC()
}

// Ordinals converts every sample date to its ordinal day number.
func (s Set) Ordinals() []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(Ordinal(v.Date))
	}
	return out
}

var fieldPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^D(\d{8})$`),
	regexp.MustCompile(`(\d{8})$`),
	regexp.MustCompile(`^D_(\d{8})$`),
}

// FieldDate reports the epoch encoded in a vector attribute field name.
// The first matching convention wins: D20200101, ...20200101, D_20200101.
func FieldDate(name string) (time.Time, bool) {
	for _, p := range fieldPatterns {
		m := p.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		t, err := ParseDateToken(m[1])
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// VelocityFields are the attribute names, in lookup order, under which vector
// products store a precomputed mean velocity.
var VelocityFields = []string{"velocity", "VEL", "mean_velocity"}
