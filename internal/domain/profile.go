package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DayLayout formats a calendar day.
const DayLayout = "2006-01-02"

// UserCallProfile is the subset of a user record relevant to calling.
type UserCallProfile struct {
	ID          uuid.UUID
	PhoneNumber string
	Name        string
	TimeZone    string
	CallTime    string
	Enabled     bool
}

// Callable reports whether the profile may receive scheduled calls at all.
func (p UserCallProfile) Callable() bool {
	return p.Enabled && strings.TrimSpace(p.PhoneNumber) != ""
}

// ParseCallTime converts "HH:MM" or "HH:MM:SS" into minutes after midnight.
func ParseCallTime(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("call time %q: expected HH:MM[:SS]", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("call time %q: invalid hour", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("call time %q: invalid minute", value)
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("call time %q: invalid second", value)
		}
	}
	return hour*60 + minute, nil
}

// LoadLocation resolves name, falling back to fallback when name is empty or unknown.
// The returned bool is false when the fallback was used for a non-empty name.
func LoadLocation(name string, fallback *time.Location) (*time.Location, bool) {
	if strings.TrimSpace(name) == "" {
		return fallback, true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback, false
	}
	return loc, true
}

// LocalDay returns the calendar day of t in loc.
func LocalDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}
