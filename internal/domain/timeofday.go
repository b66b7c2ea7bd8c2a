package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTimeOfDay = errors.New("invalid time of day")

// TimeOfDay is a wall-clock time within a day, not an instant.
type TimeOfDay struct {
	Hour        int
	Minute      int
	Second      int
	Millisecond int
}

func (t TimeOfDay) Offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second +
		time.Duration(t.Millisecond)*time.Millisecond
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%03d", t.Hour, t.Minute, t.Second, t.Millisecond)
}

// ParseTimeOfDay accepts HH:MM, HH:MM:SS and HH:MM:SS.mmm. The fractional
// part is a fraction of a second, so ".5" is 500ms.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: %q: expected HH:MM[:SS[.mmm]]", ErrInvalidTimeOfDay, s)
	}

	var tod TimeOfDay
	var err error
	if tod.Hour, err = component(parts[0], "hour", 23); err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimeOfDay, s, err)
	}
	if tod.Minute, err = component(parts[1], "minute", 59); err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimeOfDay, s, err)
	}
	if len(parts) == 3 {
		sec, frac, hasFrac := strings.Cut(parts[2], ".")
		if tod.Second, err = component(sec, "second", 59); err != nil {
			return TimeOfDay{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimeOfDay, s, err)
		}
		if hasFrac {
			if len(frac) == 0 || len(frac) > 3 {
				return TimeOfDay{}, fmt.Errorf("%w: %q: millisecond must have 1-3 digits", ErrInvalidTimeOfDay, s)
			}
			if tod.Millisecond, err = component(frac+strings.Repeat("0", 3-len(frac)), "millisecond", 999); err != nil {
				return TimeOfDay{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimeOfDay, s, err)
			}
		}
	}
	return tod, nil
}

func component(raw, name string, max int) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is empty", name)
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%s %q is not a number", name, raw)
		}
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, raw, err)
	}
	if v > max {
		return 0, fmt.Errorf("%s %d out of range 0-%d", name, v, max)
	}
	return v, nil
}
