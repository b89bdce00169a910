// Package window answers "is sending permitted at this instant" for a
// campaign's per-weekday send windows. Callers always pass the instant in;
// nothing here reads the process clock, so evaluation is replayable.
package window

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
)

// minuteRange is a half-open [Start, End) range in minutes of day.
type minuteRange struct {
	Start int
	End   int
}

// Schedule is a validated, compiled send-window spec.
type Schedule struct {
	enabled  bool
	loc      *time.Location
	weekdays map[time.Weekday][]minuteRange
}

// Compile validates and compiles a persisted spec. fallbackTZ is the
// campaign timezone, used when the spec carries none. A nil spec or a
// disabled one compiles to an always-open schedule.
//
// Ranges must satisfy start < end within a single weekday bucket; a range
// crossing midnight is rejected and must be split across the two buckets.
func Compile(spec *model.SendWindowSpec, fallbackTZ string) (*Schedule, error) {
	tz := fallbackTZ
	if spec != nil && spec.Timezone != "" {
		tz = spec.Timezone
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, appErrors.NewValidation("invalid timezone %q", tz)
	}

	s := &Schedule{loc: loc, weekdays: map[time.Weekday][]minuteRange{}}
	if spec == nil || !spec.Enabled {
		return s, nil
	}
	s.enabled = true

	for key, ranges := range spec.Weekdays {
		day, err := strconv.Atoi(key)
		if err != nil || day < 0 || day > 6 {
			return nil, appErrors.NewValidation("invalid weekday key %q (want 0=Sunday..6=Saturday)", key)
		}
		wd := time.Weekday(day)
		for _, raw := range ranges {
			r, err := parseRange(raw)
			if err != nil {
				return nil, err
			}
			s.weekdays[wd] = append(s.weekdays[wd], r)
		}
	}

	for wd, ranges := range s.weekdays {
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
		for i := 1; i < len(ranges); i++ {
			if ranges[i].Start < ranges[i-1].End {
				return nil, appErrors.NewValidation(
					"overlapping send windows on weekday %d", int(wd))
			}
		}
		s.weekdays[wd] = ranges
	}

	return s, nil
}

func parseRange(raw string) (minuteRange, error) {
	parts := strings.Split(strings.TrimSpace(raw), "-")
	if len(parts) != 2 {
		return minuteRange{}, appErrors.NewValidation("invalid send window %q (want HH:MM-HH:MM)", raw)
	}
	start, err := parseMinute(parts[0])
	if err != nil {
		return minuteRange{}, appErrors.NewValidation("invalid send window %q: %v", raw, err)
	}
	end, err := parseMinute(parts[1])
	if err != nil {
		return minuteRange{}, appErrors.NewValidation("invalid send window %q: %v", raw, err)
	}
	if start >= end {
		return minuteRange{}, appErrors.NewValidation(
			"invalid send window %q: start must precede end within one weekday (split overnight ranges across two days)", raw)
	}
	return minuteRange{Start: start, End: end}, nil
}

func parseMinute(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Enabled reports whether the schedule actually restricts sending.
func (s *Schedule) Enabled() bool { return s.enabled }

// SendAllowedAt reports whether instant falls inside a configured window.
// A disabled schedule always permits sending.
func (s *Schedule) SendAllowedAt(instant time.Time) bool {
	if !s.enabled {
		return true
	}
	local := instant.In(s.loc)
	minute := local.Hour()*60 + local.Minute()
	for _, r := range s.weekdays[local.Weekday()] {
		if minute >= r.Start && minute < r.End {
			return true
		}
	}
	return false
}

// NextAllowedInstant returns the earliest instant >= instant at which
// sending is permitted, or false when no window exists within the next
// eight days (which for a weekly spec means no window at all).
func (s *Schedule) NextAllowedInstant(instant time.Time) (time.Time, bool) {
	if s.SendAllowedAt(instant) {
		return instant, true
	}

	local := instant.In(s.loc)
	for day := 0; day < 8; day++ {
		candidate := local.AddDate(0, 0, day)
		minute := -1
		if day == 0 {
			minute = local.Hour()*60 + local.Minute()
		}
		for _, r := range s.weekdays[candidate.Weekday()] {
			if r.Start <= minute {
				continue
			}
			next := time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
				r.Start/60, r.Start%60, 0, 0, s.loc)
			return next, true
		}
	}
	return time.Time{}, false
}
