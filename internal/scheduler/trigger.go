package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

type triggerMode int

const (
	modeInterval triggerMode = iota
	modeDaily
)

const (
	minInterval      = 5 * time.Minute
	defaultInterval  = 120 * time.Minute
	defaultDailySpec = "08:00,20:00"

	dailyPollInterval = 30 * time.Second
)

// Trigger is one parsed scheduling cadence: either a fixed interval
// (`*/N` minutes) or a list of daily fire times (`HH:MM,HH:MM`).
type Trigger struct {
	mode     triggerMode
	interval time.Duration
	times    []string
}

var hhmmPattern = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// ParseTrigger interprets the configured trigger string. A legacy
// interval-minutes setting takes over when the trigger field is empty
// or still at its default, so older deployments keep their cadence.
func ParseTrigger(spec string, legacyMinutes int) Trigger {
	spec = strings.TrimSpace(spec)

	if legacyMinutes > 0 && (spec == "" || spec == defaultDailySpec) {
		return intervalTrigger(time.Duration(legacyMinutes) * time.Minute)
	}

	if strings.HasPrefix(spec, "*/") {
		minutes, err := strconv.Atoi(strings.TrimSpace(spec[2:]))
		if err != nil || minutes <= 0 {
			return intervalTrigger(defaultInterval)
		}
		return intervalTrigger(time.Duration(minutes) * time.Minute)
	}

	var times []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if m := hhmmPattern.FindStringSubmatch(part); m != nil {
			times = append(times, normalizeHHMM(m[1], m[2]))
		}
	}
	if len(times) == 0 {
		times = strings.Split(defaultDailySpec, ",")
	}
	return Trigger{mode: modeDaily, times: times}
}

func intervalTrigger(d time.Duration) Trigger {
	if d < minInterval {
		d = minInterval
	}
	return Trigger{mode: modeInterval, interval: d}
}

func normalizeHHMM(hh, mm string) string {
	if len(hh) == 1 {
		hh = "0" + hh
	}
	return hh + ":" + mm
}

// firedKey is the at-most-once-per-day marker for a daily fire time.
func firedKey(now time.Time, hhmm string) string {
	return now.Format("2006-01-02") + "_" + hhmm
}

// staleFiredKey reports whether a marker belongs to a past day.
func staleFiredKey(key string, now time.Time) bool {
	return !strings.HasPrefix(key, now.Format("2006-01-02"))
}
