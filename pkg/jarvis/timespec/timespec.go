// Package timespec turns human schedule phrases into cron specs and due
// times. It is shared by unit schedules, the remind action and the CLI.
package timespec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind tells how a spec fires.
type Kind string

const (
	KindCron  Kind = "cron"
	KindEvery Kind = "every"
)

// Spec is a recurring schedule in the cron dialect the scheduler runs.
type Spec struct {
	Expr string
	Kind Kind
}

// Parser is the cron parser used everywhere a recurring spec is evaluated:
// standard five fields plus descriptors such as @daily and @every.
var Parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Recurring resolves a `when` phrase into a validated recurring spec. It
// accepts natural phrases ("every 5 minutes", "daily at 9am",
// "weekdays at 8:30", "weekly on monday at 10:00", "hourly") and raw cron.
func Recurring(input string) (Spec, error) {
	phrase := strings.TrimSpace(strings.ToLower(input))
	if phrase == "" {
		return Spec{}, fmt.Errorf("empty schedule")
	}

	spec, ok := fromPhrase(phrase)
	if !ok {
		spec = Spec{Expr: strings.TrimSpace(input), Kind: KindCron}
		if strings.HasPrefix(phrase, "@every") {
			spec.Kind = KindEvery
		}
	}
	if _, err := Parser.Parse(spec.Expr); err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q: %w", input, err)
	}
	return spec, nil
}

// Next returns the next activation of spec after from.
func (s Spec) Next(from time.Time) time.Time {
	sched, err := Parser.Parse(s.Expr)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(from)
}

var (
	reEveryN     = regexp.MustCompile(`^every\s+(\d+)\s+(second|minute|hour|day|sec|min)s?$`)
	reEveryOne   = regexp.MustCompile(`^every\s+(second|minute|hour|day)$`)
	reDailyAt    = regexp.MustCompile(`^(?:daily|every\s+day)\s+at\s+(.+)$`)
	reWeekdaysAt = regexp.MustCompile(`^(?:weekdays|every\s+weekday)\s+at\s+(.+)$`)
	reWeeklyOn   = regexp.MustCompile(`^(?:weekly\s+on|every)\s+(\w+?)s?(?:\s+at\s+(.+))?$`)
	reInN        = regexp.MustCompile(`^in\s+(\d+)\s+(second|minute|hour|day|sec|min)s?$`)
	reMinutes    = regexp.MustCompile(`^\d+$`)
)

func fromPhrase(p string) (Spec, bool) {
	switch p {
	case "hourly":
		return Spec{Expr: "@every 1h", Kind: KindEvery}, true
	case "daily":
		return Spec{Expr: "0 0 * * *", Kind: KindCron}, true
	}

	if m := reEveryN.FindStringSubmatch(p); m != nil {
		n, _ := strconv.Atoi(m[1])
		if d, ok := unitDuration(m[2]); ok && n > 0 {
			return Spec{Expr: "@every " + formatDuration(time.Duration(n)*d), Kind: KindEvery}, true
		}
		return Spec{}, false
	}
	if m := reEveryOne.FindStringSubmatch(p); m != nil {
		d, _ := unitDuration(m[1])
		return Spec{Expr: "@every " + formatDuration(d), Kind: KindEvery}, true
	}
	if m := reDailyAt.FindStringSubmatch(p); m != nil {
		if h, min, ok := clock(m[1]); ok {
			return Spec{Expr: fmt.Sprintf("%d %d * * *", min, h), Kind: KindCron}, true
		}
		return Spec{}, false
	}
	if m := reWeekdaysAt.FindStringSubmatch(p); m != nil {
		if h, min, ok := clock(m[1]); ok {
			return Spec{Expr: fmt.Sprintf("%d %d * * 1-5", min, h), Kind: KindCron}, true
		}
		return Spec{}, false
	}
	if m := reWeeklyOn.FindStringSubmatch(p); m != nil {
		dow, ok := weekday(m[1])
		if !ok {
			return Spec{}, false
		}
		h, min := 0, 0
		if m[2] != "" {
			if h, min, ok = clock(m[2]); !ok {
				return Spec{}, false
			}
		}
		return Spec{Expr: fmt.Sprintf("%d %d * * %d", min, h, dow), Kind: KindCron}, true
	}
	return Spec{}, false
}

// Due resolves a one-shot reminder time relative to now. Accepted forms:
// a bare number of minutes ("10"), a Go duration ("1h30m"), "in N units",
// a clock time today or tomorrow ("15:04", "3pm"), "2006-01-02 15:04"
// and RFC 3339.
func Due(input string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(strings.ToLower(input))
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}

	if reMinutes.MatchString(s) {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("minutes must be a positive number")
		}
		return now.Add(time.Duration(n) * time.Minute), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("duration must be positive")
		}
		return now.Add(d), nil
	}
	if m := reInN.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		d, ok := unitDuration(m[2])
		if !ok || n <= 0 {
			return time.Time{}, fmt.Errorf("invalid delay %q", input)
		}
		return now.Add(time.Duration(n) * d), nil
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(input)); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, now.Location()); err == nil {
		return t, nil
	}
	if h, min, ok := clock(s); ok {
		target := time.Date(now.Year(), now.Month(), now.Day(), h, min, 0, 0, now.Location())
		if !target.After(now) {
			target = target.Add(24 * time.Hour)
		}
		return target, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", input)
}

// Humanize renders a delay the way reminder confirmations phrase it.
func Humanize(d time.Duration) string {
	d = d.Round(time.Minute)
	switch {
	case d < time.Minute:
		return "less than a minute"
	case d == time.Minute:
		return "1 minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	hours := fmt.Sprintf("%d hours", h)
	if h == 1 {
		hours = "1 hour"
	}
	if m == 0 {
		return hours
	}
	return fmt.Sprintf("%s %d minutes", hours, m)
}

func unitDuration(word string) (time.Duration, bool) {
	switch strings.TrimSuffix(word, "s") {
	case "second", "sec":
		return time.Second, true
	case "minute", "min":
		return time.Minute, true
	case "hour":
		return time.Hour, true
	case "day":
		return 24 * time.Hour, true
	}
	return 0, false
}

// formatDuration drops the zero components time.Duration.String keeps.
func formatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}

// clock parses "9:00", "14:30", "9am" and "3:30pm".
func clock(s string) (hour, minute int, ok bool) {
	s = strings.TrimSpace(s)
	pm := strings.HasSuffix(s, "pm")
	am := strings.HasSuffix(s, "am")
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "pm"), "am"))

	hh, mm, hasMinutes := strings.Cut(s, ":")
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	if hasMinutes {
		minute, err = strconv.Atoi(mm)
		if err != nil || minute < 0 || minute > 59 {
			return 0, 0, false
		}
	} else if !pm && !am {
		return 0, 0, false
	}
	if (pm || am) && hour > 12 {
		return 0, 0, false
	}
	if pm && hour < 12 {
		hour += 12
	}
	if am && hour == 12 {
		hour = 0
	}
	return hour, minute, true
}

func weekday(name string) (int, bool) {
	days := []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
	name = strings.ToLower(name)
	for i, d := range days {
		if name == d || name == d[:3] {
			return i, true
		}
	}
	return 0, false
}
