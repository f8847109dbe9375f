package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	fiveField = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sixField  = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseRecurrence accepts five-field (minute first) or six-field (second
// first) cron expressions and descriptors such as "@daily" or "@every 1h".
// Expressions are always evaluated in UTC, so timezone prefixes are refused.
func ParseRecurrence(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty recurrence")
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("timezone prefixes are not supported; recurrences run in UTC")
	}
	if strings.HasPrefix(expr, "@") {
		return fiveField.Parse(expr)
	}
	switch len(strings.Fields(expr)) {
	case 5:
		return fiveField.Parse(expr)
	case 6:
		return sixField.Parse(expr)
	default:
		return nil, fmt.Errorf("expected 5 or 6 fields, got %d", len(strings.Fields(expr)))
	}
}

// NextRun is the first activation strictly after from, in UTC.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseRecurrence(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("recurrence %q never fires", expr)
	}
	return next.UTC(), nil
}
