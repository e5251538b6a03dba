package scheduler

import (
	"strconv"
	"strings"
	"time"
)

// fieldLimits are the inclusive domains of the five cron fields:
// minute, hour, day-of-month, month, day-of-week (0 and 7 are Sunday).
var fieldLimits = [5][2]int{
	{0, 59},
	{0, 23},
	{1, 31},
	{1, 12},
	{0, 7},
}

// ValidateExpression checks the simplified five-field schedule expression.
// Each field must be `*` or an integer inside its domain. Other syntax
// (ranges, lists, steps) is accepted without interpretation; NextFireTime
// falls back to an hourly cadence for such shapes.
func ValidateExpression(expr string) bool {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return false
	}
	for i, field := range fields {
		if field == "*" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			// ranges/lists/steps: permissive
			continue
		}
		if n < fieldLimits[i][0] || n > fieldLimits[i][1] {
			return false
		}
	}
	return true
}

// NextFireTime computes the next strictly-future fire time for expr.
//
// Fast path: a fixed minute and hour build a candidate today at hh:mm; a
// candidate not in the future advances to the next occurrence of a fixed
// day-of-week, or otherwise by one day.
//
// Slow path: anything else (star or unparsable minute/hour, wrong field
// count) returns now + 1 hour. That keeps the job rescheduling even for
// expression shapes outside the supported subset.
func NextFireTime(expr string, now time.Time) time.Time {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return now.Add(time.Hour)
	}

	minute, errMin := strconv.Atoi(fields[0])
	hour, errHour := strconv.Atoi(fields[1])
	if errMin != nil || errHour != nil ||
		minute < 0 || minute > 59 || hour < 0 || hour > 23 {
		return now.Add(time.Hour)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if next.After(now) {
		return next
	}

	if weekday, err := strconv.Atoi(fields[4]); err == nil {
		delta := weekday%7 - int(next.Weekday())
		if delta <= 0 {
			delta += 7
		}
		return next.AddDate(0, 0, delta)
	}

	return next.AddDate(0, 0, 1)
}
