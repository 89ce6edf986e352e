package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// ParseDailyTime parses a wall clock "HH:MM".
func ParseDailyTime(dailyTime string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", dailyTime)
	if err != nil {
		return 0, 0, errors.Wrapf(domain.ErrInvalidSchedule, "daily time %q is not HH:MM", dailyTime)
	}
	return t.Hour(), t.Minute(), nil
}

// ComputeSchedule returns n run times, one per day at dailyTime in loc,
// starting the day after now.
func ComputeSchedule(now time.Time, loc *time.Location, dailyTime string, n int) ([]time.Time, error) {
	hour, minute, err := ParseDailyTime(dailyTime)
	if err != nil {
		return nil, err
	}

	local := now.In(loc)
	times := make([]time.Time, n)
	for i := range times {
		// time.Date normalizes day overflow and keeps the wall clock across DST changes
		times[i] = time.Date(local.Year(), local.Month(), local.Day()+1+i, hour, minute, 0, 0, loc)
	}
	return times, nil
}
