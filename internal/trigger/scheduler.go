package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

// blockIntervalScheduler is the pure state machine behind §4.6's
// block-interval trigger: {interval, start?, end?, next_fire}, advanced one
// observed height at a time (testable property 6).
type blockIntervalScheduler struct {
	interval uint64
	end      *uint64
	nextFire uint64
}

// newBlockIntervalScheduler computes the initial next_fire per §4.6's
// kickoff rule given the chain height observed at registration time.
func newBlockIntervalScheduler(spec envelope.BlockIntervalSpec, now uint64) *blockIntervalScheduler {
	var next uint64
	switch {
	case spec.StartBlock == nil:
		next = now
	case *spec.StartBlock >= now:
		next = *spec.StartBlock
	default:
		start := *spec.StartBlock
		periods := (now - start + spec.NBlocks - 1) / spec.NBlocks
		next = start + periods*spec.NBlocks
	}
	return &blockIntervalScheduler{interval: spec.NBlocks, end: spec.EndBlock, nextFire: next}
}

// observe reports whether height h is a fire, and whether the subscription
// is now terminal (h has passed end and must be removed). Heights at or
// past next_fire fire exactly once even if multiple periods were skipped
// (a catch-up gap never produces more than one fire), per §4.6.
func (s *blockIntervalScheduler) observe(h uint64) (fired, done bool) {
	if s.end != nil && h > *s.end {
		return false, true
	}
	if h < s.nextFire {
		return false, false
	}
	for s.nextFire <= h {
		s.nextFire += s.interval
	}
	return true, false
}

// cronParser accepts 6-field, second-precision cron expressions per §4.6.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronScheduler is the wall-clock analogue of blockIntervalScheduler,
// substituting a parsed cron.Schedule's Next() for fixed-interval arithmetic
// (testable property 7).
type cronScheduler struct {
	schedule cron.Schedule
	end      *int64
	nextFire int64
}

func newCronScheduler(spec envelope.CronSpec, now time.Time) (*cronScheduler, error) {
	sched, err := cronParser.Parse(spec.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec.Schedule, err)
	}
	base := now
	if spec.StartTime != nil {
		start := time.Unix(*spec.StartTime, 0).UTC()
		if start.After(now) {
			base = start.Add(-time.Nanosecond)
		}
	}
	next := sched.Next(base).Unix()
	return &cronScheduler{schedule: sched, end: spec.EndTime, nextFire: next}, nil
}

func (s *cronScheduler) observe(now time.Time) (fired, done bool) {
	t := now.Unix()
	if s.end != nil && t > *s.end {
		return false, true
	}
	if t < s.nextFire {
		return false, false
	}
	fired = true
	s.nextFire = s.schedule.Next(now).Unix()
	return fired, false
}
