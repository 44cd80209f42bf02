package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Next computes the first fire instant strictly after the given time.
//
// Interval: after + Every, relative to the last actual fire (no fixed-origin
// drift correction). Cron: delegated to robfig/cron field matching in the
// spec's timezone. When both day-of-month and day-of-week are restricted the
// standard OR semantics apply: the job fires when either field matches.
//
// Specs are validated before acceptance, so an error here indicates a bug in
// the caller, not bad user input.
func (s Spec) Next(after time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInterval:
		if s.Every <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
		}
		return after.Add(s.Every), nil
	case KindCron:
		sched, err := fiveFieldParser.Parse(strings.TrimSpace(s.Expression))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron expression %q: %v", ErrInvalid, s.Expression, err)
		}
		return sched.Next(after.In(s.location())), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
	}
}

// Preview returns up to n upcoming fire instants starting after from.
// Invalid specs return nil.
func (s Spec) Preview(from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		next, err := s.Next(t)
		if err != nil || next.IsZero() {
			return out
		}
		out = append(out, next)
		t = next
	}
	return out
}

// Describe renders the spec for operators and must agree with Next:
// the OR policy for restricted day-of-month plus day-of-week is the same
// one the evaluator applies.
func (s Spec) Describe() string {
	switch s.Kind {
	case KindInterval:
		return "every " + s.Every.String()
	case KindCron:
		tz := strings.TrimSpace(s.Timezone)
		if tz == "" {
			tz = "UTC"
		}
		return fmt.Sprintf("cron %q (%s)", strings.TrimSpace(s.Expression), tz)
	default:
		return "invalid schedule"
	}
}

// Period estimates the spacing between fires, used for "next run is
// plausible" verification and health tolerances. For cron specs the
// estimate is the gap between the next two fires.
func (s Spec) Period(from time.Time) time.Duration {
	switch s.Kind {
	case KindInterval:
		return s.Every
	case KindCron:
		p := s.Preview(from, 2)
		if len(p) == 2 {
			return p[1].Sub(p[0])
		}
		return 0
	default:
		return 0
	}
}
