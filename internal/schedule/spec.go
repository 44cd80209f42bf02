package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalid marks a schedule spec that failed validation.
//
// Validation happens when a spec is accepted (template activation, config
// load), never at tick time.
var ErrInvalid = errors.New("invalid schedule")

// Kind discriminates the schedule union.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
)

// Spec is a tagged union describing when a job fires.
//
// Cron specs are classic 5-field crontab expressions evaluated in an IANA
// timezone. Interval specs fire a fixed duration after the previous run;
// no drift correction is attempted, so a delayed run shifts the whole
// sequence forward.
type Spec struct {
	Kind Kind

	// Cron only.
	Expression string
	Timezone   string // IANA, e.g. "Europe/Berlin"; empty means UTC

	// Interval only.
	Every time.Duration
}

// fiveFieldParser accepts exactly minute/hour/dom/month/dow.
// No seconds, no descriptors: descriptors are normalized away by Parse().
var fiveFieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func Cron(expr, tz string) Spec {
	return Spec{Kind: KindCron, Expression: expr, Timezone: tz}
}

func Interval(every time.Duration) Spec {
	return Spec{Kind: KindInterval, Every: every}
}

// Validate checks the spec without computing anything.
//
// Cron expressions must have exactly 5 whitespace-separated fields, each a
// "*", number, range, step, or comma-list thereof (delegated to the cron
// parser). Intervals must be positive.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindInterval:
		if s.Every <= 0 {
			return fmt.Errorf("%w: interval must be > 0", ErrInvalid)
		}
		return nil
	case KindCron:
		expr := strings.TrimSpace(s.Expression)
		if fields := strings.Fields(expr); len(fields) != 5 {
			return fmt.Errorf("%w: cron expression %q must have exactly 5 fields, got %d", ErrInvalid, s.Expression, len(strings.Fields(expr)))
		}
		if _, err := fiveFieldParser.Parse(expr); err != nil {
			return fmt.Errorf("%w: cron expression %q: %v", ErrInvalid, s.Expression, err)
		}
		if tz := strings.TrimSpace(s.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("%w: timezone %q: %v", ErrInvalid, s.Timezone, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
	}
}

// location resolves the spec timezone; UTC when unset.
// Call after Validate: an unloadable zone falls back to UTC here.
func (s Spec) location() *time.Location {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ---- Wire format ----
//
// Specs cross the config file and the storage layer, so the JSON shape is
// stable: {"kind":"cron","expression":"...","timezone":"..."} or
// {"kind":"interval","every_ms":1800000}.

type specJSON struct {
	Kind       Kind   `json:"kind"`
	Expression string `json:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	EveryMS    uint64 `json:"every_ms,omitempty"`
}

func (s Spec) MarshalJSON() ([]byte, error) {
	j := specJSON{Kind: s.Kind}
	switch s.Kind {
	case KindCron:
		j.Expression = s.Expression
		j.Timezone = s.Timezone
	case KindInterval:
		j.EveryMS = uint64(s.Every / time.Millisecond)
	}
	return json.Marshal(j)
}

func (s *Spec) UnmarshalJSON(b []byte) error {
	var j specJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	switch j.Kind {
	case KindCron:
		*s = Spec{Kind: KindCron, Expression: j.Expression, Timezone: j.Timezone}
	case KindInterval:
		*s = Spec{Kind: KindInterval, Every: time.Duration(j.EveryMS) * time.Millisecond}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, j.Kind)
	}
	return nil
}

// Parse turns a schedule string (templates, config defaults) into a Spec.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 9 * * 1-5", optionally prefixed "cron:"
//   - Interval: Go duration like "30m"/"2h30m", optionally prefixed "every:"
//
// tz applies to cron specs only.
func Parse(raw, tz string) (Spec, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return Spec{}, fmt.Errorf("%w: schedule required", ErrInvalid)
	}

	low := strings.ToLower(v)
	if strings.HasPrefix(low, "cron:") {
		sp := Cron(strings.TrimSpace(v[len("cron:"):]), tz)
		return sp, sp.Validate()
	}
	if strings.HasPrefix(low, "every:") {
		d, err := time.ParseDuration(strings.TrimSpace(v[len("every:"):]))
		if err != nil || d <= 0 {
			return Spec{}, fmt.Errorf("%w: interval %q (use a Go duration like '30m')", ErrInvalid, raw)
		}
		return Interval(d), nil
	}

	// Heuristic: any whitespace means cron.
	if strings.ContainsAny(v, " \t") {
		sp := Cron(v, tz)
		return sp, sp.Validate()
	}
	if d, err := time.ParseDuration(v); err == nil {
		sp := Interval(d)
		return sp, sp.Validate()
	}
	return Spec{}, fmt.Errorf("%w: %q (use cron like '0 9 * * 1-5' or a duration like '30m')", ErrInvalid, raw)
}
