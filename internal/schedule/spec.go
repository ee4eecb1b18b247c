package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec is returned for schedules that cannot be honoured.
var ErrInvalidSpec = errors.New("schedule: invalid spec")

// Spec decides when a task fires next.
type Spec interface {
	// Next returns the next firing time strictly after now.
	Next(now time.Time) time.Time
	String() string
}

type every time.Duration

// Every fires at a fixed interval.
func Every(d time.Duration) Spec {
	return every(d)
}

func (e every) Next(now time.Time) time.Time {
	return now.Add(time.Duration(e))
}

func (e every) String() string {
	return "every " + time.Duration(e).String()
}

type daily struct {
	hour, minute int
}

// Daily fires once a day at hour:minute local time.
func Daily(hour, minute int) Spec {
	return daily{hour: hour, minute: minute}
}

func (d daily) Next(now time.Time) time.Time {
	return NextDaily(now, d.hour, d.minute)
}

func (d daily) String() string {
	return fmt.Sprintf("daily %02d:%02d", d.hour, d.minute)
}

// NextDaily returns today's hour:minute:00 if it is still ahead of now,
// otherwise the same clock time tomorrow.
func NextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

type cronSpec struct {
	expr  string
	sched cron.Schedule
}

// ParseCron parses a standard five-field cron expression ("m h dom mon dow")
// or a descriptor such as "@daily". Times are computed in now's location.
// Expressions that never fire are rejected.
func ParseCron(expr string) (Spec, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSpec, expr, err)
	}
	if sched.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("%w: %q never fires", ErrInvalidSpec, expr)
	}
	return cronSpec{expr: expr, sched: sched}, nil
}

func (c cronSpec) Next(now time.Time) time.Time {
	return c.sched.Next(now)
}

func (c cronSpec) String() string {
	return "cron " + c.expr
}

func validate(spec Spec) error {
	switch s := spec.(type) {
	case nil:
		return fmt.Errorf("%w: nil", ErrInvalidSpec)
	case every:
		if time.Duration(s) <= 0 {
			return fmt.Errorf("%w: interval must be positive", ErrInvalidSpec)
		}
	case daily:
		if s.hour < 0 || s.hour > 23 || s.minute < 0 || s.minute > 59 {
			return fmt.Errorf("%w: %s", ErrInvalidSpec, s)
		}
	}
	return nil
}
