// Package schedule decides when a backup job is due to run.
//
// Two gating mechanisms exist. An interval gates on the time elapsed since
// the job's last *attempt*, not its last success, so a failing job does not
// retry in a tight loop. A backup window restricts runs to a time-of-day
// range and, when configured, replaces the interval check entirely: inside
// the window the job is always due, outside it never is.
//
// Run records live in an in-process History owned by the caller. They are
// deliberately not persisted; a restart starts with a clean slate and every
// job is due again.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrBadTimeOfDay is returned when a time-of-day string does not parse.
var ErrBadTimeOfDay = errors.New("schedule: invalid time of day, want HH:MM")

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
type TimeOfDay int

// ParseTimeOfDay parses a "HH:MM" string (24-hour clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeOfDay, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeOfDay, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeOfDay, s)
	}
	return TimeOfDay(h*60 + m), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so the type can be used
// directly in decoded configuration structs.
func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Clock extracts the TimeOfDay from an absolute timestamp, in that
// timestamp's location.
func Clock(at time.Time) TimeOfDay {
	return TimeOfDay(at.Hour()*60 + at.Minute())
}

// Window is a daily time-of-day range during which a job may run.
// When Start is later than End the window spans midnight: 22:00-05:00
// contains 23:00 and 02:00 but not 12:00. Bounds are inclusive.
type Window struct {
	Start TimeOfDay `mapstructure:"backup_start_time"`
	End   TimeOfDay `mapstructure:"backup_end_time"`
}

// Contains reports whether the wall-clock time of at falls inside the window.
func (w Window) Contains(at time.Time) bool {
	c := Clock(at)
	if w.Start <= w.End {
		return c >= w.Start && c <= w.End
	}
	// Spans midnight.
	return c >= w.Start || c <= w.End
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// Policy is a job's resolved scheduling settings, after per-job overrides
// and global defaults have been merged by the configuration layer.
type Policy struct {
	// Window, when non-nil, replaces the interval check entirely.
	Window *Window
	// Interval is the minimum time between run attempts.
	Interval time.Duration
}

// RunRecord tracks when a job last ran. The zero value means the job has
// never been attempted in this process.
type RunRecord struct {
	// LastAttempt is when the job last started, regardless of outcome.
	LastAttempt time.Time
	// LastSuccess is when the job last completed without failure.
	LastSuccess time.Time
}

// Eligible reports whether a job governed by p, with run history rec, is due
// at the instant now.
//
// A configured window overrides the interval: only window membership is
// checked. Without a window, a never-attempted job is always due, and an
// attempted one is due once the interval has elapsed since the last attempt.
func Eligible(p Policy, rec RunRecord, now time.Time) bool {
	if p.Window != nil {
		return p.Window.Contains(now)
	}
	if rec.LastAttempt.IsZero() {
		return true
	}
	return now.Sub(rec.LastAttempt) >= p.Interval
}

// History is an in-memory map of job name to RunRecord. Safe for concurrent
// use. The zero value is not usable; create with NewHistory.
type History struct {
	mu      sync.Mutex
	records map[string]RunRecord
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{records: make(map[string]RunRecord)}
}

// Get returns the record for the named job, or the zero RunRecord if the job
// has never been observed.
func (h *History) Get(name string) RunRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records[name]
}

// Observe records a run attempt that started at the given time. Successful
// runs also advance LastSuccess; failed ones leave it untouched.
func (h *History) Observe(name string, start time.Time, succeeded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.records[name]
	rec.LastAttempt = start
	if succeeded {
		rec.LastSuccess = start
	}
	h.records[name] = rec
}
