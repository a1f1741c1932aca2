package retry

import (
	"fmt"
	"time"
)

// maxDoublings bounds the shift so intervals never overflow time.Duration.
const maxDoublings = 40

// Schedule is the exponential backoff plan. Attempt 1 is the original
// delivery; attempt n+1 waits InitialInterval * 2^(n-1) after attempt n.
type Schedule struct {
	InitialInterval time.Duration
	MaxDuration     time.Duration
}

type Step struct {
	Attempt int
	// Interval is the wait between the previous attempt and this one.
	Interval time.Duration
	// Elapsed is the total wait since attempt 1.
	Elapsed time.Duration
}

func NewSchedule(initial, maxDuration time.Duration) (Schedule, error) {
	if initial <= 0 {
		return Schedule{}, fmt.Errorf("retry: initial interval must be positive")
	}
	if maxDuration < initial {
		return Schedule{}, fmt.Errorf("retry: max duration must be at least the initial interval")
	}
	return Schedule{InitialInterval: initial, MaxDuration: maxDuration}, nil
}

// IntervalAfter returns the wait that follows failed attempt n.
func (s Schedule) IntervalAfter(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxDoublings {
		shift = maxDoublings
	}
	return s.InitialInterval << uint(shift)
}

// ElapsedAt returns the cumulative wait from attempt 1 to attempt n.
func (s Schedule) ElapsedAt(attempt int) time.Duration {
	var elapsed time.Duration
	for n := 1; n < attempt; n++ {
		elapsed += s.IntervalAfter(n)
		if elapsed > s.MaxDuration {
			return elapsed
		}
	}
	return elapsed
}

// Next returns the step after failed attempt n. ok is false when that step
// would push the cumulative wait past MaxDuration.
func (s Schedule) Next(failedAttempt int) (Step, bool) {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	step := Step{
		Attempt:  failedAttempt + 1,
		Interval: s.IntervalAfter(failedAttempt),
		Elapsed:  s.ElapsedAt(failedAttempt + 1),
	}
	return step, step.Elapsed <= s.MaxDuration
}

// Steps lists every retry the schedule allows, in order.
func (s Schedule) Steps() []Step {
	var steps []Step
	for attempt := 1; attempt <= maxDoublings; attempt++ {
		step, ok := s.Next(attempt)
		if !ok {
			break
		}
		steps = append(steps, step)
	}
	return steps
}
