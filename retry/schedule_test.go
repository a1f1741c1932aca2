package retry

import (
	"testing"
	"time"
)

func TestSchedule_DoublesWithinBudget(t *testing.T) {
	schedule, err := NewSchedule(2*time.Minute, 10*time.Hour)
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}
	steps := schedule.Steps()
	if len(steps) != 8 {
		t.Fatalf("expected 8 retries within 10h, got %d", len(steps))
	}
	for i, step := range steps {
		if step.Attempt != i+2 {
			t.Fatalf("step %d: expected attempt %d, got %d", i, i+2, step.Attempt)
		}
		if i == 0 {
			if step.Interval != 2*time.Minute || step.Elapsed != 2*time.Minute {
				t.Fatalf("unexpected first step: %+v", step)
			}
			continue
		}
		prev := steps[i-1]
		if step.Interval != prev.Interval*2 {
			t.Fatalf("step %d: expected doubling, got %s after %s", i, step.Interval, prev.Interval)
		}
		if step.Elapsed <= prev.Elapsed {
			t.Fatalf("step %d: expected strictly increasing elapsed time", i)
		}
	}
	last := steps[len(steps)-1]
	if last.Elapsed > 10*time.Hour || last.Elapsed != 510*time.Minute {
		t.Fatalf("unexpected last step elapsed %s", last.Elapsed)
	}
	if _, ok := schedule.Next(last.Attempt); ok {
		t.Fatalf("expected the step after attempt %d to be exhausted", last.Attempt)
	}
}

func TestSchedule_ElapsedAndValidation(t *testing.T) {
	schedule := Schedule{InitialInterval: 2 * time.Minute, MaxDuration: time.Hour}
	if got := schedule.ElapsedAt(3); got != 6*time.Minute {
		t.Fatalf("expected attempt 3 six minutes after attempt 1, got %s", got)
	}
	if got := schedule.ElapsedAt(1); got != 0 {
		t.Fatalf("expected no wait before attempt 1, got %s", got)
	}
	if got := schedule.IntervalAfter(1000); got <= 0 {
		t.Fatalf("expected large attempts not to overflow, got %s", got)
	}
	if _, err := NewSchedule(0, time.Hour); err == nil {
		t.Fatalf("expected zero interval to be rejected")
	}
	if _, err := NewSchedule(time.Hour, time.Minute); err == nil {
		t.Fatalf("expected budget smaller than the interval to be rejected")
	}
}

func TestRollingWindow(t *testing.T) {
	window := NewRollingWindow(3)
	window.Record(false)
	window.Record(false)
	if window.Exhausted() {
		t.Fatalf("expected partially filled window not to be exhausted")
	}
	window.Record(false)
	if !window.Exhausted() || window.FailureRate() != 1 {
		t.Fatalf("expected full failing window to be exhausted")
	}
	window.Record(true)
	if window.Exhausted() {
		t.Fatalf("expected one success to clear exhaustion")
	}
	outcomes := window.Outcomes()
	if len(outcomes) != 3 || outcomes[0] || outcomes[1] || !outcomes[2] {
		t.Fatalf("unexpected outcomes oldest first: %v", outcomes)
	}
	window.Reset()
	if len(window.Outcomes()) != 0 || window.Full() {
		t.Fatalf("expected reset window to be empty")
	}
}
