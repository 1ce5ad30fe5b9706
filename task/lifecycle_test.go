package task

import (
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func newRunningFixture(now time.Time) (*Task, *Execution) {
	started := now.Add(-2 * time.Second)
	t := &Task{
		Status:    StatusRunning,
		StartedAt: &started,
	}
	e := &Execution{
		AttemptNumber: 1,
		Status:        StatusRunning,
		StartedAt:     &started,
		DispatchID:    strp("dispatch-1"),
	}
	return t, e
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestResolveCompletedAt(t *testing.T) {
	now := time.Now()

	if got := ResolveCompletedAt(now, nil); !got.Equal(now) {
		t.Errorf("nil startedAt: got %v, want %v", got, now)
	}

	past := now.Add(-time.Minute)
	if got := ResolveCompletedAt(now, &past); !got.Equal(now) {
		t.Errorf("past startedAt: got %v, want %v", got, now)
	}

	// Clock skew: started_at from another node is ahead of local now.
	future := now.Add(time.Minute)
	if got := ResolveCompletedAt(now, &future); !got.Equal(future) {
		t.Errorf("future startedAt: got %v, want %v", got, future)
	}
}

func TestApplyMarkRunning(t *testing.T) {
	now := time.Now()
	queued := &Task{Status: StatusQueued}
	attempt := &Execution{AttemptNumber: 1, Status: StatusQueued, DispatchID: strp("d1")}

	if got := ApplyMarkRunning(queued, attempt, "d1", "worker-a", now); got != OutcomeApplied {
		t.Fatalf("outcome = %v, want OutcomeApplied", got)
	}
	if queued.Status != StatusRunning || queued.StartedAt == nil {
		t.Errorf("task not running: %+v", queued)
	}
	if attempt.Status != StatusRunning || attempt.WorkerID == nil || *attempt.WorkerID != "worker-a" {
		t.Errorf("attempt not running: %+v", attempt)
	}
}

func TestApplyMarkRunningStaleDispatch(t *testing.T) {
	now := time.Now()
	queued := &Task{Status: StatusQueued}
	attempt := &Execution{AttemptNumber: 2, Status: StatusQueued, DispatchID: strp("d2")}

	if got := ApplyMarkRunning(queued, attempt, "d1", "worker-a", now); got != OutcomeNoop {
		t.Fatalf("outcome = %v, want OutcomeNoop", got)
	}
	if queued.Status != StatusQueued {
		t.Errorf("stale callback mutated task: %+v", queued)
	}
	if attempt.Status != StatusQueued {
		t.Errorf("stale callback mutated attempt: %+v", attempt)
	}
}

func TestApplyMarkRunningTerminalTask(t *testing.T) {
	now := time.Now()
	done := &Task{Status: StatusCompleted}
	attempt := &Execution{AttemptNumber: 1, Status: StatusCompleted, DispatchID: strp("d1")}

	if got := ApplyMarkRunning(done, attempt, "d1", "worker-a", now); got != OutcomeNoop {
		t.Fatalf("outcome = %v, want OutcomeNoop", got)
	}
}

func TestApplyMarkCompleted(t *testing.T) {
	now := time.Now()
	tk, attempt := newRunningFixture(now)

	seven := 7
	three := 3
	four := 4
	usage := Usage{ModelName: "gpt-test", PromptTokens: &three, CompletionTokens: &four, TotalTokens: &seven}

	if got := ApplyMarkCompleted(tk, attempt, "dispatch-1", "world", usage, now); got != OutcomeApplied {
		t.Fatalf("outcome = %v, want OutcomeApplied", got)
	}
	if tk.Status != StatusCompleted || tk.Output == nil || *tk.Output != "world" {
		t.Errorf("task not completed: %+v", tk)
	}
	if tk.CompletedAt == nil || tk.CompletedAt.Before(*tk.StartedAt) {
		t.Errorf("completed_at must be >= started_at: %+v", tk)
	}
	if attempt.DurationMs == nil || *attempt.DurationMs < 0 {
		t.Errorf("duration_ms not derived: %+v", attempt)
	}
	if attempt.TotalTokens == nil || *attempt.TotalTokens != 7 {
		t.Errorf("usage not recorded: %+v", attempt)
	}
}

func TestApplyMarkCompletedPartialUsage(t *testing.T) {
	now := time.Now()
	tk, attempt := newRunningFixture(now)

	// The provider reported only a total; the per-side counts were absent
	// or malformed and arrive as nil.
	seven := 7
	usage := Usage{TotalTokens: &seven}

	if got := ApplyMarkCompleted(tk, attempt, "dispatch-1", "world", usage, now); got != OutcomeApplied {
		t.Fatalf("outcome = %v, want OutcomeApplied", got)
	}
	if attempt.TotalTokens == nil || *attempt.TotalTokens != 7 {
		t.Errorf("total_tokens = %v, want 7", attempt.TotalTokens)
	}
	if attempt.PromptTokens != nil || attempt.CompletionTokens != nil {
		t.Errorf("absent counts must stay nil: %+v", attempt)
	}
}

func TestApplyMarkCompletedAfterCancel(t *testing.T) {
	now := time.Now()
	tk, attempt := newRunningFixture(now)

	if !ApplyMarkCancelled(tk, attempt, "Task cancelled by user request", now) {
		t.Fatal("cancel should apply to a running task")
	}
	if tk.Status != StatusCancelled {
		t.Fatalf("task not cancelled: %+v", tk)
	}
	if attempt.Status != StatusCancelled || attempt.ErrorType == nil || *attempt.ErrorType != ErrorTypeCancelled {
		t.Fatalf("attempt not mirrored to cancelled: %+v", attempt)
	}

	// The worker finished anyway and calls back late.
	got := ApplyMarkCompleted(tk, attempt, "dispatch-1", "late", Usage{}, now.Add(time.Second))
	if got != OutcomeAttemptOnly {
		t.Fatalf("outcome = %v, want OutcomeAttemptOnly", got)
	}
	if tk.Status != StatusCancelled || tk.Output != nil {
		t.Errorf("late completion leaked into cancelled task: %+v", tk)
	}
	if attempt.Status != StatusCancelled {
		t.Errorf("attempt should stay cancelled: %+v", attempt)
	}
}

func TestApplyMarkFailed(t *testing.T) {
	now := time.Now()
	tk, attempt := newRunningFixture(now)

	if got := ApplyMarkFailed(tk, attempt, "dispatch-1", "boom", "ProviderCallError", now); got != OutcomeApplied {
		t.Fatalf("outcome = %v, want OutcomeApplied", got)
	}
	if tk.Status != StatusFailed || tk.ErrorMessage == nil || *tk.ErrorMessage != "boom" {
		t.Errorf("task not failed: %+v", tk)
	}
	if attempt.ErrorType == nil || *attempt.ErrorType != "ProviderCallError" {
		t.Errorf("error_type not recorded: %+v", attempt)
	}
}

func TestApplyMarkFailedIdempotent(t *testing.T) {
	now := time.Now()
	tk, attempt := newRunningFixture(now)

	if got := ApplyMarkFailed(tk, attempt, "dispatch-1", "boom", "X", now); got != OutcomeApplied {
		t.Fatalf("first failure: outcome = %v", got)
	}
	if got := ApplyMarkFailed(tk, attempt, "dispatch-1", "boom again", "Y", now); got != OutcomeNoop {
		t.Fatalf("duplicate callback: outcome = %v, want OutcomeNoop", got)
	}
	if *tk.ErrorMessage != "boom" {
		t.Errorf("duplicate callback overwrote error: %q", *tk.ErrorMessage)
	}
}

func TestApplyMarkCancelledTerminal(t *testing.T) {
	now := time.Now()
	tk := &Task{Status: StatusCompleted}
	if ApplyMarkCancelled(tk, nil, "reason", now) {
		t.Error("cancel must not re-open a completed task")
	}
}

func TestApplyEnqueue(t *testing.T) {
	now := time.Now()
	started := now.Add(-time.Minute)
	out := "old output"
	msg := "old error"
	tk := &Task{
		Status:       StatusFailed,
		StartedAt:    &started,
		CompletedAt:  &now,
		Output:       &out,
		ErrorMessage: &msg,
		RetryCount:   0,
		MaxRetries:   3,
	}

	next := ApplyEnqueue(tk, 1, true, now)
	if next != 2 {
		t.Errorf("next attempt = %d, want 2", next)
	}
	if tk.Status != StatusQueued || tk.StartedAt != nil || tk.CompletedAt != nil {
		t.Errorf("task not reset: %+v", tk)
	}
	if tk.Output != nil || tk.ErrorMessage != nil {
		t.Errorf("stale results not cleared: %+v", tk)
	}
	if tk.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", tk.RetryCount)
	}
}

func TestAttemptDurationMs(t *testing.T) {
	start := time.Now()
	end := start.Add(1500 * time.Millisecond)

	if got := AttemptDurationMs(nil, &end); got != nil {
		t.Errorf("nil started: got %v", got)
	}
	if got := AttemptDurationMs(&start, nil); got != nil {
		t.Errorf("nil completed: got %v", got)
	}
	got := AttemptDurationMs(&start, &end)
	if got == nil || *got != 1500 {
		t.Errorf("duration = %v, want 1500", got)
	}
}
