package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("connection reset")

	transient := NewTransientError(base)
	if !IsTransient(transient) || IsFatal(transient) {
		t.Errorf("transient classification wrong: %v", transient)
	}

	fatal := NewFatalError(base)
	if !IsFatal(fatal) || IsTransient(fatal) {
		t.Errorf("fatal classification wrong: %v", fatal)
	}

	if IsTransient(base) || IsFatal(base) {
		t.Errorf("unclassified error must report neither: %v", base)
	}

	// Classification survives further wrapping.
	wrapped := fmt.Errorf("call provider: %w", transient)
	if !IsTransient(wrapped) {
		t.Errorf("classification lost through wrapping: %v", wrapped)
	}
	if !errors.Is(wrapped, transient) {
		t.Errorf("wrapped error does not match original")
	}
}

func TestRetryConfigNormalized(t *testing.T) {
	def := DefaultRetryConfig()

	got := RetryConfig{}.normalized()
	if got != def {
		t.Errorf("zero config = %+v, want defaults %+v", got, def)
	}

	partial := RetryConfig{MaxAttempts: 5}.normalized()
	if partial.MaxAttempts != 5 {
		t.Errorf("explicit attempts overwritten: %+v", partial)
	}
	if partial.BackoffBase != def.BackoffBase || partial.BackoffMultiplier != def.BackoffMultiplier {
		t.Errorf("missing fields not defaulted: %+v", partial)
	}

	valid := fastRetryConfig().normalized()
	if valid != fastRetryConfig() {
		t.Errorf("fully specified config mutated: %+v", valid)
	}
}
