// Package dispatch defines the broker contract used to hand work items to
// background workers, plus the NATS JetStream implementation.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskNameExecuteLLM is the registered worker task name for prompt
// executions. Worker runtimes resolve it through their handler registry.
const TaskNameExecuteLLM = "ExecuteLLM"

// Item is one unit of work submitted to the broker. The dispatch ID is
// chosen by the service before submission and persisted on the queued
// attempt, so the worker callback can always find its attempt row.
type Item struct {
	TaskName   string     `json:"task_name"`
	TaskID     uuid.UUID  `json:"task_id"`
	DispatchID string     `json:"dispatch_id"`
	ETA        *time.Time `json:"eta,omitempty"`
}

// Validate checks that the item is submittable.
func (i Item) Validate() error {
	if i.TaskName == "" {
		return fmt.Errorf("task_name is required")
	}
	if i.TaskID == uuid.Nil {
		return fmt.Errorf("task_id is required")
	}
	if i.DispatchID == "" {
		return fmt.Errorf("dispatch_id is required")
	}
	return nil
}

// Marshal encodes the item for the wire.
func (i Item) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

// UnmarshalItem decodes a wire payload back into an Item.
func UnmarshalItem(data []byte) (Item, error) {
	var i Item
	if err := json.Unmarshal(data, &i); err != nil {
		return Item{}, fmt.Errorf("decode work item: %w", err)
	}
	if err := i.Validate(); err != nil {
		return Item{}, fmt.Errorf("invalid work item: %w", err)
	}
	return i, nil
}

// Dispatcher submits work items to an external at-least-once broker and
// revokes previously submitted items. Implementations must tolerate
// duplicate submissions of the same dispatch ID.
type Dispatcher interface {
	// Submit hands the item to the broker. The service translates failures
	// into its enqueue-failure taxonomy.
	Submit(ctx context.Context, item Item) error

	// Revoke asks the broker to drop or abort a previously submitted item.
	// Best-effort: callers may log and swallow failures.
	Revoke(ctx context.Context, dispatchID string, terminate bool) error
}
