package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream layout for the work queue.
const (
	// StreamWork is the stream backing the work subject.
	StreamWork = "TASK_WORK"

	// SubjectWork is where work items are published; workers consume it
	// through a durable pull consumer.
	SubjectWork = "tasks.execute"

	// ConsumerWork is the durable consumer shared by worker processes.
	ConsumerWork = "task-workers"

	// BucketRevocations is the KV bucket holding revocation tombstones
	// keyed by dispatch ID. Workers consult it before running an item.
	BucketRevocations = "TASK_REVOCATIONS"

	// revocationTTL bounds tombstone lifetime; a revocation older than the
	// broker redelivery horizon has nothing left to suppress.
	revocationTTL = 24 * time.Hour
)

// Revocation is the tombstone stored for a revoked dispatch.
type Revocation struct {
	DispatchID string    `json:"dispatch_id"`
	Terminate  bool      `json:"terminate"`
	RevokedAt  time.Time `json:"revoked_at"`
}

// NATSDispatcher implements Dispatcher on NATS JetStream. Work items are
// published with the dispatch ID as the message ID so broker-side dedup
// absorbs duplicate submissions; revocations are KV tombstones.
type NATSDispatcher struct {
	js          jetstream.JetStream
	revocations jetstream.KeyValue
	logger      *slog.Logger
}

// NATSOption configures a NATSDispatcher.
type NATSOption func(*NATSDispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) NATSOption {
	return func(d *NATSDispatcher) {
		d.logger = logger
	}
}

// NewNATSDispatcher creates the dispatcher, ensuring the work stream and
// revocation bucket exist.
func NewNATSDispatcher(ctx context.Context, nc *nats.Conn, opts ...NATSOption) (*NATSDispatcher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if err := ensureWorkStream(ctx, js); err != nil {
		return nil, err
	}

	revocations, err := ensureRevocationBucket(ctx, js)
	if err != nil {
		return nil, err
	}

	d := &NATSDispatcher{
		js:          js,
		revocations: revocations,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func ensureWorkStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamWork,
		Subjects:  []string{SubjectWork},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		// Duplicate window backs the Nats-Msg-Id dedup on dispatch IDs.
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure work stream: %w", err)
	}
	return nil
}

func ensureRevocationBucket(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, BucketRevocations)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketRevocations,
		Description: "Revocation tombstones for dispatched task attempts",
		TTL:         revocationTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure revocation bucket: %w", err)
	}
	return kv, nil
}

// Submit implements Dispatcher.
func (d *NATSDispatcher) Submit(ctx context.Context, item Item) error {
	if err := item.Validate(); err != nil {
		return err
	}

	data, err := item.Marshal()
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}

	_, err = d.js.Publish(ctx, SubjectWork, data, jetstream.WithMsgID(item.DispatchID))
	if err != nil {
		return fmt.Errorf("publish work item %s: %w", item.DispatchID, err)
	}

	d.logger.Debug("Work item submitted",
		"task_id", item.TaskID,
		"dispatch_id", item.DispatchID,
		"eta", item.ETA)
	return nil
}

// Revoke implements Dispatcher. Writing the tombstone is the whole
// operation; workers check the bucket before running and terminate=true is
// additionally honoured by long-running handlers that poll mid-flight.
func (d *NATSDispatcher) Revoke(ctx context.Context, dispatchID string, terminate bool) error {
	if dispatchID == "" {
		return fmt.Errorf("dispatch_id is required")
	}

	rev := Revocation{
		DispatchID: dispatchID,
		Terminate:  terminate,
		RevokedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}

	if _, err := d.revocations.Put(ctx, revocationKey(dispatchID), data); err != nil {
		return fmt.Errorf("store revocation %s: %w", dispatchID, err)
	}

	d.logger.Debug("Dispatch revoked", "dispatch_id", dispatchID, "terminate", terminate)
	return nil
}

// Revoked reports whether a dispatch ID has a revocation tombstone.
func (d *NATSDispatcher) Revoked(ctx context.Context, dispatchID string) (bool, error) {
	_, err := d.revocations.Get(ctx, revocationKey(dispatchID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("check revocation %s: %w", dispatchID, err)
}

// Consumer returns the durable pull consumer worker processes read from,
// creating it on first use.
func (d *NATSDispatcher) Consumer(ctx context.Context) (jetstream.Consumer, error) {
	cons, err := d.js.CreateOrUpdateConsumer(ctx, StreamWork, jetstream.ConsumerConfig{
		Durable:       ConsumerWork,
		FilterSubject: SubjectWork,
		AckPolicy:     jetstream.AckExplicitPolicy,
		// Provider calls can be slow; give attempts a generous ack window.
		AckWait:    10 * time.Minute,
		MaxDeliver: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure work consumer: %w", err)
	}
	return cons, nil
}

// revocationKey maps a dispatch ID to a KV key. Dispatch IDs are UUIDs,
// which are already valid KV keys; the replacement guards against foreign
// formats.
func revocationKey(dispatchID string) string {
	return strings.ReplaceAll(dispatchID, ".", "_")
}
