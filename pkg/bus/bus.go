// Package bus publishes and consumes job lifecycle events over NATS
// JetStream so external consumers (dashboards, alerting) can follow
// analysis progress without polling the API.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName holds all job lifecycle subjects.
	StreamName = "MEMTRIAGE"
	// SubjectPrefix is the root of every subject this service emits.
	SubjectPrefix = "memtriage."
)

// JobEvent is the payload published on job start and completion.
type JobEvent struct {
	JobID       string    `json:"job_id"`
	DumpID      string    `json:"dump_id"`
	Fingerprint string    `json:"fingerprint"`
	Status      string    `json:"status,omitempty"`
	Plugins     []string  `json:"plugins,omitempty"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// Bus wraps a JetStream connection.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to NATS and ensures the job-event stream exists.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ">"},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close drains the underlying connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to the subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on the subject and invokes fn per
// message. A handler error naks the message for redelivery.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := fn(handlerCtx, msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

// SubscribeJobs is Subscribe with JobEvent decoding.
func (b *Bus) SubscribeJobs(ctx context.Context, subj, durable string, fn func(ctx context.Context, ev JobEvent) error) (io.Closer, error) {
	return b.Subscribe(ctx, subj, durable, func(ctx context.Context, data []byte) error {
		var ev JobEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		return fn(ctx, ev)
	})
}
