package worklog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/templatefabric/internal/task"
)

// Default tuning, overridable via Option. AckWait doubles as the
// redelivery visibility timeout; MaxMsgs is the approximate trim bound on
// each stream.
const (
	DefaultAckWait    = 2 * time.Minute
	DefaultMaxDeliver = 5
	DefaultMaxMsgs    = 10_000
)

// msg is the subset of jetstream.Msg (plus a derived sequence number) this
// package needs to decode and ack a delivery.
type msg interface {
	Data() []byte
	Ack() error
	Nak() error
	SeqNum() uint64
}

// jetstreamMsgAdapter adapts a jetstream.Msg to msg, deriving SeqNum from
// the message's stream metadata — the authoritative, monotonic msg_id.
type jetstreamMsgAdapter struct {
	m jetstream.Msg
}

func (a jetstreamMsgAdapter) Data() []byte { return a.m.Data() }
func (a jetstreamMsgAdapter) Ack() error   { return a.m.Ack() }
func (a jetstreamMsgAdapter) Nak() error   { return a.m.Nak() }
func (a jetstreamMsgAdapter) SeqNum() uint64 {
	meta, err := a.m.Metadata()
	if err != nil {
		return 0
	}
	return meta.Sequence.Stream
}

// consumerHandle is the subset of jetstream.Consumer this package needs.
type consumerHandle interface {
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]msg, error)
	Pending(ctx context.Context) (int64, error)
}

// jsStream is the subset of jetstream.Stream this package needs.
type jsStream interface {
	CreateOrUpdateConsumer(ctx context.Context, cfg jetstream.ConsumerConfig) (consumerHandle, error)
}

// jsContext is the subset of jetstream.JetStream this package needs. As in
// internal/task, narrowing the dependency down to the few methods actually
// used lets unit tests run against an in-memory fake instead of a live NATS
// server.
type jsContext interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jsStream, error)
	Publish(ctx context.Context, subject string, data []byte) (uint64, error)
}

// jetstreamJS adapts jetstream.JetStream to jsContext.
type jetstreamJS struct {
	js jetstream.JetStream
}

func (a jetstreamJS) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jsStream, error) {
	s, err := a.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return jetstreamStream{s: s}, nil
}

func (a jetstreamJS) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	ack, err := a.js.Publish(ctx, subject, data)
	if err != nil {
		return 0, err
	}
	return ack.Sequence, nil
}

type jetstreamStream struct {
	s jetstream.Stream
}

func (a jetstreamStream) CreateOrUpdateConsumer(ctx context.Context, cfg jetstream.ConsumerConfig) (consumerHandle, error) {
	c, err := a.s.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return jetstreamConsumerHandle{c: c}, nil
}

type jetstreamConsumerHandle struct {
	c jetstream.Consumer
}

func (a jetstreamConsumerHandle) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]msg, error) {
	batchResult, err := a.c.Fetch(batch, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, err
	}

	var out []msg
	for m := range batchResult.Messages() {
		out = append(out, jetstreamMsgAdapter{m: m})
	}
	if err := batchResult.Error(); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, nats.ErrTimeout) {
		return out, err
	}
	return out, nil
}

func (a jetstreamConsumerHandle) Pending(ctx context.Context) (int64, error) {
	info, err := a.c.Info(ctx)
	if err != nil {
		return 0, err
	}
	return int64(info.NumPending) + int64(info.NumAckPending), nil
}

// Dispatcher is the abstract work-dispatch contract: an ordered
// map-valued stream per job kind with exactly-once ack, at-least-once
// delivery within a consumer group, and a visibility timeout for unacked
// messages. internal/worker depends only on this interface.
type Dispatcher interface {
	Append(ctx context.Context, kind task.Kind, payload map[string]string) (string, error)
	EnsureGroup(ctx context.Context, kind task.Kind, group string) error
	Read(ctx context.Context, kind task.Kind, group, consumerName string, n int, blockMs int) ([]*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nak(ctx context.Context, d *Delivery) error
	Pending(ctx context.Context, kind task.Kind, group string) (int64, error)
}

// JetStreamDispatcher is the JetStream-backed Dispatcher implementation.
type JetStreamDispatcher struct {
	js     jsContext
	logger *slog.Logger

	ackWait    time.Duration
	maxDeliver int
	maxMsgs    int64

	mu        sync.Mutex
	streams   map[task.Kind]jsStream
	consumers map[string]consumerHandle // key: kind|group
}

// Option configures a JetStreamDispatcher.
type Option func(*JetStreamDispatcher)

// WithLogger sets the dispatcher's diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *JetStreamDispatcher) { d.logger = logger }
}

// WithAckWait overrides the default visibility timeout.
func WithAckWait(d time.Duration) Option {
	return func(disp *JetStreamDispatcher) { disp.ackWait = d }
}

// WithMaxDeliver overrides the default redelivery bound.
func WithMaxDeliver(n int) Option {
	return func(d *JetStreamDispatcher) { d.maxDeliver = n }
}

// NewDispatcher wraps js as a Dispatcher. Streams are created lazily, on
// first Append or EnsureGroup for a given kind.
func NewDispatcher(js jetstream.JetStream, opts ...Option) *JetStreamDispatcher {
	d := &JetStreamDispatcher{
		js:         jetstreamJS{js: js},
		logger:     slog.Default(),
		ackWait:    DefaultAckWait,
		maxDeliver: DefaultMaxDeliver,
		maxMsgs:    DefaultMaxMsgs,
		streams:    make(map[task.Kind]jsStream),
		consumers:  make(map[string]consumerHandle),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// newDispatcherWithJS builds a JetStreamDispatcher directly atop a jsContext
// implementation, bypassing the jetstream.JetStream adapter. Used by unit
// tests with an in-memory fake.
func newDispatcherWithJS(js jsContext, opts ...Option) *JetStreamDispatcher {
	d := &JetStreamDispatcher{
		js:         js,
		logger:     slog.Default(),
		ackWait:    DefaultAckWait,
		maxDeliver: DefaultMaxDeliver,
		maxMsgs:    DefaultMaxMsgs,
		streams:    make(map[task.Kind]jsStream),
		consumers:  make(map[string]consumerHandle),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func consumerKey(kind task.Kind, group string) string {
	return string(kind) + "|" + group
}

// ensureStream creates the stream for kind if it hasn't been created in this
// process yet. CreateOrUpdateStream is itself idempotent server-side.
func (d *JetStreamDispatcher) ensureStream(ctx context.Context, kind task.Kind) (jsStream, error) {
	d.mu.Lock()
	if s, ok := d.streams[kind]; ok {
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	s, err := d.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName(kind),
		Subjects: []string{subjectName(kind)},
		MaxMsgs:  d.maxMsgs,
		Discard:  jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName(kind), translateConnErr(err))
	}

	d.mu.Lock()
	d.streams[kind] = s
	d.mu.Unlock()
	return s, nil
}

// Append adds payload to the log for kind and returns the assigned msg_id.
func (d *JetStreamDispatcher) Append(ctx context.Context, kind task.Kind, payload map[string]string) (string, error) {
	if _, err := d.ensureStream(ctx, kind); err != nil {
		return "", err
	}

	msgEnvelope := Message{
		TaskID:     payload["task_id"],
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(msgEnvelope)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	seq, err := d.js.Publish(ctx, subjectName(kind), data)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", subjectName(kind), translateConnErr(err))
	}
	return fmt.Sprintf("%d", seq), nil
}

// EnsureGroup idempotently creates consumer group on the stream for kind,
// starting from the beginning of the log on first creation.
func (d *JetStreamDispatcher) EnsureGroup(ctx context.Context, kind task.Kind, group string) error {
	stream, err := d.ensureStream(ctx, kind)
	if err != nil {
		return err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       group,
		FilterSubject: subjectName(kind),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       d.ackWait,
		MaxDeliver:    d.maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure group %s on %s: %w", group, streamName(kind), translateConnErr(err))
	}

	d.mu.Lock()
	d.consumers[consumerKey(kind, group)] = consumer
	d.mu.Unlock()
	return nil
}

// Read blocking-reads up to n new messages for group from kind's stream.
// consumerName identifies the caller for logging only; JetStream durable
// consumers already load-balance delivery across Fetch callers sharing the
// same durable name.
func (d *JetStreamDispatcher) Read(ctx context.Context, kind task.Kind, group, consumerName string, n int, blockMs int) ([]*Delivery, error) {
	d.mu.Lock()
	consumer, ok := d.consumers[consumerKey(kind, group)]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: group %s not ensured for kind %s", task.ErrStoreUnavailable, group, kind)
	}

	maxWait := time.Duration(blockMs) * time.Millisecond
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	msgs, err := consumer.Fetch(ctx, n, maxWait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch from %s/%s: %w", streamName(kind), group, translateConnErr(err))
	}

	deliveries := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		var decoded Message
		if err := json.Unmarshal(m.Data(), &decoded); err != nil {
			d.logger.Warn("dropping undecodable message", "stream", streamName(kind), "group", group, "error", err)
			_ = m.Nak()
			continue
		}
		decoded.MsgID = fmt.Sprintf("%d", m.SeqNum())
		deliveries = append(deliveries, &Delivery{Message: decoded, raw: m})
	}
	return deliveries, nil
}

// Ack marks d's message done, removing it from the group's pending set.
func (d *JetStreamDispatcher) Ack(ctx context.Context, del *Delivery) error {
	if err := del.raw.Ack(); err != nil {
		return fmt.Errorf("ack %s: %w", del.MsgID, translateConnErr(err))
	}
	return nil
}

// Nak signals the message was not processed; JetStream redelivers it right
// away rather than waiting out the consumer's AckWait, subject to MaxDeliver.
func (d *JetStreamDispatcher) Nak(ctx context.Context, del *Delivery) error {
	if err := del.raw.Nak(); err != nil {
		return fmt.Errorf("nak %s: %w", del.MsgID, translateConnErr(err))
	}
	return nil
}

// Pending reports the number of undelivered-or-unacked messages for group.
func (d *JetStreamDispatcher) Pending(ctx context.Context, kind task.Kind, group string) (int64, error) {
	d.mu.Lock()
	consumer, ok := d.consumers[consumerKey(kind, group)]
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: group %s not ensured for kind %s", task.ErrStoreUnavailable, group, kind)
	}
	n, err := consumer.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("pending %s/%s: %w", streamName(kind), group, translateConnErr(err))
	}
	return n, nil
}

// translateConnErr prefixes a JetStream error from the work log with
// "log_unavailable", the value of task.ErrorKindLogUnavailable. Every error
// passed in is wrapped this way; the result does not wrap
// task.ErrStoreUnavailable.
func translateConnErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("log_unavailable: %w", err)
}

var _ Dispatcher = (*JetStreamDispatcher)(nil)
