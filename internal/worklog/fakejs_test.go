package worklog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeJS is an in-memory jsContext for unit tests, modeling just enough of
// JetStream's append-only-log-plus-durable-consumer-groups semantics to
// exercise the Dispatcher without a live NATS server: per-stream append-only
// logs, independent per-group read cursors, and a nak requeue.
type fakeJS struct {
	mu      sync.Mutex
	streams map[string]*fakeStream // by stream name
	bySub   map[string]*fakeStream // by subject, for Publish routing
	seq     uint64
}

func newFakeJS() *fakeJS {
	return &fakeJS{
		streams: make(map[string]*fakeStream),
		bySub:   make(map[string]*fakeStream),
	}
}

func (f *fakeJS) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jsStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.streams[cfg.Name]; ok {
		return s, nil
	}
	s := &fakeStream{name: cfg.Name, consumers: make(map[string]*fakeConsumer)}
	f.streams[cfg.Name] = s
	for _, subj := range cfg.Subjects {
		f.bySub[subj] = s
	}
	return s, nil
}

func (f *fakeJS) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	f.mu.Lock()
	s, ok := f.bySub[subject]
	if !ok {
		f.mu.Unlock()
		return 0, fmt.Errorf("no stream bound to subject %q", subject)
	}
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	s.append(seq, data)
	return seq, nil
}

type fakeRecord struct {
	seq  uint64
	data []byte
}

type fakeStream struct {
	mu        sync.Mutex
	name      string
	log       []fakeRecord
	consumers map[string]*fakeConsumer
}

func (s *fakeStream) append(seq uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, fakeRecord{seq: seq, data: data})
}

func (s *fakeStream) recordAt(i int) fakeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log[i]
}

func (s *fakeStream) length() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

func (s *fakeStream) CreateOrUpdateConsumer(ctx context.Context, cfg jetstream.ConsumerConfig) (consumerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[cfg.Durable]; ok {
		return c, nil
	}
	c := &fakeConsumer{stream: s}
	s.consumers[cfg.Durable] = c
	return c, nil
}

// fakeConsumer tracks one durable group's independent read cursor over its
// stream's shared append-only log.
type fakeConsumer struct {
	mu        sync.Mutex
	stream    *fakeStream
	cursor    int
	redeliver []int
	inFlight  int64
}

func (c *fakeConsumer) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]msg, 0, batch)

	for len(out) < batch && len(c.redeliver) > 0 {
		idx := c.redeliver[0]
		c.redeliver = c.redeliver[1:]
		rec := c.stream.recordAt(idx)
		out = append(out, fakeMsg{consumer: c, index: idx, data: rec.data, seq: rec.seq})
		c.inFlight++
	}

	for len(out) < batch && c.cursor < c.stream.length() {
		rec := c.stream.recordAt(c.cursor)
		out = append(out, fakeMsg{consumer: c, index: c.cursor, data: rec.data, seq: rec.seq})
		c.inFlight++
		c.cursor++
	}

	return out, nil
}

func (c *fakeConsumer) Pending(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight, nil
}

type fakeMsg struct {
	consumer *fakeConsumer
	index    int
	data     []byte
	seq      uint64
}

func (m fakeMsg) Data() []byte   { return m.data }
func (m fakeMsg) SeqNum() uint64 { return m.seq }

func (m fakeMsg) Ack() error {
	c := m.consumer
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	return nil
}

func (m fakeMsg) Nak() error {
	c := m.consumer
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.redeliver = append(c.redeliver, m.index)
	return nil
}
