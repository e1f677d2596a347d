package progress

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher posts progress events onto the per-job fan-out subjects. It
// tracks per-task start times purely in memory — a publisher restart resets
// elapsed/ETA tracking for in-flight jobs, which is acceptable since the bus
// is explicitly non-durable.
type Publisher struct {
	nc  *nats.Conn
	now func() time.Time

	mu    sync.Mutex
	start map[string]time.Time
}

// NewPublisher wraps nc as a progress Publisher.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{
		nc:    nc,
		now:   time.Now,
		start: make(map[string]time.Time),
	}
}

func (p *Publisher) elapsedSince(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.start[taskID]
	if !ok {
		t = p.now()
		p.start[taskID] = t
	}
	return int(p.now().Sub(t).Seconds())
}

func (p *Publisher) forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.start, taskID)
}

// Publish marshals ev and fire-and-forgets it onto the job's subject. A
// publish with no subscriber present is silently dropped — that is the
// fan-out contract, not an error.
func (p *Publisher) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := p.nc.Publish(SubjectForJob(ev.JobID), data); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}

// PublishProgress sends a progress_update event with elapsed time and an
// ETA extrapolated from progress so far.
func (p *Publisher) PublishProgress(taskID string, progressPct int, step string, details map[string]any) error {
	elapsed := p.elapsedSince(taskID)
	eta := etaSeconds(elapsed, progressPct)

	ev := Event{
		JobID:     taskID,
		Type:      EventProgressUpdate,
		Progress:  &progressPct,
		Step:      step,
		ElapsedS:  &elapsed,
		Details:   details,
		Timestamp: p.now().UTC(),
	}
	if eta != nil {
		ev.ETASeconds = eta
		ev.ETAMessage = formatETA(*eta)
	}
	return p.Publish(ev)
}

// PublishMilestone sends a milestone event for a major, user-visible
// achievement mid-pipeline (e.g. "document extracted").
func (p *Publisher) PublishMilestone(taskID, milestone string, details map[string]any) error {
	return p.Publish(Event{
		JobID:     taskID,
		Type:      EventMilestone,
		Milestone: milestone,
		Details:   details,
		Timestamp: p.now().UTC(),
	})
}

// PublishCompletion sends the terminal task_complete event and stops
// tracking the task's elapsed time.
func (p *Publisher) PublishCompletion(taskID string, resultSummary map[string]any) error {
	elapsed := p.elapsedSince(taskID)
	progress := 100
	err := p.Publish(Event{
		JobID:         taskID,
		Type:          EventTaskComplete,
		Progress:      &progress,
		Step:          "complete",
		ElapsedS:      &elapsed,
		ResultSummary: resultSummary,
		Timestamp:     p.now().UTC(),
	})
	p.forget(taskID)
	return err
}

// PublishError sends the terminal task_error event, attaching a remediation
// suggestion when errorType has one, and stops tracking the task.
func (p *Publisher) PublishError(taskID, errMessage, errorType string, recoverable bool) error {
	err := p.Publish(Event{
		JobID:       taskID,
		Type:        EventTaskError,
		Error:       errMessage,
		ErrorType:   errorType,
		Recoverable: recoverable,
		Suggestion:  SuggestionFor(errorType),
		Timestamp:   p.now().UTC(),
	})
	p.forget(taskID)
	return err
}

// Subscription is a live subscription to a job's progress subject.
type Subscription struct {
	sub *nats.Subscription
	ch  chan *Event
}

// Subscribe opens a subscription to taskID's progress subject. Events are
// buffered up to a small capacity; a slow reader drops events rather than
// blocking the publisher, consistent with the bus's best-effort fan-out.
func Subscribe(nc *nats.Conn, taskID string) (*Subscription, error) {
	ch := make(chan *Event, 32)
	sub, err := nc.Subscribe(SubjectForJob(taskID), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		select {
		case ch <- &ev:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", SubjectForJob(taskID), err)
	}
	return &Subscription{sub: sub, ch: ch}, nil
}

// Events returns the channel of decoded progress events for this subscription.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Close unsubscribes, idempotently.
func (s *Subscription) Close() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}
