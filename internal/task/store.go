package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// BucketName is the JetStream KV bucket backing the task store.
const BucketName = "AI_TASKS"

// kvEntry is the subset of jetstream.KeyValueEntry this package needs.
type kvEntry interface {
	Value() []byte
	Revision() uint64
}

// kv is the subset of jetstream.KeyValue this package needs. Narrowing to
// this interface (rather than depending on jetstream.KeyValue directly)
// lets unit tests exercise the state machine against an in-memory fake
// without a live NATS server.
type kv interface {
	Get(ctx context.Context, key string) (kvEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, last uint64) (uint64, error)
	Keys(ctx context.Context) ([]string, error)
}

// jetstreamKV adapts jetstream.KeyValue to the kv interface.
type jetstreamKV struct {
	bucket jetstream.KeyValue
}

func (a jetstreamKV) Get(ctx context.Context, key string) (kvEntry, error) {
	entry, err := a.bucket.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (a jetstreamKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return a.bucket.Create(ctx, key, value)
}

func (a jetstreamKV) Update(ctx context.Context, key string, value []byte, last uint64) (uint64, error) {
	return a.bucket.Update(ctx, key, value, last)
}

func (a jetstreamKV) Keys(ctx context.Context) ([]string, error) {
	return a.bucket.Keys(ctx)
}

// Store persists Job rows in a JetStream KV bucket, using per-key revisions
// for compare-and-set so concurrent state transitions race safely.
type Store struct {
	bucket kv
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the store's time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates the task store, creating the backing KV bucket if needed.
func NewStore(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketName,
		Description: "Durable job rows for the task-orchestration fabric",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", translateConnErr(err))
	}
	s.bucket = jetstreamKV{bucket: bucket}
	return s, nil
}

// newStoreWithKV builds a Store directly atop a kv implementation, bypassing
// JetStream bucket creation. Used by unit tests with an in-memory fake.
func newStoreWithKV(b kv, opts ...Option) *Store {
	s := &Store{
		bucket: b,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a new Pending job row and returns its task ID.
func (s *Store) Create(ctx context.Context, kind Kind, relatedID, creatorID, providerName, traceID string) (string, error) {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	job := &Job{
		TaskID:       uuid.New().String(),
		Kind:         kind,
		RelatedID:    relatedID,
		State:        StatePending,
		Progress:     0,
		CreatedAt:    s.now().UTC(),
		CreatorID:    creatorID,
		ProviderName: providerName,
		TraceID:      traceID,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	if _, err := s.bucket.Create(ctx, job.TaskID, data); err != nil {
		return "", fmt.Errorf("create job: %w", translateConnErr(err))
	}
	return job.TaskID, nil
}

// Get reads the current Job row by task ID.
func (s *Store) Get(ctx context.Context, taskID string) (*Job, error) {
	job, _, err := s.read(ctx, taskID)
	return job, err
}

// read returns the decoded job plus the KV revision it was read at, so callers
// can perform a compare-and-set write.
func (s *Store) read(ctx context.Context, taskID string) (*Job, uint64, error) {
	entry, err := s.bucket.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get job: %w", translateConnErr(err))
	}

	var job Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return nil, 0, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, entry.Revision(), nil
}

// writeCAS marshals job and writes it back at revision, translating a
// revision mismatch into ErrStateConflict.
func (s *Store) writeCAS(ctx context.Context, job *Job, revision uint64) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.bucket.Update(ctx, job.TaskID, data, revision); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrStateConflict
		}
		return fmt.Errorf("update job: %w", translateConnErr(err))
	}
	return nil
}

// Claim transitions a job from Pending to Processing. Any other current
// state fails with ErrStateConflict, which is how a second worker
// recognizes it lost the race for a redelivered job.
func (s *Store) Claim(ctx context.Context, taskID string) error {
	job, rev, err := s.read(ctx, taskID)
	if err != nil {
		return err
	}
	if job.State != StatePending {
		return ErrStateConflict
	}
	now := s.now().UTC()
	job.State = StateProcessing
	job.StartedAt = &now
	return s.writeCAS(ctx, job, rev)
}

// Update records progress/step for a job currently Processing. Progress is
// clamped to be monotonically non-decreasing; a regression is silently
// clamped to the prior value rather than rejected; callers emit their own
// warning event.
func (s *Store) Update(ctx context.Context, taskID string, progress *int, step string) error {
	job, rev, err := s.read(ctx, taskID)
	if err != nil {
		return err
	}
	if job.State != StateProcessing {
		return ErrStateConflict
	}
	if progress != nil {
		p := *progress
		if p < job.Progress {
			p = job.Progress
		}
		if p > 100 {
			p = 100
		}
		job.Progress = p
	}
	if step != "" {
		job.Step = step
	}
	return s.writeCAS(ctx, job, rev)
}

// Complete atomically sets a Processing job to Completed with its result and
// accounting figures.
func (s *Store) Complete(ctx context.Context, taskID string, result json.RawMessage, costUSD float64, tokensIn, tokensOut int) error {
	job, rev, err := s.read(ctx, taskID)
	if err != nil {
		return err
	}
	if !canTransition(job.State, StateCompleted) {
		return ErrStateConflict
	}
	now := s.now().UTC()
	job.State = StateCompleted
	job.Progress = 100
	job.Result = result
	job.CostUSD = costUSD
	job.TokensIn = tokensIn
	job.TokensOut = tokensOut
	job.CompletedAt = &now
	if job.StartedAt != nil {
		job.DurationS = int(now.Sub(*job.StartedAt).Seconds())
	}
	return s.writeCAS(ctx, job, rev)
}

// Fail transitions a Pending or Processing job to Failed with a classified
// error kind.
func (s *Store) Fail(ctx context.Context, taskID, errMsg string, kind ErrorKind) error {
	job, rev, err := s.read(ctx, taskID)
	if err != nil {
		return err
	}
	if !canTransition(job.State, StateFailed) {
		return ErrStateConflict
	}
	now := s.now().UTC()
	job.State = StateFailed
	job.Error = errMsg
	job.ErrorKind = kind
	job.CompletedAt = &now
	return s.writeCAS(ctx, job, rev)
}

// Cancel transitions a Pending or Processing job to Cancelled.
func (s *Store) Cancel(ctx context.Context, taskID string) error {
	job, rev, err := s.read(ctx, taskID)
	if err != nil {
		return err
	}
	if !canTransition(job.State, StateCancelled) {
		return ErrStateConflict
	}
	now := s.now().UTC()
	job.State = StateCancelled
	job.CompletedAt = &now
	return s.writeCAS(ctx, job, rev)
}

// List returns jobs matching filter, ordered by CreatedAt ascending.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Job, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*Job{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", translateConnErr(err))
	}

	var jobs []*Job
	for _, key := range keys {
		job, _, err := s.read(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Warn("failed to read job during list", "task_id", key, "error", err)
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	if filter.Offset > 0 && filter.Offset < len(jobs) {
		jobs = jobs[filter.Offset:]
	} else if filter.Offset >= len(jobs) {
		jobs = nil
	}
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// translateConnErr wraps JetStream connectivity failures as ErrStoreUnavailable
// so callers can retry idempotently keyed by TaskID. KV-level
// semantic errors (not-found, revision mismatch) are left untouched for the
// caller above to classify.
func translateConnErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyExists) || errors.Is(err, jetstream.ErrNoKeysFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
