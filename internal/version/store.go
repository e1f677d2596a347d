package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/templatefabric/internal/natsconn"
)

// TemplatesBucket holds the current, mutable row per template.
const TemplatesBucket = "TEMPLATES"

// VersionsBucket holds immutable, append-only version rows keyed by the
// compound key "{template_id}.{version_number}", the same
// "{trace_id}.{request_id}" convention llm/store.go's CallStore uses for
// prefix-queryable-by-owner lookups.
const VersionsBucket = "TEMPLATE_VERSIONS"

// kvEntry is the subset of jetstream.KeyValueEntry this package needs.
type kvEntry interface {
	Value() []byte
	Revision() uint64
}

// kv is the subset of jetstream.KeyValue this package needs, narrowed so
// unit tests can substitute an in-memory fake.
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

// Store persists Template rows and their Version history across two KV
// buckets, using per-key revisions on the TEMPLATES bucket for
// compare-and-set so concurrent structural edits to the same template race
// safely — row-level locking on the template row, with the
// loser retrying at the application level via ErrStateConflict.
type Store struct {
	templates kv
	versions  kv
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the store's time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates the version store, creating both backing KV buckets if
// needed.
func NewStore(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	templates, err := natsconn.EnsureKeyValue(ctx, js, jetstream.KeyValueConfig{
		Bucket:      TemplatesBucket,
		Description: "Current template rows",
	})
	if err != nil {
		return nil, fmt.Errorf("ensure templates bucket: %w", translateConnErr(err))
	}
	versions, err := natsconn.EnsureKeyValue(ctx, js, jetstream.KeyValueConfig{
		Bucket:      VersionsBucket,
		Description: "Immutable template version history",
	})
	if err != nil {
		return nil, fmt.Errorf("ensure template versions bucket: %w", translateConnErr(err))
	}

	s.templates = jetstreamKV{bucket: templates}
	s.versions = jetstreamKV{bucket: versions}
	return s, nil
}

// newStoreWithKV builds a Store directly atop kv implementations, bypassing
// JetStream bucket creation. Used by unit tests with in-memory fakes.
func newStoreWithKV(templates, versions kv, opts ...Option) *Store {
	s := &Store{templates: templates, versions: versions, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// versionKey builds the compound key a Version row is stored under.
func versionKey(templateID string, versionNumber int) string {
	return fmt.Sprintf("%s.%d", templateID, versionNumber)
}

// CreateInitial inserts a template row with version_number=1 and a matching
// version row.
func (s *Store) CreateInitial(ctx context.Context, name, isoStandard, fileID string, structure map[string]any, creator string) (string, error) {
	snapshot, err := cloneStructure(structure)
	if err != nil {
		return "", fmt.Errorf("clone structure: %w", err)
	}

	now := s.now().UTC()
	templateID := uuid.New().String()

	tmpl := &Template{
		TemplateID:    templateID,
		Name:          name,
		ISOStandard:   isoStandard,
		FileID:        fileID,
		Structure:     snapshot,
		VersionNumber: 1,
		TotalFixed:    countSections(snapshot, "fixed_sections"),
		TotalFillable: countSections(snapshot, "fillable_sections"),
		Tags:          sortedTags(snapshot),
		Status:        StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ver := &Version{
		ID:                uuid.New().String(),
		TemplateID:        templateID,
		VersionNumber:     1,
		StructureSnapshot: snapshot,
		ChangeSummary:     "Initial version",
		CreatedBy:         creator,
		CreatedAt:         now,
	}

	if err := s.createVersion(ctx, ver); err != nil {
		return "", err
	}
	if err := s.createTemplate(ctx, tmpl); err != nil {
		return "", err
	}
	return templateID, nil
}

// Get reads the current Template row by template ID.
func (s *Store) Get(ctx context.Context, templateID string) (*Template, error) {
	tmpl, _, err := s.readTemplate(ctx, templateID)
	return tmpl, err
}

// UpdateStructure overwrites a template's current structure, bumps its
// version number, and inserts an append-only version row carrying the new
// snapshot and a diffed change summary. Runs as one atomic transaction via
// CAS on the template row; a concurrent editor loses the race and must
// retry.
func (s *Store) UpdateStructure(ctx context.Context, templateID string, newStructure map[string]any, notes, editor string) (int, error) {
	tmpl, rev, err := s.readTemplate(ctx, templateID)
	if err != nil {
		return 0, err
	}

	snapshot, err := cloneStructure(newStructure)
	if err != nil {
		return 0, fmt.Errorf("clone structure: %w", err)
	}

	summary := changeSummary(tmpl.Structure, snapshot)
	newVersionNumber := tmpl.VersionNumber + 1
	now := s.now().UTC()

	ver := &Version{
		ID:                uuid.New().String(),
		TemplateID:        templateID,
		VersionNumber:     newVersionNumber,
		StructureSnapshot: snapshot,
		ChangeSummary:     summary,
		Notes:             notes,
		CreatedBy:         editor,
		CreatedAt:         now,
	}
	if err := s.createVersion(ctx, ver); err != nil {
		return 0, err
	}

	tmpl.Structure = snapshot
	tmpl.VersionNumber = newVersionNumber
	tmpl.RestoredFromVersion = nil
	tmpl.TotalFixed = countSections(snapshot, "fixed_sections")
	tmpl.TotalFillable = countSections(snapshot, "fillable_sections")
	tmpl.Tags = sortedTags(snapshot)
	tmpl.UpdatedAt = now

	if err := s.writeTemplateCAS(ctx, tmpl, rev); err != nil {
		return 0, err
	}
	return newVersionNumber, nil
}

// Restore loads the target version's snapshot, bumps version_number, sets
// the current structure to that snapshot, records restored_from_version,
// and inserts a version row whose change_summary names the restored
// version.
func (s *Store) Restore(ctx context.Context, templateID string, targetVersion int, restorer string) (int, error) {
	tmpl, rev, err := s.readTemplate(ctx, templateID)
	if err != nil {
		return 0, err
	}

	target, err := s.GetVersion(ctx, templateID, targetVersion)
	if err != nil {
		return 0, err
	}

	snapshot, err := cloneStructure(target.StructureSnapshot)
	if err != nil {
		return 0, fmt.Errorf("clone structure: %w", err)
	}

	newVersionNumber := tmpl.VersionNumber + 1
	now := s.now().UTC()
	targetCopy := targetVersion

	ver := &Version{
		ID:                  uuid.New().String(),
		TemplateID:          templateID,
		VersionNumber:       newVersionNumber,
		StructureSnapshot:   snapshot,
		ChangeSummary:       restoredSummary(targetVersion),
		CreatedBy:           restorer,
		CreatedAt:           now,
		RestoredFromVersion: &targetCopy,
	}
	if err := s.createVersion(ctx, ver); err != nil {
		return 0, err
	}

	tmpl.Structure = snapshot
	tmpl.VersionNumber = newVersionNumber
	tmpl.RestoredFromVersion = &targetCopy
	tmpl.TotalFixed = countSections(snapshot, "fixed_sections")
	tmpl.TotalFillable = countSections(snapshot, "fillable_sections")
	tmpl.Tags = sortedTags(snapshot)
	tmpl.UpdatedAt = now

	if err := s.writeTemplateCAS(ctx, tmpl, rev); err != nil {
		return 0, err
	}
	return newVersionNumber, nil
}

// GetVersion reads one immutable version row by template ID and version
// number.
func (s *Store) GetVersion(ctx context.Context, templateID string, versionNumber int) (*Version, error) {
	entry, err := s.versions.Get(ctx, versionKey(templateID, versionNumber))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("get version: %w", translateConnErr(err))
	}
	var ver Version
	if err := json.Unmarshal(entry.Value(), &ver); err != nil {
		return nil, fmt.Errorf("unmarshal version: %w", err)
	}
	return &ver, nil
}

// ListVersions returns every version row for a template, ordered by
// version_number ascending.
func (s *Store) ListVersions(ctx context.Context, templateID string) ([]*Version, error) {
	keys, err := s.versions.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*Version{}, nil
		}
		return nil, fmt.Errorf("list version keys: %w", translateConnErr(err))
	}

	prefix := templateID + "."
	var rows []*Version
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.versions.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			s.logger.Warn("failed to read version row during list", "key", key, "error", err)
			continue
		}
		var ver Version
		if err := json.Unmarshal(entry.Value(), &ver); err != nil {
			s.logger.Warn("failed to unmarshal version row during list", "key", key, "error", err)
			continue
		}
		rows = append(rows, &ver)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].VersionNumber < rows[j].VersionNumber
	})
	return rows, nil
}

func (s *Store) createVersion(ctx context.Context, ver *Version) error {
	data, err := json.Marshal(ver)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	if _, err := s.versions.Create(ctx, versionKey(ver.TemplateID, ver.VersionNumber), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			// version_number is supposed to be strictly increasing per
			// template under the template row's CAS lock; a collision here
			// means a concurrent writer raced past the CAS above it, which
			// the caller surfaces as a state conflict to retry.
			return ErrStateConflict
		}
		return fmt.Errorf("create version: %w", translateConnErr(err))
	}
	return nil
}

func (s *Store) createTemplate(ctx context.Context, tmpl *Template) error {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	if _, err := s.templates.Create(ctx, tmpl.TemplateID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrStateConflict
		}
		return fmt.Errorf("create template: %w", translateConnErr(err))
	}
	return nil
}

func (s *Store) readTemplate(ctx context.Context, templateID string) (*Template, uint64, error) {
	entry, err := s.templates.Get(ctx, templateID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get template: %w", translateConnErr(err))
	}
	var tmpl Template
	if err := json.Unmarshal(entry.Value(), &tmpl); err != nil {
		return nil, 0, fmt.Errorf("unmarshal template: %w", err)
	}
	return &tmpl, entry.Revision(), nil
}

func (s *Store) writeTemplateCAS(ctx context.Context, tmpl *Template, revision uint64) error {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	if _, err := s.templates.Update(ctx, tmpl.TemplateID, data, revision); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrStateConflict
		}
		return fmt.Errorf("update template: %w", translateConnErr(err))
	}
	return nil
}

// translateConnErr wraps genuine JetStream connectivity failures as
// ErrStoreUnavailable, leaving KV-semantic errors (not-found, revision
// mismatch) for the caller above to classify, mirroring internal/task's
// translateConnErr.
func translateConnErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyExists) || errors.Is(err, jetstream.ErrNoKeysFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
