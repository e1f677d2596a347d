package version

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeKV is an in-memory implementation of the kv interface for unit tests,
// modeling JetStream KV's revision-based compare-and-set semantics without a
// live NATS server, adapted from internal/task's fakeKV.
type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
	rev  map[string]uint64
	next uint64
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data: make(map[string][]byte),
		rev:  make(map[string]uint64),
	}
}

type fakeEntry struct {
	value    []byte
	revision uint64
}

func (e fakeEntry) Value() []byte    { return e.value }
func (e fakeEntry) Revision() uint64 { return e.revision }

func (f *fakeKV) Get(ctx context.Context, key string) (kvEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: v, revision: f.rev[key]}, nil
}

func (f *fakeKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	f.next++
	f.data[key] = value
	f.rev[key] = f.next
	return f.next, nil
}

func (f *fakeKV) Update(ctx context.Context, key string, value []byte, last uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rev[key] != last {
		return 0, jetstream.ErrKeyExists
	}
	f.next++
	f.data[key] = value
	f.rev[key] = f.next
	return f.next, nil
}

func (f *fakeKV) Keys(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}
