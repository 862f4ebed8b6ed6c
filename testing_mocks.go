package possync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// mockStore is an in-memory LocalStore for engine tests.
type mockStore struct {
	mu        sync.Mutex
	records   map[string][]Record // table -> unsynced records
	synced    map[string][]string // table -> ids marked synced
	upserted  map[string][]Record
	watermark map[string]time.Time

	unsyncedErr error
	markErr     error
	upsertErr   func(rec Record) error
	closed      bool
}

func newMockStore() *mockStore {
	return &mockStore{
		records:   make(map[string][]Record),
		synced:    make(map[string][]string),
		upserted:  make(map[string][]Record),
		watermark: make(map[string]time.Time),
	}
}

func (m *mockStore) UnsyncedRecords(ctx context.Context, table string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsyncedErr != nil {
		return nil, m.unsyncedErr
	}
	recs := m.records[table]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *mockStore) MarkSynced(ctx context.Context, table string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.synced[table] = append(m.synced[table], ids...)
	return nil
}

func (m *mockStore) Upsert(ctx context.Context, table string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		if err := m.upsertErr(rec); err != nil {
			return err
		}
	}
	m.upserted[table] = append(m.upserted[table], rec)
	return nil
}

func (m *mockStore) LastSync(ctx context.Context, table string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark[table], nil
}

func (m *mockStore) SetLastSync(ctx context.Context, table string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.watermark[table]) {
		m.watermark[table] = t
	}
	return nil
}

func (m *mockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStore) syncedIDs(table string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.synced[table]))
	copy(out, m.synced[table])
	return out
}

func (m *mockStore) upsertedRecords(table string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.upserted[table]))
	copy(out, m.upserted[table])
	return out
}

// mockConflicts is an in-memory ConflictStore deduplicating per
// (table, local_id) like the real one.
type mockConflicts struct {
	mu      sync.Mutex
	saved   map[string][]Conflict
	saveErr error
}

func newMockConflicts() *mockConflicts {
	return &mockConflicts{saved: make(map[string][]Conflict)}
}

func (m *mockConflicts) Save(ctx context.Context, table string, conflicts []Conflict) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	inserted := 0
	for _, c := range conflicts {
		dup := false
		for _, existing := range m.saved[table] {
			if existing.LocalID == c.LocalID {
				dup = true
				break
			}
		}
		if !dup {
			m.saved[table] = append(m.saved[table], c)
			inserted++
		}
	}
	return inserted, nil
}

func (m *mockConflicts) conflictsFor(table string) []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conflict, len(m.saved[table]))
	copy(out, m.saved[table])
	return out
}

// mockTransport scripts push and pull outcomes per resource.
type mockTransport struct {
	mu sync.Mutex

	pushFn func(resource string, records []Record) (*PushResult, error)
	pullFn func(resource string, q PullQuery) (*PullPage, error)

	pushCalls []pushCall
	pullCalls []PullQuery
	closed    bool
}

type pushCall struct {
	resource string
	records  []Record
}

func (m *mockTransport) Push(ctx context.Context, resource string, records []Record) (*PushResult, error) {
	m.mu.Lock()
	m.pushCalls = append(m.pushCalls, pushCall{resource: resource, records: records})
	fn := m.pushFn
	m.mu.Unlock()
	if fn == nil {
		return &PushResult{}, nil
	}
	return fn(resource, records)
}

func (m *mockTransport) Pull(ctx context.Context, resource string, q PullQuery) (*PullPage, error) {
	m.mu.Lock()
	m.pullCalls = append(m.pullCalls, q)
	fn := m.pullFn
	m.mu.Unlock()
	if fn == nil {
		return &PullPage{}, nil
	}
	return fn(resource, q)
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) pushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pushCalls)
}

func (m *mockTransport) pullCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pullCalls)
}

// makeRecords fabricates n unsynced records with sequential ids starting at 1.
func makeRecords(n int) []Record {
	recs := make([]Record, n)
	for i := range recs {
		id := strconv.Itoa(i + 1)
		recs[i] = Record{
			LocalID: id,
			UUID:    fmt.Sprintf("uuid-%s", id),
			Payload: map[string]any{"nome": fmt.Sprintf("item %s", id)},
		}
	}
	return recs
}
