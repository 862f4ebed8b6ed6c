package possync

import (
	"context"
	"errors"
	"reflect"
	"testing"

	syncErrors "github.com/c0deZ3R0/possync/errors"
)

func TestPushSubBatching(t *testing.T) {
	store := newMockStore()
	store.records["vendas"] = makeRecords(120)
	transport := &mockTransport{}

	engine := newTestEngine(store, newMockConflicts(), transport, testRegistry("vendas"), &Options{
		Workers:       1,
		PushBatchSize: 50,
	})
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := transport.pushCount(); got != 3 {
		t.Errorf("push calls = %d, want 3 (50+50+20)", got)
	}
	sizes := make([]int, 0, 3)
	for _, call := range transport.pushCalls {
		sizes = append(sizes, len(call.records))
	}
	if want := []int{50, 50, 20}; !reflect.DeepEqual(sizes, want) {
		t.Errorf("batch sizes = %v, want %v", sizes, want)
	}
	if result.Uploaded != 120 {
		t.Errorf("uploaded = %d, want 120", result.Uploaded)
	}
}

// A failing sub-batch must not stop the batches after it.
func TestPushSubBatchFailureIsolated(t *testing.T) {
	store := newMockStore()
	store.records["vendas"] = makeRecords(100)
	var calls int
	transport := &mockTransport{
		pushFn: func(resource string, records []Record) (*PushResult, error) {
			calls++
			if calls == 1 {
				return nil, syncErrors.NewNetworkError(syncErrors.OpPush, errors.New("gateway timeout"))
			}
			return &PushResult{}, nil
		},
	}

	engine := newTestEngine(store, newMockConflicts(), transport, testRegistry("vendas"), &Options{
		Workers:       1,
		PushBatchSize: 50,
	})
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls != 2 {
		t.Errorf("push calls = %d, want 2 (second batch still attempted)", calls)
	}
	if result.Uploaded != 50 {
		t.Errorf("uploaded = %d, want 50", result.Uploaded)
	}
	if result.Status != StatusError {
		t.Errorf("status = %s, want error", result.Status)
	}
	// Records of the failed batch stay unsynced for the next run.
	if got := len(store.syncedIDs("vendas")); got != 50 {
		t.Errorf("synced ids = %d, want 50", got)
	}
}

// A MarkSynced failure means records were accepted remotely but are still
// flagged unsynced locally; the batch is reported failed and nothing is
// counted as uploaded.
func TestPushMarkSyncedFailure(t *testing.T) {
	store := newMockStore()
	store.records["clientes"] = makeRecords(10)
	store.markErr = errors.New("disk I/O error")
	transport := &mockTransport{}

	engine := newTestEngine(store, newMockConflicts(), transport, testRegistry("clientes"), nil)
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Uploaded != 0 {
		t.Errorf("uploaded = %d, want 0", result.Uploaded)
	}
	if result.Status != StatusError {
		t.Errorf("status = %s, want error", result.Status)
	}
}

func TestPushUnsyncedFetchFailure(t *testing.T) {
	store := newMockStore()
	store.unsyncedErr = errors.New("database is locked")
	transport := &mockTransport{}

	engine := newTestEngine(store, newMockConflicts(), transport, testRegistry("produtos"), nil)
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := transport.pushCount(); got != 0 {
		t.Errorf("push calls = %d, want 0", got)
	}
	if result.Status != StatusError {
		t.Errorf("status = %s, want error", result.Status)
	}
}

// Cancellation is observed between sub-batches: the in-flight batch
// finishes and no further batch is started.
func TestPushCancelledBetweenBatches(t *testing.T) {
	store := newMockStore()
	store.records["vendas"] = makeRecords(100)

	ctx, cancel := context.WithCancel(context.Background())
	transport := &mockTransport{
		pushFn: func(resource string, records []Record) (*PushResult, error) {
			cancel()
			return &PushResult{}, nil
		},
	}

	engine := newTestEngine(store, newMockConflicts(), transport, testRegistry("vendas"), &Options{
		Workers:       1,
		PushBatchSize: 50,
	})
	result, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := transport.pushCount(); got != 1 {
		t.Errorf("push calls = %d, want 1", got)
	}
	if result.Uploaded != 50 {
		t.Errorf("uploaded = %d, want 50 (first batch committed)", result.Uploaded)
	}
}

func TestPushSkippedForMirrorEntities(t *testing.T) {
	store := newMockStore()
	store.records["formas_pagamento"] = makeRecords(3)
	transport := &mockTransport{}

	registry := Registry{{
		Table: "formas_pagamento", Resource: "/formas_pagamento",
		HasSync: false, HasUUID: false, Upload: false, Download: true,
	}}
	engine := newTestEngine(store, newMockConflicts(), transport, registry, nil)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := transport.pushCount(); got != 0 {
		t.Errorf("push calls = %d, want 0 for a download-only entity", got)
	}
	if got := transport.pullCount(); got == 0 {
		t.Error("download-only entity must still pull")
	}
}

func TestAcceptedIDs(t *testing.T) {
	batch := makeRecords(4)

	tests := []struct {
		name      string
		conflicts []Conflict
		want      []string
	}{
		{"no conflicts", nil, []string{"1", "2", "3", "4"}},
		{"one conflict", []Conflict{{LocalID: "2"}}, []string{"1", "3", "4"}},
		{"all conflict", []Conflict{{LocalID: "1"}, {LocalID: "2"}, {LocalID: "3"}, {LocalID: "4"}}, []string{}},
		{"conflict for unknown id", []Conflict{{LocalID: "99"}}, []string{"1", "2", "3", "4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := acceptedIDs(batch, tt.conflicts)
			if len(got) != len(tt.want) {
				t.Fatalf("acceptedIDs = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("acceptedIDs = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestPushConflictSaveFailureIsReported(t *testing.T) {
	store := newMockStore()
	store.records["produtos"] = makeRecords(2)
	conflicts := newMockConflicts()
	conflicts.saveErr = errors.New("disk full")
	transport := &mockTransport{
		pushFn: func(resource string, records []Record) (*PushResult, error) {
			return &PushResult{Conflicts: []Conflict{{LocalID: "1"}}}, nil
		},
	}

	engine := newTestEngine(store, conflicts, transport, testRegistry("produtos"), nil)
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Status != StatusError {
		t.Errorf("status = %s, want error when conflicts cannot be persisted", result.Status)
	}
	// The accepted record is still marked synced.
	if got := store.syncedIDs("produtos"); len(got) != 1 || got[0] != "2" {
		t.Errorf("synced ids = %v, want [2]", got)
	}
}

func TestErrCodeClassification(t *testing.T) {
	auth := syncErrors.NewAuthError(syncErrors.OpPush, errors.New("401"))
	if got := errCode(auth); got != string(syncErrors.ErrCodeAuthFailure) {
		t.Errorf("errCode(auth) = %s", got)
	}
	rejected := syncErrors.NewRejectedError(syncErrors.OpPush, errors.New("422"))
	if got := errCode(rejected); got != string(syncErrors.ErrCodeRemoteRejected) {
		t.Errorf("errCode(rejected) = %s", got)
	}
	if got := errCode(errors.New("plain")); got != string(syncErrors.ErrCodeNetworkFailure) {
		t.Errorf("errCode(plain) = %s, want network fallback", got)
	}
}
