// Package possync is the synchronization core of an offline-capable
// point-of-sale application. It reconciles a local embedded SQLite store
// with a remote authoritative service: unsent local changes are pushed in
// bounded batches, remote changes since the last successful run are pulled
// and merged, and record-level conflicts are durably captured for a
// separate resolution workflow.
//
// The engine is resumable and idempotent across crash/restart: every
// local mutation that marks records synced or records a conflict is
// scoped to a short transaction, so a fresh run picks up exactly where
// the previous one stopped.
package possync

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// Record is the engine's view of one local row: the metadata it needs for
// sync bookkeeping plus an opaque payload of entity-specific columns.
// The engine never interprets business fields.
type Record struct {
	// LocalID is the locally-assigned identifier, stable for the lifetime
	// of the local row. Carried as text because it is also the conflict key.
	LocalID string

	// UUID is the cross-system identity shared with the remote
	// representation. Empty for tables that do not carry one.
	UUID string

	// Payload holds the entity-specific columns.
	Payload map[string]any
}

// Conflict is a detected divergence between the local and remote version
// of the same logical record. Conflicts are data, not errors: they are
// captured, never auto-resolved or silently dropped.
type Conflict struct {
	LocalID    string          `json:"local_id"`
	ServerData json.RawMessage `json:"server_data"`
	LocalData  json.RawMessage `json:"local_data"`
}

// EntityDescriptor statically describes one synchronizable entity: its
// local table, its remote resource path, and which sync metadata the
// table carries. Descriptors replace runtime column introspection; they
// are looked up once at startup.
type EntityDescriptor struct {
	// Table is the local table name.
	Table string

	// Resource is the remote collection path, e.g. "/produtos".
	Resource string

	// HasSync indicates the table carries the synced/last_updated columns.
	// Tables without them are read-only mirrors and are never pushed.
	HasSync bool

	// HasUUID indicates the table carries a uuid column.
	HasUUID bool

	// Upload enables the push pipeline for this entity.
	Upload bool

	// Download enables the pull pipeline for this entity.
	Download bool
}

// Registry is the ordered set of entities a run processes.
type Registry []EntityDescriptor

// Lookup returns the descriptor for a table, if registered.
func (r Registry) Lookup(table string) (EntityDescriptor, bool) {
	for _, d := range r {
		if d.Table == table {
			return d, true
		}
	}
	return EntityDescriptor{}, false
}

// Tables returns the registered table names in registry order.
func (r Registry) Tables() []string {
	names := make([]string, len(r))
	for i, d := range r {
		names[i] = d.Table
	}
	return names
}

// DefaultRegistry returns the standard point-of-sale entity set.
// formas_pagamento is a server-managed lookup table mirrored locally.
func DefaultRegistry() Registry {
	return Registry{
		{Table: "produtos", Resource: "/produtos", HasSync: true, HasUUID: true, Upload: true, Download: true},
		{Table: "clientes", Resource: "/clientes", HasSync: true, HasUUID: true, Upload: true, Download: true},
		{Table: "vendas", Resource: "/vendas", HasSync: true, HasUUID: true, Upload: true, Download: true},
		{Table: "venda_itens", Resource: "/venda_itens", HasSync: true, HasUUID: true, Upload: true, Download: true},
		{Table: "estoque", Resource: "/estoque", HasSync: true, HasUUID: false, Upload: true, Download: true},
		{Table: "formas_pagamento", Resource: "/formas_pagamento", HasSync: false, HasUUID: false, Upload: false, Download: true},
	}
}

// LocalStore provides access to the embedded relational datastore.
// Implementations must scope each mutating call to a single transaction.
type LocalStore interface {
	// UnsyncedRecords returns rows whose synced flag is false or null,
	// capped at limit. Tables without a synced column return their full
	// contents (read-only mirror semantics).
	UnsyncedRecords(ctx context.Context, table string, limit int) ([]Record, error)

	// MarkSynced sets synced=true and stamps last_updated for exactly the
	// given identifiers, in one transaction. No-op on an empty list.
	MarkSynced(ctx context.Context, table string, ids []string) error

	// Upsert inserts or replaces a row matched by primary key, filling
	// missing NOT NULL columns with their declared defaults and forcing
	// synced=true when the table carries sync metadata.
	Upsert(ctx context.Context, table string, rec Record) error

	// LastSync returns the entity's pull watermark; the zero time means
	// the entity has never completed a pull.
	LastSync(ctx context.Context, table string) (time.Time, error)

	// SetLastSync advances the entity's pull watermark. Implementations
	// must never move a watermark backward.
	SetLastSync(ctx context.Context, table string, t time.Time) error

	Close() error
}

// ConflictStore durably records unresolved divergences. At most one
// unresolved conflict may exist per (table, local_id); saving a duplicate
// is a no-op. Returns the number of rows actually inserted.
type ConflictStore interface {
	Save(ctx context.Context, table string, conflicts []Conflict) (int, error)
}

// PullQuery describes one page request against a remote collection.
type PullQuery struct {
	// LastSync filters the collection to records changed after the
	// watermark. The zero time requests the full collection.
	LastSync time.Time

	Limit  int
	Offset int
}

// PushResult is the interpreted outcome of one push sub-batch. Absence of
// a submitted identifier from Conflicts is the sole acceptance signal.
type PushResult struct {
	Conflicts []Conflict
}

// PullPage is one page of a remote collection.
type PullPage struct {
	Records   []Record
	HasMore   bool
	Conflicts []Conflict
}

// Transport handles network communication with the remote service.
type Transport interface {
	// Push submits one sub-batch of records to the entity's resource.
	Push(ctx context.Context, resource string, records []Record) (*PushResult, error)

	// Pull fetches one page of the entity's resource.
	Pull(ctx context.Context, resource string, q PullQuery) (*PullPage, error)

	Close() error
}

// Status summarizes an entity's (or the whole run's) outcome.
type Status string

const (
	// StatusSuccess means every record was pushed/pulled cleanly.
	StatusSuccess Status = "success"

	// StatusPartial means conflicts occurred but no hard errors.
	StatusPartial Status = "partial"

	// StatusError means at least one sub-batch, page or entity failed
	// irrecoverably.
	StatusError Status = "error"
)

// EntityResult reports one entity's outcome within a run.
type EntityResult struct {
	Table      string
	Uploaded   int
	Downloaded int
	Conflicts  int
	Status     Status
	Message    string

	// orchestrator plumbing, not part of the reportable result
	authFailed bool
	err        error
}

// RunResult is the structured outcome of a whole sync run. The engine
// always returns one, even when every entity failed.
type RunResult struct {
	Entities   []EntityResult
	Uploaded   int
	Downloaded int
	Conflicts  int
	Status     Status
	StartTime  time.Time
	Duration   time.Duration
}

// aggregate recomputes the run-level sums and status from the per-entity
// results. Overall status: error if any entity errored, else partial if
// any entity was partial, else success.
func (r *RunResult) aggregate() {
	r.Uploaded, r.Downloaded, r.Conflicts = 0, 0, 0
	r.Status = StatusSuccess
	for _, er := range r.Entities {
		r.Uploaded += er.Uploaded
		r.Downloaded += er.Downloaded
		r.Conflicts += er.Conflicts
		switch er.Status {
		case StatusError:
			r.Status = StatusError
		case StatusPartial:
			if r.Status != StatusError {
				r.Status = StatusPartial
			}
		}
	}
}
