// Package metrics provides observability hooks for the sync engine.
package metrics

import "time"

// Collector provides hooks for observability. The engine calls these at
// run and entity granularity; implementations must be safe for
// concurrent use.
type Collector interface {
	// RecordRunDuration records how long a full sync run took and its
	// final status.
	RecordRunDuration(d time.Duration, status string)

	// RecordEntitySynced records how many records were uploaded and
	// downloaded for one entity.
	RecordEntitySynced(table string, uploaded, downloaded int)

	// RecordConflicts records how many conflicts an entity reported.
	RecordConflicts(table string, count int)

	// RecordError records a sync failure by entity and error code.
	RecordError(table, code string)
}

// NoOp is a stub implementation that discards metrics.
type NoOp struct{}

func (NoOp) RecordRunDuration(d time.Duration, status string)          {}
func (NoOp) RecordEntitySynced(table string, uploaded, downloaded int) {}
func (NoOp) RecordConflicts(table string, count int)                   {}
func (NoOp) RecordError(table, code string)                            {}
