package possync

import (
	"context"
	"fmt"
	"log/slog"

	syncErrors "github.com/c0deZ3R0/possync/errors"
	"github.com/c0deZ3R0/possync/logging"
)

// pushStats accumulates one entity's push outcome. failures holds the
// messages of sub-batches that could not be fully processed; they make
// the entity's status "error" without stopping the remaining batches.
type pushStats struct {
	uploaded  int
	conflicts int
	failures  []string
}

// pushEntity retrieves the entity's unsynchronized records, submits them
// in bounded sub-batches and marks accepted records synced. Absence from
// the server's conflict list is the sole acceptance signal; HTTP status
// alone is never trusted when a conflict list is present.
//
// The returned error is non-nil only for failures that end the entity's
// push outright (storage failure on the initial fetch, authentication
// failure, cancellation). Per-sub-batch failures are isolated: they are
// recorded in stats.failures and the next sub-batch is still attempted.
func (e *Engine) pushEntity(ctx context.Context, desc EntityDescriptor, logger *logging.Logger) (pushStats, error) {
	var stats pushStats

	records, err := e.store.UnsyncedRecords(ctx, desc.Table, e.options.UnsyncedLimit)
	if err != nil {
		e.options.Metrics.RecordError(desc.Table, string(syncErrors.ErrCodeStorageFailure))
		return stats, fmt.Errorf("loading unsynced records: %w", err)
	}
	if len(records) == 0 {
		logger.DebugContext(ctx, "nothing to push")
		return stats, nil
	}

	logger.InfoContext(ctx, "pushing records",
		slog.Int("count", len(records)),
		slog.Int("batch_size", e.options.PushBatchSize))

	for start := 0; start < len(records); start += e.options.PushBatchSize {
		// Cancellation is observed between sub-batches only: an in-flight
		// batch always finishes to preserve the per-batch commit granularity.
		if err := ctx.Err(); err != nil {
			stats.failures = append(stats.failures, fmt.Sprintf("cancelled with %d record(s) unsent", len(records)-start))
			return stats, nil
		}

		end := start + e.options.PushBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		resp, err := e.transport.Push(ctx, desc.Resource, batch)
		if err != nil {
			if syncErrors.IsAuthFailure(err) {
				return stats, err
			}
			// Terminal for this sub-batch after the transport exhausted
			// its retries; the next sub-batch still gets its chance.
			e.options.Metrics.RecordError(desc.Table, errCode(err))
			logger.LogError(ctx, err, "sub-batch send failed",
				slog.Int("batch_start", start),
				slog.Int("batch_len", len(batch)))
			stats.failures = append(stats.failures, fmt.Sprintf("batch at offset %d: %v", start, err))
			continue
		}

		accepted := acceptedIDs(batch, resp.Conflicts)
		if err := e.store.MarkSynced(ctx, desc.Table, accepted); err != nil {
			// Accepted remotely but not marked locally: the records will
			// be re-pushed next run, which the server must treat as
			// idempotent. Surfaced as a hard failure for this batch.
			e.options.Metrics.RecordError(desc.Table, string(syncErrors.ErrCodeStorageFailure))
			logger.LogError(ctx, err, "failed to mark records synced",
				slog.Int("accepted", len(accepted)))
			stats.failures = append(stats.failures, fmt.Sprintf("mark synced at offset %d: %v", start, err))
			continue
		}
		stats.uploaded += len(accepted)

		if len(resp.Conflicts) > 0 {
			stats.conflicts += len(resp.Conflicts)
			if _, err := e.conflicts.Save(ctx, desc.Table, resp.Conflicts); err != nil {
				e.options.Metrics.RecordError(desc.Table, string(syncErrors.ErrCodeStorageFailure))
				logger.LogError(ctx, err, "failed to persist conflicts",
					slog.Int("conflicts", len(resp.Conflicts)))
				stats.failures = append(stats.failures, fmt.Sprintf("conflict save at offset %d: %v", start, err))
			}
		}
	}

	logger.InfoContext(ctx, "push finished",
		slog.Int("uploaded", stats.uploaded),
		slog.Int("conflicts", stats.conflicts),
		slog.Int("failed_batches", len(stats.failures)))
	return stats, nil
}

// acceptedIDs returns the identifiers of submitted records that do not
// appear in the server's conflict list.
func acceptedIDs(batch []Record, conflicts []Conflict) []string {
	if len(conflicts) == 0 {
		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.LocalID
		}
		return ids
	}

	conflicting := make(map[string]struct{}, len(conflicts))
	for _, c := range conflicts {
		conflicting[c.LocalID] = struct{}{}
	}

	ids := make([]string, 0, len(batch))
	for _, rec := range batch {
		if _, ok := conflicting[rec.LocalID]; !ok {
			ids = append(ids, rec.LocalID)
		}
	}
	return ids
}

// errCode extracts the SyncError code for metrics, defaulting to the
// network class for unclassified transport failures.
func errCode(err error) string {
	for _, code := range []syncErrors.ErrorCode{
		syncErrors.ErrCodeAuthFailure,
		syncErrors.ErrCodeNetworkFailure,
		syncErrors.ErrCodeRemoteRejected,
		syncErrors.ErrCodeStorageFailure,
		syncErrors.ErrCodeValidationFailure,
	} {
		if syncErrors.HasCode(err, code) {
			return string(code)
		}
	}
	return string(syncErrors.ErrCodeNetworkFailure)
}
