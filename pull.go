package possync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/possync/errors"
	"github.com/c0deZ3R0/possync/logging"
)

// pullStats accumulates one entity's pull outcome.
type pullStats struct {
	fetched   int
	applied   int
	conflicts int
	failures  []string
}

// pullEntity pages through the entity's remote collection filtered by the
// last-sync watermark, applies every fetched record to the local store
// and persists any conflicts the server reports.
//
// The watermark advances only when pagination completed and at least
// one record was applied: advancing after a failed, cancelled or empty
// pull would skip data on the next run.
// A record that fails to apply is logged and skipped without aborting the
// rest of the page.
func (e *Engine) pullEntity(ctx context.Context, desc EntityDescriptor, logger *logging.Logger) (pullStats, error) {
	var stats pullStats

	last, err := e.store.LastSync(ctx, desc.Table)
	if err != nil {
		e.options.Metrics.RecordError(desc.Table, string(syncErrors.ErrCodeStorageFailure))
		return stats, fmt.Errorf("loading watermark: %w", err)
	}

	var (
		records   []Record
		conflicts []Conflict
		offset    int
		complete  = true
	)

	// All pages are fetched before any record is applied, so a mid-page
	// transport failure cannot leave the entity with a half-applied page
	// ahead of an unmoved watermark.
	for {
		if err := ctx.Err(); err != nil {
			complete = false
			stats.failures = append(stats.failures, fmt.Sprintf("cancelled after %d page(s)", offset/e.options.PullPageSize))
			break
		}

		page, err := e.transport.Pull(ctx, desc.Resource, PullQuery{
			LastSync: last,
			Limit:    e.options.PullPageSize,
			Offset:   offset,
		})
		if err != nil {
			if syncErrors.IsAuthFailure(err) {
				return stats, err
			}
			complete = false
			e.options.Metrics.RecordError(desc.Table, errCode(err))
			logger.LogError(ctx, err, "page fetch failed", slog.Int("offset", offset))
			stats.failures = append(stats.failures, fmt.Sprintf("page at offset %d: %v", offset, err))
			break
		}

		records = append(records, page.Records...)
		conflicts = append(conflicts, page.Conflicts...)

		if !page.HasMore || len(page.Records) == 0 {
			break
		}
		offset += e.options.PullPageSize
	}

	stats.fetched = len(records)
	if stats.fetched > 0 {
		logger.InfoContext(ctx, "applying pulled records", slog.Int("count", stats.fetched))
	} else {
		logger.DebugContext(ctx, "nothing to pull")
	}

	for _, rec := range records {
		if err := e.store.Upsert(ctx, desc.Table, rec); err != nil {
			e.options.Metrics.RecordError(desc.Table, string(syncErrors.ErrCodeStorageFailure))
			logger.LogError(ctx, err, "failed to apply record", slog.String("local_id", rec.LocalID))
			stats.failures = append(stats.failures, fmt.Sprintf("apply %s: %v", rec.LocalID, err))
			continue
		}
		stats.applied++
	}

	if len(conflicts) > 0 {
		stats.conflicts = len(conflicts)
		if _, err := e.conflicts.Save(ctx, desc.Table, conflicts); err != nil {
			e.options.Metrics.RecordError(desc.Table, string(syncErrors.ErrCodeStorageFailure))
			logger.LogError(ctx, err, "failed to persist pulled conflicts")
			stats.failures = append(stats.failures, fmt.Sprintf("conflict save: %v", err))
		}
	}

	// The watermark advances only when pagination ran to completion:
	// after a failed or cancelled page fetch, the unfetched pages would
	// be filtered out by last_sync on every later run. Per-record apply
	// failures do not hold it back.
	if complete && stats.applied > 0 {
		if err := e.store.SetLastSync(ctx, desc.Table, time.Now().UTC()); err != nil {
			e.options.Metrics.RecordError(desc.Table, string(syncErrors.ErrCodeStorageFailure))
			logger.LogError(ctx, err, "failed to advance watermark")
			stats.failures = append(stats.failures, fmt.Sprintf("watermark: %v", err))
		}
	}

	logger.InfoContext(ctx, "pull finished",
		slog.Int("fetched", stats.fetched),
		slog.Int("applied", stats.applied),
		slog.Int("conflicts", stats.conflicts))
	return stats, nil
}
