package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/possync"
	syncErrors "github.com/c0deZ3R0/possync/errors"
	"github.com/google/uuid"
)

// StoredConflict is one persisted row of the sync_conflicts table.
type StoredConflict struct {
	ID         string
	Table      string
	LocalID    string
	ServerData string
	LocalData  string
	Resolved   bool
	CreatedAt  time.Time
	ResolvedAt sql.NullTime
}

// Save persists the given conflicts, keeping at most one unresolved row
// per (table, local_id). The existence check and the insert run inside a
// single transaction per conflict so concurrent entity workers cannot
// race a duplicate in. Returns the number of rows actually inserted.
func (s *Store) Save(ctx context.Context, table string, conflicts []possync.Conflict) (int, error) {
	if len(conflicts) == 0 {
		return 0, nil
	}
	if err := s.checkOpen(); err != nil {
		return 0, syncErrors.NewStorageError(opConflicts, err)
	}

	inserted := 0
	for _, c := range conflicts {
		ok, err := s.saveOne(ctx, table, c)
		if err != nil {
			return inserted, syncErrors.NewStorageError(opConflicts, err).WithTable(table)
		}
		if ok {
			inserted++
		} else {
			s.logger.Debug("conflict already unresolved, discarding duplicate",
				slog.String("table", table),
				slog.String("local_id", c.LocalID))
		}
	}
	return inserted, nil
}

func (s *Store) saveOne(ctx context.Context, table string, c possync.Conflict) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM sync_conflicts WHERE table_name = ? AND local_id = ? AND resolved = 0`,
		table, c.LocalID).Scan(&exists)
	switch {
	case err == nil:
		return false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_conflicts (id, table_name, local_id, server_data, local_data) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), table, c.LocalID, string(c.ServerData), string(c.LocalData))
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Unresolved returns the open conflicts for a table, oldest first. Pass
// an empty table name for all tables. Intended for the external
// reconciliation workflow.
func (s *Store) Unresolved(ctx context.Context, table string) ([]StoredConflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(opConflicts, err)
	}

	query := `SELECT id, table_name, local_id, server_data, local_data, resolved, created_at, resolved_at
              FROM sync_conflicts WHERE resolved = 0`
	args := []any{}
	if table != "" {
		query += ` AND table_name = ?`
		args = append(args, table)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.NewStorageError(opConflicts, err).WithTable(table)
	}
	defer rows.Close()

	var out []StoredConflict
	for rows.Next() {
		var c StoredConflict
		if err := rows.Scan(&c.ID, &c.Table, &c.LocalID, &c.ServerData, &c.LocalData, &c.Resolved, &c.CreatedAt, &c.ResolvedAt); err != nil {
			return nil, syncErrors.NewStorageError(opConflicts, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(opConflicts, err)
	}
	return out, nil
}

// Resolve marks the unresolved conflict for (table, localID) as resolved.
// Resolution itself (choosing a side, editing data) belongs to the
// external reconciliation workflow; the engine only flips the flag.
func (s *Store) Resolve(ctx context.Context, table, localID string) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(opConflicts, err)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_conflicts SET resolved = 1, resolved_at = ? WHERE table_name = ? AND local_id = ? AND resolved = 0`,
		time.Now().UTC(), table, localID)
	if err != nil {
		return syncErrors.NewStorageError(opConflicts, err).WithTable(table)
	}
	return nil
}
