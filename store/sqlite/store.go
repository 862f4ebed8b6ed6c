// Package sqlite provides the SQLite implementation of the possync
// LocalStore and ConflictStore interfaces.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/possync"
	syncErrors "github.com/c0deZ3R0/possync/errors"
	"github.com/c0deZ3R0/possync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opUnsynced   = syncErrors.Operation("sqlite.UnsyncedRecords")
	opMarkSynced = syncErrors.Operation("sqlite.MarkSynced")
	opUpsert     = syncErrors.Operation("sqlite.Upsert")
	opLastSync   = syncErrors.Operation("sqlite.LastSync")
	opSetSync    = syncErrors.Operation("sqlite.SetLastSync")
	opConflicts  = syncErrors.Operation("sqlite.SaveConflicts")
)

var (
	ErrStoreClosed  = errors.New("store is closed")
	ErrUnknownTable = errors.New("table is not registered")
)

// Config holds configuration options for the Store.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// Recommended and enabled by DefaultConfig.
	EnableWAL bool

	// Logger defaults to a store-scoped child of the package logger.
	Logger *logging.Logger

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent("sqlite-store")
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			sep := "?"
			if strings.Contains(c.DataSourceName, "?") {
				sep = "&"
			}
			c.DataSourceName += sep + "_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// columnInfo is one column of a table's startup-time schema descriptor.
type columnInfo struct {
	Name       string
	NotNull    bool
	HasDefault bool
	PrimaryKey bool
}

// tableSchema is the startup-time descriptor for one registered table.
// It replaces per-call column introspection: PRAGMA table_info runs once
// when the store opens.
type tableSchema struct {
	columns        []columnInfo
	byName         map[string]columnInfo
	pk             string
	hasSynced      bool
	hasUUID        bool
	hasLastUpdated bool
}

// Store implements possync.LocalStore and possync.ConflictStore over a
// single embedded SQLite file.
type Store struct {
	db      *sql.DB
	mu      stdSync.RWMutex
	closed  bool
	logger  *logging.Logger
	schemas map[string]*tableSchema
}

// Compile-time checks
var (
	_ possync.LocalStore    = (*Store)(nil)
	_ possync.ConflictStore = (*Store)(nil)
)

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string, registry possync.Registry) (*Store, error) {
	return New(DefaultConfig(dataSourceName), registry)
}

// New opens the local store, configures the connection pool, creates the
// engine's own tables (sync_state, sync_conflicts) if absent, and loads a
// schema descriptor for every registered entity table.
func New(config *Config, registry possync.Registry) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger
	logger.Info("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL))

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:      db,
		logger:  logger,
		schemas: make(map[string]*tableSchema, len(registry)),
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup sync tables: %w", err)
	}

	for _, desc := range registry {
		schema, err := store.describeTable(desc.Table)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to describe table %s: %w", desc.Table, err)
		}
		store.schemas[desc.Table] = schema
	}

	logger.Info("local store initialized", slog.Int("tables", len(registry)))
	return store, nil
}

// setupSchema creates the engine-owned tables if they don't exist.
func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS sync_state (
        table_name  TEXT PRIMARY KEY,
        last_sync   INTEGER NOT NULL
    );
    CREATE TABLE IF NOT EXISTS sync_conflicts (
        id          TEXT PRIMARY KEY,
        table_name  TEXT NOT NULL,
        local_id    TEXT NOT NULL,
        server_data TEXT,
        local_data  TEXT,
        resolved    INTEGER NOT NULL DEFAULT 0,
        created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        resolved_at TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_sync_conflicts_key ON sync_conflicts (table_name, local_id);
    `
	_, err := s.db.Exec(query)
	return err
}

// describeTable loads a table's schema descriptor via PRAGMA table_info.
func (s *Store) describeTable(table string) (*tableSchema, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schema := &tableSchema{byName: make(map[string]columnInfo)}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		col := columnInfo{
			Name:       name,
			NotNull:    notNull != 0,
			HasDefault: dflt.Valid,
			PrimaryKey: pk != 0,
		}
		schema.columns = append(schema.columns, col)
		schema.byName[name] = col

		switch name {
		case "synced":
			schema.hasSynced = true
		case "uuid":
			schema.hasUUID = true
		case "last_updated":
			schema.hasLastUpdated = true
		}
		if col.PrimaryKey && schema.pk == "" {
			schema.pk = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	if schema.pk == "" {
		schema.pk = "id"
	}
	return schema, nil
}

func (s *Store) schemaFor(table string) (*tableSchema, error) {
	schema, ok := s.schemas[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return schema, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// UnsyncedRecords returns rows whose synced flag is false or null, capped
// at limit. A table without a synced column is a read-only mirror: its
// full contents are returned and the push path skips it anyway.
func (s *Store) UnsyncedRecords(ctx context.Context, table string, limit int) ([]possync.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(opUnsynced, err)
	}
	schema, err := s.schemaFor(table)
	if err != nil {
		return nil, syncErrors.NewStorageError(opUnsynced, err)
	}

	query := fmt.Sprintf("SELECT * FROM %q", table)
	if schema.hasSynced {
		query += " WHERE synced IS NULL OR synced = 0"
	}
	query += fmt.Sprintf(" ORDER BY %q ASC", schema.pk)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.NewStorageError(opUnsynced, err).WithTable(table)
	}
	defer rows.Close()

	return scanRecords(rows, schema)
}

// MarkSynced sets synced=1 and stamps last_updated for exactly the given
// identifiers in one transaction. No-op on an empty list. Storage errors
// propagate: silently skipping rows would cause re-uploads forever.
func (s *Store) MarkSynced(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(opMarkSynced, err)
	}
	schema, err := s.schemaFor(table)
	if err != nil {
		return syncErrors.NewStorageError(opMarkSynced, err)
	}
	if !schema.hasSynced {
		return syncErrors.NewStorageError(opMarkSynced,
			fmt.Errorf("table %s has no synced column", table)).WithTable(table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(opMarkSynced, err).WithTable(table)
	}
	defer tx.Rollback()

	set := "synced = 1"
	args := make([]any, 0, len(ids)+1)
	if schema.hasLastUpdated {
		set += ", last_updated = ?"
		args = append(args, time.Now().UTC())
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf("UPDATE %q SET %s WHERE %q IN (%s)", table, set, schema.pk, placeholders)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return syncErrors.NewStorageError(opMarkSynced, err).WithTable(table)
	}
	if affected, err := res.RowsAffected(); err == nil && affected != int64(len(ids)) {
		s.logger.Warn("mark synced affected unexpected row count",
			slog.String("table", table),
			slog.Int64("affected", affected),
			slog.Int("requested", len(ids)))
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(opMarkSynced, err).WithTable(table)
	}
	return nil
}

// Upsert inserts or replaces a row matched by primary key. Columns the
// incoming record does not carry are omitted from the INSERT so SQLite
// applies their declared defaults; a NOT NULL column with no default
// surfaces as a constraint violation for the caller to log and skip.
// When the table carries sync metadata the row lands with synced=1 and a
// fresh last_updated: pulled remote records are authoritative.
func (s *Store) Upsert(ctx context.Context, table string, rec possync.Record) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(opUpsert, err)
	}
	schema, err := s.schemaFor(table)
	if err != nil {
		return syncErrors.NewStorageError(opUpsert, err)
	}

	cols := make([]string, 0, len(schema.columns))
	args := make([]any, 0, len(schema.columns))

	add := func(name string, value any) {
		cols = append(cols, fmt.Sprintf("%q", name))
		args = append(args, value)
	}

	if rec.LocalID != "" {
		add(schema.pk, rec.LocalID)
	}
	if schema.hasUUID && rec.UUID != "" {
		add("uuid", rec.UUID)
	}
	if schema.hasSynced {
		add("synced", 1)
	}
	if schema.hasLastUpdated {
		add("last_updated", time.Now().UTC())
	}

	// Only columns the table actually declares; unknown payload keys are
	// dropped with a debug line rather than failing the record.
	for name, value := range rec.Payload {
		if name == schema.pk || name == "uuid" || name == "synced" || name == "last_updated" {
			continue
		}
		if _, ok := schema.byName[name]; !ok {
			s.logger.Debug("dropping unknown column from pulled record",
				slog.String("table", table), slog.String("column", name))
			continue
		}
		add(name, value)
	}

	if len(cols) == 0 {
		return syncErrors.NewStorageError(opUpsert,
			fmt.Errorf("record carries no known columns")).WithTable(table)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	query := fmt.Sprintf("INSERT OR REPLACE INTO %q (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return syncErrors.NewStorageError(opUpsert, err).WithTable(table)
	}
	return nil
}

// LastSync returns the entity's pull watermark; the zero time means the
// entity has never completed a pull.
func (s *Store) LastSync(ctx context.Context, table string) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, syncErrors.NewStorageError(opLastSync, err)
	}

	var nanos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync FROM sync_state WHERE table_name = ?`, table).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, syncErrors.NewStorageError(opLastSync, err).WithTable(table)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// SetLastSync advances the entity's pull watermark. The watermark is
// monotonic: an earlier timestamp than the stored one is ignored.
func (s *Store) SetLastSync(ctx context.Context, table string, t time.Time) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(opSetSync, err)
	}

	query := `
    INSERT INTO sync_state (table_name, last_sync) VALUES (?, ?)
    ON CONFLICT(table_name) DO UPDATE SET last_sync = excluded.last_sync
    WHERE excluded.last_sync > sync_state.last_sync`
	if _, err := s.db.ExecContext(ctx, query, table, t.UnixNano()); err != nil {
		return syncErrors.NewStorageError(opSetSync, err).WithTable(table)
	}
	return nil
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// scanRecords converts generic SELECT * rows into possync Records,
// splitting sync metadata from the opaque payload.
func scanRecords(rows *sql.Rows, schema *tableSchema) ([]possync.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, syncErrors.NewStorageError(opUnsynced, err)
	}

	var records []possync.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, syncErrors.NewStorageError(opUnsynced, err)
		}

		rec := possync.Record{Payload: make(map[string]any, len(cols))}
		for i, name := range cols {
			value := normalizeValue(values[i])
			switch name {
			case schema.pk:
				rec.LocalID = formatID(value)
				rec.Payload[name] = value
			case "uuid":
				if str, ok := value.(string); ok {
					rec.UUID = str
				}
			case "synced", "last_updated":
				// engine bookkeeping, not part of the payload
			default:
				rec.Payload[name] = value
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(opUnsynced, err)
	}
	return records, nil
}

// normalizeValue maps driver scan types onto JSON-friendly Go values.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}

// formatID renders a primary key value as the engine's text identifier.
func formatID(v any) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10)
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
