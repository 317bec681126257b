package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tessira/flowrt/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	path, err := marshalPath(rec.Path)
	if err != nil {
		return fmt.Errorf("marshal path: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, definition_id, name, executor, status, nodes_created, nodes_failed, path, created_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.DefinitionID, nullStr(rec.Name), nullStr(rec.Executor),
		string(rec.Status), rec.NodesCreated, rec.NodesFailed, path,
		timeOrNow(rec.CreatedAt), nullTime(rec.EndedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	rec := &InstanceRecord{}
	var (
		name, executor, pathJSON sql.NullString
		endedAt                  sql.NullTime
		status                   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, name, executor, status, nodes_created, nodes_failed, path, created_at, ended_at, updated_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.DefinitionID, &name, &executor, &status,
		&rec.NodesCreated, &rec.NodesFailed, &pathJSON, &rec.CreatedAt, &endedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.Executor = executor.String
	rec.Status = schema.InstanceStatus(status)
	if pathJSON.Valid && pathJSON.String != "" {
		_ = json.Unmarshal([]byte(pathJSON.String), &rec.Path)
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.NodesCreated != nil {
		sets = append(sets, "nodes_created = ?")
		args = append(args, *update.NodesCreated)
	}
	if update.NodesFailed != nil {
		sets = append(sets, "nodes_failed = ?")
		args = append(args, *update.NodesFailed)
	}
	if update.Path != nil {
		path, err := marshalPath(update.Path)
		if err != nil {
			return fmt.Errorf("marshal path: %w", err)
		}
		sets = append(sets, "path = ?")
		args = append(args, path)
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE instances SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Executor != "" {
		where = append(where, "executor = ?")
		args = append(args, filter.Executor)
	}

	query := `SELECT id, definition_id, name, executor, status, nodes_created, nodes_failed, path, created_at, ended_at, updated_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		rec := &InstanceRecord{}
		var (
			name, executor, pathJSON sql.NullString
			endedAt                  sql.NullTime
			status                   string
		)
		if err := rows.Scan(&rec.ID, &rec.DefinitionID, &name, &executor, &status,
			&rec.NodesCreated, &rec.NodesFailed, &pathJSON, &rec.CreatedAt, &endedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		rec.Executor = executor.String
		rec.Status = schema.InstanceStatus(status)
		if pathJSON.Valid && pathJSON.String != "" {
			_ = json.Unmarshal([]byte(pathJSON.String), &rec.Path)
		}
		if endedAt.Valid {
			rec.EndedAt = &endedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instance_events WHERE instance_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

// --- Lifecycle events ---

// AppendEvent appends an event with a monotonically increasing per-instance
// sequence. The single-connection pool serializes writers, so the
// read-then-insert pair cannot interleave.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM instance_events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := nullableJSONMap(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO instance_events (instance_id, node_instance_id, node_definition_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.InstanceID, nullStr(event.NodeInstanceID), nullStr(event.NodeDefinitionID),
		event.Type, payload, event.Timestamp, event.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, node_instance_id, node_definition_id, event_type, payload, timestamp, sequence
		 FROM instance_events WHERE instance_id = ? AND sequence > ? ORDER BY sequence`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		ev := &EventRecord{}
		var nodeInst, nodeDef, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &nodeInst, &nodeDef, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.NodeInstanceID = nodeInst.String
		ev.NodeDefinitionID = nodeDef.String
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalPath(path []string) (any, error) {
	if len(path) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(path)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableJSONMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
