// Package store provides SQLite-backed metadata storage for workspaces,
// change sets, the rebase request queue and the durable key/value layer.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"kaigraph/cas"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrChangeSetNotFound = errors.New("change set not found")
	ErrPointerMismatch   = errors.New("snapshot pointer mismatch (not fast-forward)")
	ErrStatusMismatch    = errors.New("change set status changed concurrently")
	ErrRequestNotFound   = errors.New("rebase request not found")
	ErrKeyNotFound       = errors.New("key not found")
)

// DB wraps a SQLite connection.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
	path string
}

// OpenDir opens or creates the database file inside dir.
func OpenDir(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return Open(filepath.Join(dir, "kaigraph.db"))
}

// Open opens a database at the given path.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	db := &DB{conn: conn, path: dbPath}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// BeginTx starts a new transaction.
func (db *DB) BeginTx() (*sql.Tx, error) {
	return db.conn.Begin()
}

// ----- Workspaces -----

// Workspace is a tenant-level container with one HEAD change set.
type Workspace struct {
	ID              string
	Name            string
	HeadChangeSetID string
	CreatedAt       int64
}

// InsertWorkspace records a new workspace.
func (db *DB) InsertWorkspace(tx *sql.Tx, ws *Workspace) error {
	if ws.CreatedAt == 0 {
		ws.CreatedAt = cas.NowMs()
	}
	_, err := tx.Exec(
		`INSERT INTO workspaces (id, name, head_change_set_id, created_at) VALUES (?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.HeadChangeSetID, ws.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting workspace: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace by ID.
func (db *DB) GetWorkspace(id string) (*Workspace, error) {
	var ws Workspace
	err := db.conn.QueryRow(
		`SELECT id, name, head_change_set_id, created_at FROM workspaces WHERE id = ?`, id,
	).Scan(&ws.ID, &ws.Name, &ws.HeadChangeSetID, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workspace: %w", err)
	}
	return &ws, nil
}

// ListWorkspaces returns all workspaces ordered by creation.
func (db *DB) ListWorkspaces() ([]*Workspace, error) {
	rows, err := db.conn.Query(
		`SELECT id, name, head_change_set_id, created_at FROM workspaces ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.HeadChangeSetID, &ws.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		out = append(out, &ws)
	}
	return out, rows.Err()
}

// ----- Change sets -----

// ChangeSet is the stored row for a change set.
type ChangeSet struct {
	ID              string
	WorkspaceID     string
	Name            string
	Status          string
	BaseChangeSetID string
	SnapshotAddress cas.ContentHash
	CreatedAt       int64
	UpdatedAt       int64
	Actor           string
}

const changeSetColumns = `id, workspace_id, name, status, COALESCE(base_change_set_id, ''), snapshot_address, created_at, updated_at, actor`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeSet(row rowScanner) (*ChangeSet, error) {
	var cs ChangeSet
	var addr []byte
	if err := row.Scan(&cs.ID, &cs.WorkspaceID, &cs.Name, &cs.Status, &cs.BaseChangeSetID, &addr, &cs.CreatedAt, &cs.UpdatedAt, &cs.Actor); err != nil {
		return nil, err
	}
	copy(cs.SnapshotAddress[:], addr)
	return &cs, nil
}

// InsertChangeSet records a new change set and starts its history chain.
func (db *DB) InsertChangeSet(tx *sql.Tx, cs *ChangeSet) error {
	ts := cas.NowMs()
	cs.CreatedAt, cs.UpdatedAt = ts, ts
	var base any
	if cs.BaseChangeSetID != "" {
		base = cs.BaseChangeSetID
	}
	_, err := tx.Exec(
		`INSERT INTO change_sets (id, workspace_id, name, status, base_change_set_id, snapshot_address, created_at, updated_at, actor)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.WorkspaceID, cs.Name, cs.Status, base, cs.SnapshotAddress[:], ts, ts, cs.Actor,
	)
	if err != nil {
		return fmt.Errorf("inserting change set: %w", err)
	}
	return recordHistory(tx, cs.ID, HistoryCreated, "", cs.SnapshotAddress.String(), cs.Actor, ts)
}

// GetChangeSet retrieves a change set by ID.
func (db *DB) GetChangeSet(id string) (*ChangeSet, error) {
	cs, err := scanChangeSet(db.conn.QueryRow(`SELECT `+changeSetColumns+` FROM change_sets WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrChangeSetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying change set: %w", err)
	}
	return cs, nil
}

// ListChangeSets returns a workspace's change sets, optionally filtered by
// status, oldest first.
func (db *DB) ListChangeSets(workspaceID string, statuses ...string) ([]*ChangeSet, error) {
	query := `SELECT ` + changeSetColumns + ` FROM change_sets WHERE workspace_id = ?`
	args := []any{workspaceID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		query += fmt.Sprintf(` AND status IN (%s)`, strings.Join(placeholders, ","))
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying change sets: %w", err)
	}
	defer rows.Close()

	var out []*ChangeSet
	for rows.Next() {
		cs, err := scanChangeSet(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning change set: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// SetPointerFF moves a change set's snapshot pointer from old to new. It
// fails with ErrPointerMismatch if the pointer no longer equals old.
func (db *DB) SetPointerFF(tx *sql.Tx, id string, old, new cas.ContentHash, actor string) error {
	ts := cas.NowMs()

	var current []byte
	err := tx.QueryRow(`SELECT snapshot_address FROM change_sets WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrChangeSetNotFound
	}
	if err != nil {
		return fmt.Errorf("checking current pointer: %w", err)
	}
	if !bytesEqual(current, old[:]) {
		return ErrPointerMismatch
	}

	_, err = tx.Exec(
		`UPDATE change_sets SET snapshot_address = ?, updated_at = ?, actor = ? WHERE id = ?`,
		new[:], ts, actor, id,
	)
	if err != nil {
		return fmt.Errorf("updating pointer: %w", err)
	}
	return recordHistory(tx, id, HistoryPointer, old.String(), new.String(), actor, ts)
}

// SetStatus moves a change set from status from to status to. It fails with
// ErrStatusMismatch if the stored status is no longer from.
func (db *DB) SetStatus(tx *sql.Tx, id, from, to, actor string) error {
	ts := cas.NowMs()
	res, err := tx.Exec(
		`UPDATE change_sets SET status = ?, updated_at = ?, actor = ? WHERE id = ? AND status = ?`,
		to, ts, actor, id, from,
	)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM change_sets WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("checking change set: %w", err)
		}
		if exists == 0 {
			return ErrChangeSetNotFound
		}
		return ErrStatusMismatch
	}
	return recordHistory(tx, id, HistoryStatus, from, to, actor, ts)
}

// AddressInUse reports whether any change set points at addr.
func (db *DB) AddressInUse(addr cas.ContentHash) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM change_sets WHERE snapshot_address = ?`, addr[:],
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking address: %w", err)
	}
	return count > 0, nil
}

// ----- Change set history -----

// History entry kinds.
const (
	HistoryCreated = "created"
	HistoryPointer = "pointer"
	HistoryStatus  = "status"
)

// HistoryEntry is one change set pointer or status change. Entries are
// chained: each ID is the BLAKE3 hash of the entry's JSON, which includes the
// parent ID.
type HistoryEntry struct {
	Seq         int64
	ID          cas.ContentHash
	Parent      *cas.ContentHash
	ChangeSetID string
	Time        int64
	Actor       string
	Kind        string
	Old         string
	New         string
	Meta        string
}

func recordHistory(tx *sql.Tx, changeSetID, kind, old, new, actor string, ts int64) error {
	var parent []byte
	err := tx.QueryRow(
		`SELECT id FROM change_set_history WHERE change_set_id = ? ORDER BY seq DESC LIMIT 1`,
		changeSetID,
	).Scan(&parent)
	if err == sql.ErrNoRows {
		parent = nil
	} else if err != nil {
		return fmt.Errorf("getting parent history: %w", err)
	}

	entry := map[string]any{
		"time":        ts,
		"actor":       actor,
		"changeSetId": changeSetID,
		"kind":        kind,
		"old":         old,
		"new":         new,
	}
	if parent != nil {
		var p cas.ContentHash
		copy(p[:], parent)
		entry["parent"] = p.String()
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}
	id := cas.Hash(entryJSON)

	var oldVal any
	if old != "" {
		oldVal = old
	}
	_, err = tx.Exec(
		`INSERT INTO change_set_history (id, parent, change_set_id, time, actor, kind, old, new, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id[:], parent, changeSetID, ts, actor, kind, oldVal, new, string(entryJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}
	return nil
}

// ChangeSetHistory returns history entries for a change set after afterSeq.
func (db *DB) ChangeSetHistory(changeSetID string, afterSeq int64, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(
		`SELECT seq, id, parent, change_set_id, time, actor, kind, COALESCE(old, ''), new, meta
		 FROM change_set_history WHERE change_set_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		changeSetID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var id, parent []byte
		if err := rows.Scan(&e.Seq, &id, &parent, &e.ChangeSetID, &e.Time, &e.Actor, &e.Kind, &e.Old, &e.New, &e.Meta); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		copy(e.ID[:], id)
		if parent != nil {
			var p cas.ContentHash
			copy(p[:], parent)
			e.Parent = &p
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ----- Votes -----

// Vote is one actor's vote on a change set approval or abandon request.
type Vote struct {
	ChangeSetID string
	Actor       string
	Subject     string
	Vote        string
	CreatedAt   int64
}

// RecordVote stores or replaces an actor's vote.
func (db *DB) RecordVote(v *Vote) error {
	if v.CreatedAt == 0 {
		v.CreatedAt = cas.NowMs()
	}
	_, err := db.conn.Exec(
		`INSERT INTO change_set_votes (change_set_id, actor, subject, vote, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(change_set_id, actor, subject) DO UPDATE SET vote=excluded.vote, created_at=excluded.created_at`,
		v.ChangeSetID, v.Actor, v.Subject, v.Vote, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording vote: %w", err)
	}
	return nil
}

// ListVotes returns the votes on a change set for a subject.
func (db *DB) ListVotes(changeSetID, subject string) ([]*Vote, error) {
	rows, err := db.conn.Query(
		`SELECT change_set_id, actor, subject, vote, created_at FROM change_set_votes
		 WHERE change_set_id = ? AND subject = ? ORDER BY actor`,
		changeSetID, subject,
	)
	if err != nil {
		return nil, fmt.Errorf("querying votes: %w", err)
	}
	defer rows.Close()

	var out []*Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ChangeSetID, &v.Actor, &v.Subject, &v.Vote, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning vote: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// ----- Rebase queue -----

// Rebase request statuses.
const (
	RequestPending    = "pending"
	RequestProcessing = "processing"
	RequestDone       = "done"
	RequestConflicted = "conflicted"
	RequestFailed     = "failed"
)

// RebaseRequest asks for a change set to be rebased onto a snapshot.
type RebaseRequest struct {
	ID            int64
	WorkspaceID   string
	ChangeSetID   string
	OntoAddress   cas.ContentHash
	OntoVClock    string
	Status        string
	CreatedAt     int64
	StartedAt     *int64
	FinishedAt    *int64
	ResultAddress *cas.ContentHash
	Error         *string
}

// EnqueueRebase adds a pending rebase request and returns its ID.
func (db *DB) EnqueueRebase(tx *sql.Tx, req *RebaseRequest) (int64, error) {
	ts := cas.NowMs()
	res, err := tx.Exec(
		`INSERT INTO rebase_requests (workspace_id, change_set_id, onto_address, onto_vclock, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.WorkspaceID, req.ChangeSetID, req.OntoAddress[:], req.OntoVClock, RequestPending, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueueing rebase: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueueing rebase: %w", err)
	}
	req.ID, req.Status, req.CreatedAt = id, RequestPending, ts
	return id, nil
}

const rebaseColumns = `id, workspace_id, change_set_id, onto_address, onto_vclock, status, created_at, started_at, finished_at, result_address, error`

func scanRebaseRequest(row rowScanner) (*RebaseRequest, error) {
	var r RebaseRequest
	var onto, result []byte
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.ChangeSetID, &onto, &r.OntoVClock, &r.Status,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &result, &r.Error); err != nil {
		return nil, err
	}
	copy(r.OntoAddress[:], onto)
	if result != nil {
		var h cas.ContentHash
		copy(h[:], result)
		r.ResultAddress = &h
	}
	return &r, nil
}

// ClaimRebaseRequest atomically claims the oldest pending request. It returns
// nil when the queue is empty.
func (db *DB) ClaimRebaseRequest() (*RebaseRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	req, err := scanRebaseRequest(tx.QueryRow(
		`SELECT ` + rebaseColumns + ` FROM rebase_requests WHERE status = 'pending' ORDER BY id ASC LIMIT 1`,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}

	ts := cas.NowMs()
	_, err = tx.Exec(
		`UPDATE rebase_requests SET status = ?, started_at = ? WHERE id = ?`,
		RequestProcessing, ts, req.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	req.Status = RequestProcessing
	req.StartedAt = &ts
	return req, nil
}

// CompleteRebaseRequest records the outcome of a claimed request.
func (db *DB) CompleteRebaseRequest(id int64, status string, result *cas.ContentHash, errMsg string) error {
	ts := cas.NowMs()
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	var resultVal any
	if result != nil {
		resultVal = result[:]
	}

	_, err := db.conn.Exec(
		`UPDATE rebase_requests SET status = ?, finished_at = ?, result_address = ?, error = ? WHERE id = ?`,
		status, ts, resultVal, errPtr, id,
	)
	if err != nil {
		return fmt.Errorf("completing rebase request: %w", err)
	}
	return nil
}

// GetRebaseRequest retrieves a request by ID.
func (db *DB) GetRebaseRequest(id int64) (*RebaseRequest, error) {
	req, err := scanRebaseRequest(db.conn.QueryRow(`SELECT `+rebaseColumns+` FROM rebase_requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying rebase request: %w", err)
	}
	return req, nil
}

// ----- Key/value -----

// KVGet reads a value from a durable table.
func (db *DB) KVGet(ctx context.Context, table, key string) ([]byte, error) {
	var value []byte
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE tbl = ? AND key = ?`, table, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s/%s: %w", table, key, err)
	}
	return value, nil
}

// KVPut writes a value to a durable table. Keys are content addresses, so an
// existing key is left untouched.
func (db *DB) KVPut(ctx context.Context, table, key string, value []byte) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO kv (tbl, key, value, created_at) VALUES (?, ?, ?, ?)`,
		table, key, value, cas.NowMs(),
	)
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", table, key, err)
	}
	return nil
}

// KVHas reports whether a key exists in a durable table.
func (db *DB) KVHas(ctx context.Context, table, key string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv WHERE tbl = ? AND key = ?`, table, key,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", table, key, err)
	}
	return count > 0, nil
}

// ----- Utilities -----

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
