package payload

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver, for the cold-storage archive tier

	"github.com/liliang-cn/vzr/pkg/errs"
)

// Archive persists a Store's documents to a modernc.org/sqlite file, for
// collections configured with the mmap storage tier (spec.md §6's
// storage.type=mmap). The Store itself stays resident in the Go heap; the
// archive is a copy written at checkpoints and read back on reopen.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (creating if absent) a sqlite-backed archive at path,
// using the teacher's WAL-journal connection string for concurrent reads
// during a writer's checkpoint.
func OpenArchive(path string) (*Archive, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Newf("payload_archive_open", errs.Internal, "open archive %s: %v", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		shard_id INTEGER NOT NULL,
		internal_id INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		PRIMARY KEY (shard_id, internal_id)
	)`); err != nil {
		db.Close()
		return nil, errs.Newf("payload_archive_open", errs.Internal, "create documents table: %v", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the underlying database handle.
func (a *Archive) Close() error { return a.db.Close() }

// Dump replaces shardID's rows in the archive with every document in s,
// in one transaction; a storage.mmap collection's Checkpoint calls it in
// addition to writing the snapshot. shardID scopes the table since
// internal_id is only unique within one shard.
func (a *Archive) Dump(ctx context.Context, shardID int, s *Store) error {
	s.mu.RLock()
	docs := make(map[uint32]Document, len(s.docs))
	for id, doc := range s.docs {
		docs[id] = doc
	}
	s.mu.RUnlock()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Newf("payload_archive_dump", errs.Internal, "begin tx: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE shard_id = ?", shardID); err != nil {
		return errs.Newf("payload_archive_dump", errs.Internal, "clear shard %d documents: %v", shardID, err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO documents (shard_id, internal_id, payload_json) VALUES (?, ?, ?)")
	if err != nil {
		return errs.Newf("payload_archive_dump", errs.Internal, "prepare insert: %v", err)
	}
	defer stmt.Close()

	for id, doc := range docs {
		b, err := json.Marshal(doc)
		if err != nil {
			return errs.Newf("payload_archive_dump", errs.Internal, "marshal document %d: %v", id, err)
		}
		if _, err := stmt.ExecContext(ctx, shardID, id, string(b)); err != nil {
			return errs.Newf("payload_archive_dump", errs.Internal, "insert document %d: %v", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Newf("payload_archive_dump", errs.Internal, "commit: %v", err)
	}
	return nil
}

// Restore loads shardID's archived documents into s, rebuilding secondary
// indices as it goes, used to rehydrate a mmap-tier collection on open.
func (a *Archive) Restore(ctx context.Context, shardID int, s *Store) error {
	rows, err := a.db.QueryContext(ctx, "SELECT internal_id, payload_json FROM documents WHERE shard_id = ?", shardID)
	if err != nil {
		return errs.Newf("payload_archive_restore", errs.Internal, "query documents: %v", err)
	}
	defer rows.Close()

	docs := make(map[uint32]Document)
	for rows.Next() {
		var id uint32
		var payloadJSON string
		if err := rows.Scan(&id, &payloadJSON); err != nil {
			return errs.Newf("payload_archive_restore", errs.Corruption, "scan document row: %v", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(payloadJSON), &doc); err != nil {
			return errs.Newf("payload_archive_restore", errs.Corruption, "unmarshal document %d: %v", id, err)
		}
		docs[id] = doc
	}
	if err := rows.Err(); err != nil {
		return errs.Newf("payload_archive_restore", errs.Internal, "iterate document rows: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = docs
	s.index = make(map[string]map[any]map[uint32]struct{})
	for id, doc := range docs {
		s.reindex(id, doc)
	}
	return nil
}

// Get returns one archived document directly from sqlite, without a full
// Restore, for cold reads against a collection whose store has not been
// rehydrated into memory.
func (a *Archive) Get(ctx context.Context, shardID int, internalID uint32) (Document, bool, error) {
	var payloadJSON string
	err := a.db.QueryRowContext(ctx, "SELECT payload_json FROM documents WHERE shard_id = ? AND internal_id = ?", shardID, internalID).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Newf("payload_archive_get", errs.Internal, "query document %d: %v", internalID, err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(payloadJSON), &doc); err != nil {
		return nil, false, errs.Newf("payload_archive_get", errs.Corruption, "unmarshal document %d: %v", internalID, err)
	}
	return doc, true, nil
}
