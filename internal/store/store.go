/*
Copyright 2024 The Blobsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store implements the on-disk local blob cache: a single SQLite
// file holding every namespace's blobs, their sizes, and their sync state.
// It is grounded on pkg/sorted/sqlite's open-and-check-schema pattern, but
// uses its own relational schema rather than the generic key/value
// abstraction in pkg/sorted, since sync status queries need real columns
// (status, retries) to filter and batch-update on, not a single opaque
// value string.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/leap-soledad/blobsync/pkg/blob"
	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

// SyncStatus is the state a locally-cached blob can be in relative to the
// remote server.
type SyncStatus string

const (
	Synced          SyncStatus = "SYNCED"
	PendingUpload   SyncStatus = "PENDING_UPLOAD"
	PendingDownload SyncStatus = "PENDING_DOWNLOAD"
	PendingDelete   SyncStatus = "PENDING_DELETE"
	LocalOnly       SyncStatus = "LOCAL_ONLY"
	FailedDownload  SyncStatus = "FAILED_DOWNLOAD"
	FailedUpload    SyncStatus = "FAILED_UPLOAD"
)

const requiredSchemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
	namespace    TEXT    NOT NULL,
	blob_id      TEXT    NOT NULL,
	payload      BLOB    NOT NULL,
	size         INTEGER NOT NULL,
	sync_status  TEXT    NOT NULL,
	retries      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, blob_id)
);

CREATE INDEX IF NOT EXISTS blobs_status_idx ON blobs (namespace, sync_status);
`

// Record is a single blob row as seen by callers outside this package: the
// payload bytes exactly as the caller supplied them plus their sync
// bookkeeping. The store does not encrypt Payload, and blobmanager.Manager
// stores blob plaintext in it.
type Record struct {
	Ref        blob.Ref
	Payload    []byte
	Size       int64
	SyncStatus SyncStatus
	Retries    int
}

// Store is the namespace-scoped local cache of blobs and their sync state.
// Every exported method takes an internal lock before touching the
// database: the local store's crash-safety contract assumes a single
// serialized writer, the same discipline pkg/sorted/sqlkv applies via its
// Serial flag, because the embedded SQLite driver isn't safe for
// unsynchronized concurrent writers from multiple goroutines.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and ensures
// its schema is current.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // the mutex already serializes; this avoids the driver opening parallel connections

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	var version int
	row := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`)
	err := row.Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, fmt.Sprint(requiredSchemaVersion))
		return err
	case err != nil:
		return fmt.Errorf("store: read schema version: %w", err)
	case version != requiredSchemaVersion:
		return fmt.Errorf("store: schema version %d, want %d", version, requiredSchemaVersion)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Put writes rec to namespace ns, overwriting any existing row for the same
// blob id.
func (s *Store) Put(ctx context.Context, ns blob.Namespace, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (namespace, blob_id, payload, size, sync_status, retries)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, blob_id) DO UPDATE SET
			payload = excluded.payload,
			size = excluded.size,
			sync_status = excluded.sync_status,
			retries = excluded.retries
	`, string(ns), rec.Ref.String(), rec.Payload, rec.Size, string(rec.SyncStatus), rec.Retries)
	return err
}

// Get returns the full record for (ns, ref), or BlobNotFoundError.
func (s *Store) Get(ctx context.Context, ns blob.Namespace, ref blob.Ref) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, ns, ref)
}

func (s *Store) getLocked(ctx context.Context, ns blob.Namespace, ref blob.Ref) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, size, sync_status, retries FROM blobs
		WHERE namespace = ? AND blob_id = ?
	`, string(ns), ref.String())
	var rec Record
	rec.Ref = ref
	var status string
	if err := row.Scan(&rec.Payload, &rec.Size, &status, &rec.Retries); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, &blobsyncerr.BlobNotFoundError{BlobID: ref.String()}
		}
		return Record{}, err
	}
	rec.SyncStatus = SyncStatus(status)
	return rec, nil
}

// Exists reports whether (ns, ref) has a local row.
func (s *Store) Exists(ctx context.Context, ns blob.Namespace, ref blob.Ref) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM blobs WHERE namespace = ? AND blob_id = ? LIMIT 1
	`, string(ns), ref.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Delete removes (ns, ref) unconditionally. It does not error if the row is
// already absent; callers that must distinguish that case should call
// Exists first.
func (s *Store) Delete(ctx context.Context, ns blob.Namespace, ref blob.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE namespace = ? AND blob_id = ?`, string(ns), ref.String())
	return err
}

// BatchDelete removes every ref in refs from ns inside a single
// transaction: all succeed or none do.
func (s *Store) BatchDelete(ctx context.Context, ns blob.Namespace, refs []blob.Ref) error {
	if len(refs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM blobs WHERE namespace = ? AND blob_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range refs {
		if _, err := stmt.ExecContext(ctx, string(ns), r.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// List returns every blob ref in ns.
func (s *Store) List(ctx context.Context, ns blob.Namespace) ([]blob.SizedRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT blob_id, size FROM blobs WHERE namespace = ?`, string(ns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSizedRefs(rows)
}

// ListStatus returns every blob ref in ns whose sync_status equals status.
func (s *Store) ListStatus(ctx context.Context, ns blob.Namespace, status SyncStatus) ([]blob.SizedRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob_id, size FROM blobs WHERE namespace = ? AND sync_status = ?
	`, string(ns), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSizedRefs(rows)
}

func scanSizedRefs(rows *sql.Rows) ([]blob.SizedRef, error) {
	var out []blob.SizedRef
	for rows.Next() {
		var id string
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, err
		}
		ref, err := blob.RefFromString(id)
		if err != nil {
			return nil, err
		}
		out = append(out, blob.SizedRef{Ref: ref, Size: size})
	}
	return out, rows.Err()
}

// UpdateSyncStatus sets the sync_status for a single blob.
func (s *Store) UpdateSyncStatus(ctx context.Context, ns blob.Namespace, ref blob.Ref, status SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE blobs SET sync_status = ? WHERE namespace = ? AND blob_id = ?
	`, string(status), string(ns), ref.String())
	if err != nil {
		return err
	}
	return mustAffectOne(res, ref)
}

// UpdateBatchSyncStatus sets the sync_status for every ref in refs inside a
// single transaction.
func (s *Store) UpdateBatchSyncStatus(ctx context.Context, ns blob.Namespace, refs []blob.Ref, status SyncStatus) error {
	if len(refs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		UPDATE blobs SET sync_status = ? WHERE namespace = ? AND blob_id = ?
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range refs {
		if _, err := stmt.ExecContext(ctx, string(status), string(ns), r.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSyncStatus reports the current sync_status and retries for a blob.
func (s *Store) GetSyncStatus(ctx context.Context, ns blob.Namespace, ref blob.Ref) (SyncStatus, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var status string
	var retries int
	err := s.db.QueryRowContext(ctx, `
		SELECT sync_status, retries FROM blobs WHERE namespace = ? AND blob_id = ?
	`, string(ns), ref.String()).Scan(&status, &retries)
	if err == sql.ErrNoRows {
		return "", 0, &blobsyncerr.BlobNotFoundError{BlobID: ref.String()}
	}
	if err != nil {
		return "", 0, err
	}
	return SyncStatus(status), retries, nil
}

// IncrementRetries bumps the retries counter for a blob by one and returns
// the new value.
func (s *Store) IncrementRetries(ctx context.Context, ns blob.Namespace, ref blob.Ref) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE blobs SET retries = retries + 1 WHERE namespace = ? AND blob_id = ?
	`, string(ns), ref.String())
	if err != nil {
		return 0, err
	}
	if err := mustAffectOne(res, ref); err != nil {
		return 0, err
	}
	var retries int
	err = s.db.QueryRowContext(ctx, `
		SELECT retries FROM blobs WHERE namespace = ? AND blob_id = ?
	`, string(ns), ref.String()).Scan(&retries)
	return retries, err
}

// SyncProgress is a status histogram snapshot for a namespace: the count of
// locally tracked blobs in each sync_status.
type SyncProgress map[SyncStatus]int

// GetSyncProgress computes the status histogram for ns via GROUP BY, so
// callers can see PENDING_UPLOAD/PENDING_DOWNLOAD/FAILED_DOWNLOAD/etc.
// counts individually rather than a single collapsed pending total.
func (s *Store) GetSyncProgress(ctx context.Context, ns blob.Namespace) (SyncProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_status, COUNT(*) FROM blobs WHERE namespace = ? GROUP BY sync_status
	`, string(ns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sp := make(SyncProgress)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		sp[SyncStatus(status)] = count
	}
	return sp, rows.Err()
}

// FinishDelete is the last step of deleting a blob: it removes the row for
// (ns, ref) in a single statement, without checking its current status and
// without error if the row is already absent. No SYNCED marker is written
// before the removal, so a deleted blob never reports SYNCED locally.
func (s *Store) FinishDelete(ctx context.Context, ns blob.Namespace, ref blob.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE namespace = ? AND blob_id = ?`, string(ns), ref.String())
	return err
}

func mustAffectOne(res sql.Result, ref blob.Ref) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &blobsyncerr.BlobNotFoundError{BlobID: ref.String()}
	}
	return nil
}
