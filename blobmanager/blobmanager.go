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

// Package blobmanager is the single entry point applications use to read,
// write, and delete blobs: it orchestrates the local store, the crypto
// codec, and the remote transport behind one put/get/delete surface, the
// same role the original BlobManager(BlobsSynchronizer) class plays. It is
// grounded on the original client/_db/blobs/__init__.py and perkeep's
// pkg/client get/upload/remove request shapes.
package blobmanager

import (
	"context"
	"encoding/base64"
	"io"
	"io/ioutil"
	"log"
	"os"

	"golang.org/x/sync/semaphore"

	"github.com/leap-soledad/blobsync/internal/bcrypto"
	"github.com/leap-soledad/blobsync/internal/store"
	"github.com/leap-soledad/blobsync/internal/transport"
	"github.com/leap-soledad/blobsync/pkg/blob"
	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

// DefaultMaxDecryptRetries bounds how many times Get will retry a blob
// whose download decrypts to an invalid payload before giving up and
// marking it FAILED_DOWNLOAD.
const DefaultMaxDecryptRetries = 3

// DefaultConcurrentWritesLimit bounds the number of Put/Delete calls that
// may be encrypting or talking to the remote server at once.
const DefaultConcurrentWritesLimit = 100

// Config configures a Manager.
type Config struct {
	Store     *store.Store
	Transport *transport.Client
	Namespace blob.Namespace
	Secret    []byte

	// ConcurrentWritesLimit overrides DefaultConcurrentWritesLimit if
	// positive.
	ConcurrentWritesLimit int64
	// MaxDecryptRetries overrides DefaultMaxDecryptRetries if positive.
	MaxDecryptRetries int
}

// Manager is the blob orchestration layer: one per (user, namespace).
type Manager struct {
	store     *store.Store
	transport *transport.Client
	ns        blob.Namespace
	secret    []byte

	writeSem          *semaphore.Weighted
	maxDecryptRetries int

	log *log.Logger // not nil
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	limit := cfg.ConcurrentWritesLimit
	if limit <= 0 {
		limit = DefaultConcurrentWritesLimit
	}
	maxRetries := cfg.MaxDecryptRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxDecryptRetries
	}
	return &Manager{
		store:             cfg.Store,
		transport:         cfg.Transport,
		ns:                cfg.Namespace,
		secret:            cfg.Secret,
		writeSem:          semaphore.NewWeighted(limit),
		maxDecryptRetries: maxRetries,
		log:               log.New(os.Stderr, "", log.Ldate|log.Ltime),
	}
}

// SetLogger replaces the Manager's diagnostic logger. A nil logger
// discards output.
func (m *Manager) SetLogger(logger *log.Logger) {
	if logger == nil {
		m.log = log.New(ioutil.Discard, "", 0)
	} else {
		m.log = logger
	}
}

// Put stores plaintext under ref. If localOnly is true the blob is written
// locally and marked LOCAL_ONLY, never touching the remote server;
// otherwise it is encrypted and uploaded immediately, landing as SYNCED on
// success.
func (m *Manager) Put(ctx context.Context, ref blob.Ref, plaintext []byte, localOnly bool) error {
	if exists, err := m.store.Exists(ctx, m.ns, ref); err != nil {
		return err
	} else if exists {
		return &blobsyncerr.BlobAlreadyExistsError{BlobID: ref.String()}
	}

	if err := m.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.writeSem.Release(1)

	status := store.PendingUpload
	if localOnly {
		status = store.LocalOnly
	}
	rec := store.Record{Ref: ref, Payload: plaintext, Size: int64(len(plaintext)), SyncStatus: status}
	if err := m.store.Put(ctx, m.ns, rec); err != nil {
		return err
	}
	if localOnly {
		return nil
	}
	return m.encryptAndUpload(ctx, ref, plaintext)
}

func (m *Manager) encryptAndUpload(ctx context.Context, ref blob.Ref, plaintext []byte) error {
	sealed, err := bcrypto.EncryptBytes(ref.String(), blob.FixedRevision, m.secret, plaintext)
	if err != nil {
		return err
	}
	// The sealed form ends with the 16-byte GCM tag, which the server
	// receives base64url-encoded in the Tag header.
	const tagSize = 16
	tag := base64.URLEncoding.EncodeToString(sealed[len(sealed)-tagSize:])
	if _, err := m.transport.Put(ctx, m.ns, ref, sealed, tag); err != nil {
		return err
	}
	return m.store.UpdateSyncStatus(ctx, m.ns, ref, store.Synced)
}

func splitEnvelope(envelope string) (preamble, ciphertext string, ok bool) {
	for i := 0; i < len(envelope); i++ {
		if envelope[i] == ' ' {
			return envelope[:i], envelope[i+1:], true
		}
	}
	return "", "", false
}

// Get returns the plaintext for ref, fetching and decrypting from the
// remote server only if no local copy exists yet.
func (m *Manager) Get(ctx context.Context, ref blob.Ref) ([]byte, error) {
	rec, err := m.store.Get(ctx, m.ns, ref)
	// A row in PENDING_DOWNLOAD is only a placeholder marking intent to
	// fetch: it carries no real payload yet (either never fetched, or a
	// previous fetch failed). Returning rec.Payload for it would silently
	// hand back empty bytes as if the download had succeeded, and would
	// reset the retries counter on the next write. A FAILED_DOWNLOAD row is
	// such a placeholder retired after exhausting its decrypt retries, so it
	// reports MaximumRetriesError instead. Only a row that holds stored
	// content short-circuits the remote fetch.
	if err == nil && rec.SyncStatus == store.FailedDownload {
		cause := &blobsyncerr.InvalidBlob{BlobID: ref.String(), Reason: "previous downloads failed to decrypt"}
		return nil, &blobsyncerr.MaximumRetriesError{BlobID: ref.String(), Cause: cause, Retries: rec.Retries}
	}
	if err == nil && rec.SyncStatus != store.PendingDownload {
		return rec.Payload, nil
	}
	if err != nil {
		if _, ok := err.(*blobsyncerr.BlobNotFoundError); !ok {
			return nil, err
		}
		if err := m.store.Put(ctx, m.ns, store.Record{Ref: ref, SyncStatus: store.PendingDownload}); err != nil {
			return nil, err
		}
	}

	plaintext, downloadErr := m.downloadAndDecrypt(ctx, ref)
	if downloadErr == nil {
		if err := m.store.Put(ctx, m.ns, store.Record{Ref: ref, Payload: plaintext, Size: int64(len(plaintext)), SyncStatus: store.Synced}); err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	return nil, m.classifyDownloadError(ctx, ref, downloadErr)
}

// classifyDownloadError turns a failed download into the error Get/FetchBlob
// should return. A corrupted payload (*InvalidBlob) bumps the per-blob
// retry counter; once it reaches maxDecryptRetries the blob is retired as
// FAILED_DOWNLOAD and classifyDownloadError returns MaximumRetriesError,
// which retry.Do treats as fatal rather than retriable. Below the cap, and
// for any other error (network failures, timeouts), it wraps the cause as
// RetriableTransferError so the caller's retry loop keeps trying.
func (m *Manager) classifyDownloadError(ctx context.Context, ref blob.Ref, cause error) error {
	invalid, ok := cause.(*blobsyncerr.InvalidBlob)
	if !ok {
		return &blobsyncerr.RetriableTransferError{Cause: cause}
	}

	retries, incErr := m.store.IncrementRetries(ctx, m.ns, ref)
	if incErr != nil {
		return incErr
	}
	attemptsLeft := m.maxDecryptRetries - retries
	if attemptsLeft < 0 {
		attemptsLeft = 0
	}
	m.log.Printf(
		"corrupted blob received from server! id: %s\nerror: %v\nretries: %d - attempts left: %d\n"+
			"this is either a bug or the contents of the blob have been tampered with.",
		ref.String(), invalid, retries, attemptsLeft,
	)

	if retries >= m.maxDecryptRetries {
		if err := m.store.UpdateSyncStatus(ctx, m.ns, ref, store.FailedDownload); err != nil {
			return err
		}
		return &blobsyncerr.MaximumRetriesError{BlobID: ref.String(), Cause: cause, Retries: retries}
	}
	return &blobsyncerr.RetriableTransferError{Cause: cause}
}

func (m *Manager) downloadAndDecrypt(ctx context.Context, ref blob.Ref) ([]byte, error) {
	resp, err := m.transport.Get(ctx, m.ns, ref)
	if err != nil {
		return nil, err
	}
	return bcrypto.DecryptBytes(resp.Body, m.secret, ref.String())
}

// Delete removes ref both remotely and locally. A blob that is already
// absent remotely surfaces BlobNotFoundError: delete is not idempotent
// against a server that has no record of the blob, matching the original
// check_http_status propagation of a 404 through _delete_from_remote.
func (m *Manager) Delete(ctx context.Context, ref blob.Ref) error {
	if err := m.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.writeSem.Release(1)

	if err := m.store.UpdateSyncStatus(ctx, m.ns, ref, store.PendingDelete); err != nil {
		return err
	}
	if err := m.transport.Delete(ctx, m.ns, ref); err != nil {
		return err
	}
	return m.store.FinishDelete(ctx, m.ns, ref)
}

// SendBlob uploads a locally cached blob that is PENDING_UPLOAD, marking it
// SYNCED on success. It is the unit of work the synchronizer's send_missing
// phase dispatches concurrently for every pending-upload blob.
func (m *Manager) SendBlob(ctx context.Context, ref blob.Ref) error {
	rec, err := m.store.Get(ctx, m.ns, ref)
	if err != nil {
		return err
	}
	return m.encryptAndUpload(ctx, ref, rec.Payload)
}

// FetchBlob downloads and decrypts a blob that is PENDING_DOWNLOAD, storing
// the plaintext locally and marking it SYNCED on success. It is the unit of
// work the synchronizer's fetch_missing phase dispatches concurrently for
// every pending-download blob. A corrupted download is routed through the
// same retry-cap bookkeeping as Get, so a permanently corrupted blob is
// retired as FAILED_DOWNLOAD and surfaces MaximumRetriesError — a fatal,
// non-retriable error — rather than retry.Do treating it as transient and
// retrying forever.
func (m *Manager) FetchBlob(ctx context.Context, ref blob.Ref) error {
	plaintext, err := m.downloadAndDecrypt(ctx, ref)
	if err != nil {
		return m.classifyDownloadError(ctx, ref, err)
	}
	return m.store.Put(ctx, m.ns, store.Record{Ref: ref, Payload: plaintext, Size: int64(len(plaintext)), SyncStatus: store.Synced})
}

// SyncProgress reports, for the namespace, how many locally tracked blobs
// fall into each sync status.
func (m *Manager) SyncProgress(ctx context.Context) (store.SyncProgress, error) {
	return m.store.GetSyncProgress(ctx, m.ns)
}

// RemoteDeletedList lists blobs the server has tombstoned.
func (m *Manager) RemoteDeletedList(ctx context.Context) ([]blob.SizedRef, error) {
	refs, _, err := m.transport.List(ctx, m.ns, transport.ListOptions{Deleted: true})
	return refs, err
}

// BatchDeleteLocal removes every ref from the local store in one
// transaction, used to propagate server-side tombstones.
func (m *Manager) BatchDeleteLocal(ctx context.Context, refs []blob.Ref) error {
	return m.store.BatchDelete(ctx, m.ns, refs)
}

// SetFlags replaces the server-side flags for ref.
func (m *Manager) SetFlags(ctx context.Context, ref blob.Ref, flags []blob.Flag) error {
	if err := blob.ValidateFlags(flags); err != nil {
		return &blobsyncerr.InvalidFlagsError{BlobID: ref.String(), Flags: flags}
	}
	return m.transport.SetFlags(ctx, m.ns, ref, flags)
}

// GetFlags fetches the server-side flags for ref.
func (m *Manager) GetFlags(ctx context.Context, ref blob.Ref) ([]blob.Flag, error) {
	return m.transport.GetFlags(ctx, m.ns, ref)
}

// RemoteList lists blobs known to the server.
func (m *Manager) RemoteList(ctx context.Context, opts transport.ListOptions) ([]blob.SizedRef, error) {
	refs, _, err := m.transport.List(ctx, m.ns, opts)
	return refs, err
}

// Count reports the remote blob count for the namespace.
func (m *Manager) Count(ctx context.Context) (int, error) {
	_, n, err := m.transport.List(ctx, m.ns, transport.ListOptions{OnlyCount: true})
	return n, err
}

// LocalList lists every blob tracked in the local store.
func (m *Manager) LocalList(ctx context.Context) ([]blob.SizedRef, error) {
	return m.store.List(ctx, m.ns)
}

// LocalListStatus lists every locally tracked blob with the given sync
// status.
func (m *Manager) LocalListStatus(ctx context.Context, status store.SyncStatus) ([]blob.SizedRef, error) {
	return m.store.ListStatus(ctx, m.ns, status)
}

// GetSyncStatus reports a single blob's current sync status and retry
// count, e.g. (FAILED_DOWNLOAD, 3) for a blob retired after exhausting the
// decrypt-retry budget.
func (m *Manager) GetSyncStatus(ctx context.Context, ref blob.Ref) (store.SyncStatus, int, error) {
	return m.store.GetSyncStatus(ctx, m.ns, ref)
}

// MarkPendingUpload records that refs exist locally but not remotely.
// Already-present rows are updated in place; refs not yet tracked locally
// are skipped, since a pending-upload blob's payload must already be local.
func (m *Manager) MarkPendingUpload(ctx context.Context, refs []blob.Ref) error {
	return m.store.UpdateBatchSyncStatus(ctx, m.ns, refs, store.PendingUpload)
}

// MarkPendingDownload records that refs exist remotely but not locally yet,
// creating placeholder rows for any that aren't already tracked.
func (m *Manager) MarkPendingDownload(ctx context.Context, refs []blob.Ref) error {
	for _, r := range refs {
		exists, err := m.store.Exists(ctx, m.ns, r)
		if err != nil {
			return err
		}
		if exists {
			if err := m.store.UpdateSyncStatus(ctx, m.ns, r, store.PendingDownload); err != nil {
				return err
			}
			continue
		}
		if err := m.store.Put(ctx, m.ns, store.Record{Ref: r, SyncStatus: store.PendingDownload}); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the manager's local store handle.
func (m *Manager) Close() error {
	return m.store.Close()
}

var _ io.Closer = (*Manager)(nil)
