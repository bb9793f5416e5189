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

package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leap-soledad/blobsync/blobmanager"
	"github.com/leap-soledad/blobsync/internal/store"
	"github.com/leap-soledad/blobsync/internal/transport"
	"github.com/leap-soledad/blobsync/pkg/blob"
	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

// fakeServer is a minimal in-memory remote blob server covering GET/PUT and
// namespace listing, enough to drive a Synchronizer end to end without a
// real network dependency.
type fakeServer struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted map[string]bool
}

// newFakeServer mirrors the remote protocol's actual shape: blobs live at
// /<user>/<blob_id> (namespace is a query parameter, not a path segment),
// and the namespace listing at /<user>/ returns a bare JSON array of ids.
func newFakeServer(t *testing.T, user string) (*transport.Client, *fakeServer) {
	t.Helper()
	fs := &fakeServer{blobs: make(map[string][]byte), deleted: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/"+user+"/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/"+user+"/"):]
		if id == "" {
			fs.mu.Lock()
			defer fs.mu.Unlock()
			var ids []string
			if r.URL.Query().Get("deleted") == "true" {
				for id := range fs.deleted {
					ids = append(ids, id)
				}
			} else {
				for id := range fs.blobs {
					ids = append(ids, id)
				}
			}
			json.NewEncoder(w).Encode(ids)
			return
		}
		fs.mu.Lock()
		defer fs.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			b, ok := fs.blobs[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(b)
		case http.MethodPut:
			buf := make([]byte, r.ContentLength)
			r.Body.Read(buf)
			fs.blobs[id] = buf
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := transport.New(transport.Config{BaseURL: srv.URL, User: user, Token: "tok"})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	return c, fs
}

func newTestSynchronizer(t *testing.T) (*Synchronizer, *blobmanager.Manager, *fakeServer) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "blobs.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	tc, fs := newFakeServer(t, "ns")
	m := blobmanager.New(blobmanager.Config{Store: st, Transport: tc, Namespace: blob.Namespace("ns"), Secret: []byte("0123456789abcdef0123456789abcdef")})
	return New(Config{Manager: m}), m, fs
}

func TestSendMissingUploadsPendingBlobs(t *testing.T) {
	ctx := context.Background()
	s, m, fs := newTestSynchronizer(t)

	if err := m.Put(ctx, blob.MustRef("up-1"), []byte("payload-1"), true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.MarkPendingUpload(ctx, []blob.Ref{blob.MustRef("up-1")}); err != nil {
		t.Fatalf("MarkPendingUpload: %v", err)
	}

	if err := s.SendMissing(ctx); err != nil {
		t.Fatalf("SendMissing: %v", err)
	}

	synced, err := m.LocalListStatus(ctx, store.Synced)
	if err != nil {
		t.Fatalf("LocalListStatus: %v", err)
	}
	if len(synced) != 1 {
		t.Fatalf("len(synced) = %d, want 1", len(synced))
	}
	fs.mu.Lock()
	_, uploaded := fs.blobs["up-1"]
	fs.mu.Unlock()
	if !uploaded {
		t.Fatal("expected blob to be uploaded to the fake server")
	}
}

func TestFetchMissingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, m, _ := newTestSynchronizer(t)

	ref := blob.MustRef("down-2")
	if err := m.Put(ctx, ref, []byte("payload-3"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Forget the local copy but leave the remote one, as refresh would
	// discover after a fresh client's local store is empty.
	if err := m.BatchDeleteLocal(ctx, []blob.Ref{ref}); err != nil {
		t.Fatalf("BatchDeleteLocal: %v", err)
	}
	if err := m.MarkPendingDownload(ctx, []blob.Ref{ref}); err != nil {
		t.Fatalf("MarkPendingDownload: %v", err)
	}

	if err := s.FetchMissing(ctx); err != nil {
		t.Fatalf("FetchMissing: %v", err)
	}

	got, err := m.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get after fetch: %v", err)
	}
	if string(got) != "payload-3" {
		t.Fatalf("got %q", got)
	}
}

func TestRefreshSyncStatusFromServerMarksBothDirections(t *testing.T) {
	ctx := context.Background()
	s, m, _ := newTestSynchronizer(t)

	// Local-only blob: should become PENDING_UPLOAD.
	if err := m.Put(ctx, blob.MustRef("local-only"), []byte("x"), true); err != nil {
		t.Fatalf("Put local-only: %v", err)
	}
	// Remote-only blob: upload then remove locally to simulate it
	// existing only on the server.
	remoteOnly := blob.MustRef("remote-only")
	if err := m.Put(ctx, remoteOnly, []byte("y"), false); err != nil {
		t.Fatalf("Put remote-only: %v", err)
	}
	if err := m.BatchDeleteLocal(ctx, []blob.Ref{remoteOnly}); err != nil {
		t.Fatalf("BatchDeleteLocal: %v", err)
	}

	if err := s.RefreshSyncStatusFromServer(ctx); err != nil {
		t.Fatalf("RefreshSyncStatusFromServer: %v", err)
	}

	uploads, err := m.LocalListStatus(ctx, store.PendingUpload)
	if err != nil {
		t.Fatalf("LocalListStatus(PENDING_UPLOAD): %v", err)
	}
	if len(uploads) != 1 || uploads[0].Ref.String() != "local-only" {
		t.Fatalf("uploads = %+v", uploads)
	}

	downloads, err := m.LocalListStatus(ctx, store.PendingDownload)
	if err != nil {
		t.Fatalf("LocalListStatus(PENDING_DOWNLOAD): %v", err)
	}
	if len(downloads) != 1 || downloads[0].Ref.String() != "remote-only" {
		t.Fatalf("downloads = %+v", downloads)
	}
}

// TestFetchMissingRetiresCorruptedBlobInsteadOfHanging is the regression
// case for a corrupted download reaching the synchronizer: FetchMissing
// must drive the blob's retry counter to the cap and return
// MaximumRetriesError, not loop forever treating InvalidBlob as a
// transient network error.
func TestFetchMissingRetiresCorruptedBlobInsteadOfHanging(t *testing.T) {
	ctx := context.Background()
	s, m, fs := newTestSynchronizer(t)
	m.SetLogger(nil)

	ref := blob.MustRef("corrupted-2")
	fs.mu.Lock()
	fs.blobs[ref.String()] = []byte("not a valid sealed envelope")
	fs.mu.Unlock()
	if err := m.MarkPendingDownload(ctx, []blob.Ref{ref}); err != nil {
		t.Fatalf("MarkPendingDownload: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.FetchMissing(ctx) }()

	select {
	case err := <-done:
		if _, ok := err.(*blobsyncerr.MaximumRetriesError); !ok {
			t.Fatalf("expected MaximumRetriesError, got %T: %v", err, err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("FetchMissing did not return: corrupted blob caused an infinite retry loop")
	}

	status, retries, err := m.GetSyncStatus(ctx, ref)
	if err != nil {
		t.Fatalf("GetSyncStatus: %v", err)
	}
	if status != store.FailedDownload || retries != blobmanager.DefaultMaxDecryptRetries {
		t.Fatalf("status=%v retries=%d, want FAILED_DOWNLOAD/%d", status, retries, blobmanager.DefaultMaxDecryptRetries)
	}
}

func TestSyncProgressReflectsPendingCount(t *testing.T) {
	ctx := context.Background()
	s, m, _ := newTestSynchronizer(t)
	if err := m.Put(ctx, blob.MustRef("p1"), []byte("x"), true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.MarkPendingUpload(ctx, []blob.Ref{blob.MustRef("p1")}); err != nil {
		t.Fatalf("MarkPendingUpload: %v", err)
	}
	progress, err := s.SyncProgress(ctx)
	if err != nil {
		t.Fatalf("SyncProgress: %v", err)
	}
	if progress[store.PendingUpload] != 1 {
		t.Fatalf("progress = %+v", progress)
	}
}
