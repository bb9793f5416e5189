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

// Package syncer reconciles a Manager's local store against the remote
// server: it diffs the two blob listings, propagates server-side
// tombstones, and drives the upload/download transfers needed to converge.
// It is grounded on the original client/_db/blobs/sync.py
// (BlobsSynchronizer) and on perkeep's pkg/client/sync.go two-way listing
// diff (ListMissingDestinationBlobs), adapted from a sorted-channel diff to
// a set diff since both listings here are small, whole-namespace fetches
// rather than streamed enumerations.
package syncer

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/leap-soledad/blobsync/blobmanager"
	"github.com/leap-soledad/blobsync/internal/store"
	"github.com/leap-soledad/blobsync/internal/transport"
	"github.com/leap-soledad/blobsync/pkg/blob"
	"github.com/leap-soledad/blobsync/retry"
)

// DefaultConcurrentTransfersLimit bounds how many blob transfers
// send_missing/fetch_missing run at once. It is independent of, and
// smaller than, the manager's concurrent-writes limit: transfers are
// network-bound and contend with each other over bandwidth in a way plain
// local writes don't.
const DefaultConcurrentTransfersLimit = 3

// Synchronizer drives convergence between a Manager's local store and its
// remote server.
type Synchronizer struct {
	m *blobmanager.Manager

	transferSem   *semaphore.Weighted
	transferLimit int

	// locks serializes concurrent callers of SendMissing/FetchMissing
	// against themselves: two overlapping Sync() calls on the same
	// Synchronizer must not dispatch two overlapping upload (or
	// download) rounds. There are exactly two keys because there are
	// exactly two phases that need this; no dynamic key space is
	// needed here, unlike a lock keyed by blob id.
	locks struct {
		sendMissing  sync.Mutex
		fetchMissing sync.Mutex
	}
}

// Config configures a Synchronizer.
type Config struct {
	Manager *blobmanager.Manager
	// ConcurrentTransfersLimit overrides DefaultConcurrentTransfersLimit
	// if positive.
	ConcurrentTransfersLimit int64
}

// New builds a Synchronizer from cfg.
func New(cfg Config) *Synchronizer {
	limit := cfg.ConcurrentTransfersLimit
	if limit <= 0 {
		limit = DefaultConcurrentTransfersLimit
	}
	return &Synchronizer{m: cfg.Manager, transferSem: semaphore.NewWeighted(limit), transferLimit: int(limit)}
}

// Sync runs one full convergence pass: it applies server-side deletions,
// refreshes pending-upload/pending-download status from the two listings,
// fetches everything pending download, then sends everything pending
// upload. Phases run strictly in sequence — each depends on the local
// store state the previous phase left behind.
func (s *Synchronizer) Sync(ctx context.Context) error {
	if err := s.ApplyDeletionsFromServer(ctx); err != nil {
		return err
	}
	if err := s.RefreshSyncStatusFromServer(ctx); err != nil {
		return err
	}
	if err := s.FetchMissing(ctx); err != nil {
		return err
	}
	if err := s.SendMissing(ctx); err != nil {
		return err
	}
	return nil
}

// SyncProgress reports the namespace's sync-status histogram.
func (s *Synchronizer) SyncProgress(ctx context.Context) (store.SyncProgress, error) {
	return s.m.SyncProgress(ctx)
}

// ApplyDeletionsFromServer fetches the server's tombstone list and removes
// the corresponding rows from the local store.
func (s *Synchronizer) ApplyDeletionsFromServer(ctx context.Context) error {
	deleted, err := s.m.RemoteDeletedList(ctx)
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return nil
	}
	refs := make([]blob.Ref, len(deleted))
	for i, sr := range deleted {
		refs[i] = sr.Ref
	}
	return s.m.BatchDeleteLocal(ctx, refs)
}

// RefreshSyncStatusFromServer fetches the remote and local listings
// concurrently, then marks every blob present on only one side pending in
// the direction that would converge them: remote-only as pending-download,
// local-only as pending-upload.
func (s *Synchronizer) RefreshSyncStatusFromServer(ctx context.Context) error {
	var remote, local []blob.SizedRef

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := s.m.RemoteList(gctx, transport.ListOptions{})
		remote = r
		return err
	})
	g.Go(func() error {
		l, err := s.m.LocalList(gctx)
		local = l
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	remoteSet := make(map[string]struct{}, len(remote))
	for _, sr := range remote {
		remoteSet[sr.Ref.String()] = struct{}{}
	}
	localSet := make(map[string]struct{}, len(local))
	for _, sr := range local {
		localSet[sr.Ref.String()] = struct{}{}
	}

	var pendingDownload, pendingUpload []blob.Ref
	for _, sr := range remote {
		if _, ok := localSet[sr.Ref.String()]; !ok {
			pendingDownload = append(pendingDownload, sr.Ref)
		}
	}
	for _, sr := range local {
		if _, ok := remoteSet[sr.Ref.String()]; !ok {
			pendingUpload = append(pendingUpload, sr.Ref)
		}
	}

	if len(pendingDownload) > 0 {
		if err := s.m.MarkPendingDownload(ctx, pendingDownload); err != nil {
			return err
		}
	}
	if len(pendingUpload) > 0 {
		if err := s.m.MarkPendingUpload(ctx, pendingUpload); err != nil {
			return err
		}
	}
	return nil
}

// SendMissing repeatedly reads the PENDING_UPLOAD list and dispatches a
// bounded-concurrency round of uploads until the list is empty. Within a
// round every transfer runs to completion regardless of its siblings —
// gatherResults(consumeErrors=True) in the original — but if any transfer
// in a round returns a non-retriable error, SendMissing stops and returns
// it rather than looping forever on a blob that can never succeed.
func (s *Synchronizer) SendMissing(ctx context.Context) error {
	s.locks.sendMissing.Lock()
	defer s.locks.sendMissing.Unlock()
	return s.drain(ctx, store.PendingUpload, s.m.SendBlob)
}

// FetchMissing is SendMissing's mirror image for PENDING_DOWNLOAD blobs.
func (s *Synchronizer) FetchMissing(ctx context.Context) error {
	s.locks.fetchMissing.Lock()
	defer s.locks.fetchMissing.Unlock()
	return s.drain(ctx, store.PendingDownload, s.m.FetchBlob)
}

func (s *Synchronizer) drain(ctx context.Context, status store.SyncStatus, transfer func(context.Context, blob.Ref) error) error {
	for {
		pending, err := s.m.LocalListStatus(ctx, status)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		limit := s.transferLimit
		if len(pending) < limit {
			limit = len(pending)
		}
		batch := pending[:limit]

		if err := s.runBatch(ctx, batch, transfer); err != nil {
			return err
		}
	}
}

func (s *Synchronizer) runBatch(ctx context.Context, batch []blob.SizedRef, transfer func(context.Context, blob.Ref) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, sr := range batch {
		wg.Add(1)
		go func(ref blob.Ref) {
			defer wg.Done()
			if err := s.transferSem.Acquire(ctx, 1); err != nil {
				recordErr(err)
				return
			}
			defer s.transferSem.Release(1)

			err := retry.Do(ctx, func(ctx context.Context) error {
				return transfer(ctx, ref)
			})
			if err != nil {
				recordErr(err)
			}
		}(sr.Ref)
	}
	wg.Wait()
	return firstErr
}
