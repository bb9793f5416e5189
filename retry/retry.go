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

// Package retry implements the classify-and-retry loop the synchronizer
// wraps every blob transfer in: a transient failure is retried with a
// growing wait, anything else is returned to the caller immediately. It is
// grounded on the with_retry function in the original client/_db/blobs/sync.py,
// deliberately not reaching for an external backoff library since the
// schedule it implements (linear growth to a small cap) is simpler than
// what such libraries are built to configure.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

const (
	initialWait = 1 * time.Second
	waitStep    = 10 * time.Second
	maxWait     = 60 * time.Second
)

// Retriable reports whether err should be retried: a RetriableTransferError
// from anywhere in the call chain, or context.DeadlineExceeded. Other
// connection-level failures count only when wrapped in a
// RetriableTransferError, as transport.Client does.
func Retriable(err error) bool {
	var rte *blobsyncerr.RetriableTransferError
	if errors.As(err, &rte) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Do runs fn, retrying while Retriable(err) is true. The wait between
// attempts starts at one second and grows by ten seconds per retry, capped
// at sixty, matching the original schedule exactly. It stops retrying and
// returns fn's error immediately if that error is non-retriable, and
// returns ctx.Err() if ctx is canceled while waiting between attempts.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	wait := initialWait
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retriable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait += waitStep
		if wait > maxWait {
			wait = maxWait
		}
	}
}
