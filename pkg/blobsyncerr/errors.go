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
// Package blobsyncerr declares the typed error taxonomy shared by the
// local store, transport, blob manager, and synchronizer: the server
// response codes and the corrupted-download / retry-budget outcomes
// they map to.
package blobsyncerr

import (
	"fmt"

	"github.com/leap-soledad/blobsync/pkg/blob"
)

// BlobNotFoundError is returned when the remote or local store says a
// blob id is absent.
type BlobNotFoundError struct {
	BlobID string
}

func (e *BlobNotFoundError) Error() string {
	return fmt.Sprintf("blob not found: %s", e.BlobID)
}

// BlobAlreadyExistsError is returned by put when the blob id is already
// occupied.
type BlobAlreadyExistsError struct {
	BlobID string
}

func (e *BlobAlreadyExistsError) Error() string {
	return fmt.Sprintf("blob already exists: %s", e.BlobID)
}

// InvalidFlagsError is returned when a set of flags is rejected, either by
// the server or by client-side validation against the closed vocabulary.
type InvalidFlagsError struct {
	BlobID string
	Flags  []blob.Flag
}

func (e *InvalidFlagsError) Error() string {
	return fmt.Sprintf("invalid flags %v for blob %s", e.Flags, e.BlobID)
}

// InvalidBlob is returned when GCM tag verification fails or the
// preamble is malformed.
type InvalidBlob struct {
	BlobID string
	Reason string
}

func (e *InvalidBlob) Error() string {
	if e.BlobID != "" {
		return fmt.Sprintf("invalid blob %s: %s", e.BlobID, e.Reason)
	}
	return fmt.Sprintf("invalid blob: %s", e.Reason)
}

// EncryptionSchemeNotImplementedError is returned when a preamble names
// an encryption scheme this codec does not implement.
type EncryptionSchemeNotImplementedError struct {
	Scheme byte
}

func (e *EncryptionSchemeNotImplementedError) Error() string {
	return fmt.Sprintf("encryption scheme not implemented: %d", e.Scheme)
}

// RetriableTransferError wraps any transient network or decrypt failure
// that the retry loop should retry.
type RetriableTransferError struct {
	Cause error
}

func (e *RetriableTransferError) Error() string {
	return fmt.Sprintf("retriable transfer error: %v", e.Cause)
}

func (e *RetriableTransferError) Unwrap() error { return e.Cause }

// MaximumRetriesError is returned when the decrypt-retry budget for a
// blob is exhausted. It is terminal until operator intervention.
type MaximumRetriesError struct {
	BlobID  string
	Cause   error
	Retries int
}

func (e *MaximumRetriesError) Error() string {
	return fmt.Sprintf("maximum retries (%d) exhausted for blob %s: %v", e.Retries, e.BlobID, e.Cause)
}

func (e *MaximumRetriesError) Unwrap() error { return e.Cause }

// SoledadError is the catch-all for unmapped server responses.
type SoledadError struct {
	Message string
}

func (e *SoledadError) Error() string { return e.Message }

// NewSoledadError builds a SoledadError for an unmapped HTTP status code.
func NewSoledadError(code int) *SoledadError {
	return &SoledadError{Message: fmt.Sprintf("Server Error: %d", code)}
}
