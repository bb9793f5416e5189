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

package transport

import (
	"net/http"

	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

// CheckStatus maps a server response code to the typed error taxonomy: 200
// (and 206, for ranged reads) is success, 404 is a missing blob, 409 is a
// duplicate put, 406 is a rejected flag set, and anything else is an
// unmapped server error. blobID is used only to annotate the resulting
// error and may be empty for requests that aren't about a single blob.
func CheckStatus(code int, blobID string) error {
	switch code {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusNotFound:
		return &blobsyncerr.BlobNotFoundError{BlobID: blobID}
	case http.StatusConflict:
		return &blobsyncerr.BlobAlreadyExistsError{BlobID: blobID}
	case http.StatusNotAcceptable:
		return &blobsyncerr.InvalidFlagsError{BlobID: blobID}
	default:
		return blobsyncerr.NewSoledadError(code)
	}
}
