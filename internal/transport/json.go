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
	"encoding/json"

	"github.com/leap-soledad/blobsync/pkg/blob"
)

// encodeFlags marshals flags as a bare JSON array, the shape the server's
// set_flags endpoint expects as the request body.
func encodeFlags(flags []blob.Flag) ([]byte, error) {
	return json.Marshal(flags)
}

// decodeFlags parses a bare JSON array of flags, the shape the server's
// get_flags endpoint returns (e.g. ["PENDING"]).
func decodeFlags(body []byte) ([]blob.Flag, error) {
	var flags []blob.Flag
	if err := json.Unmarshal(body, &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

// countDoc is the shape a listing response takes when only_count was
// requested: {"count": N}.
type countDoc struct {
	Count int `json:"count"`
}

// decodeListing parses a remote listing response. When onlyCount is set the
// server replies with countDoc; otherwise it replies with a bare JSON array
// of blob ids (e.g. ["blob_id1", "blob_id2"]), carrying no size information.
func decodeListing(body []byte, onlyCount bool) ([]blob.SizedRef, int, error) {
	if onlyCount {
		var doc countDoc
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, 0, err
		}
		return nil, doc.Count, nil
	}
	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, 0, err
	}
	out := make([]blob.SizedRef, 0, len(ids))
	for _, id := range ids {
		ref, err := blob.RefFromString(id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, blob.SizedRef{Ref: ref})
	}
	return out, len(out), nil
}
