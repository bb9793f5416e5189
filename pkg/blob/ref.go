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
// Package blob defines the identity types shared across the blob
// synchronization engine: opaque blob ids, namespaces, and flags.
package blob

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FixedRevision is the sentinel revision every blob carries. Blobs are
// immutable once written; identity is the blob id, not a revision chain.
const FixedRevision = "ImmutableRevision"

// Ref is an opaque, printable blob identifier. Unlike a content hash, a
// Ref does not encode anything about the blob's bytes: two different
// blobs may legally share a Ref only if one replaces the other via
// delete+recreate.
type Ref struct {
	id string
}

// RefFromString wraps an arbitrary non-empty string as a Ref.
func RefFromString(s string) (Ref, error) {
	if s == "" {
		return Ref{}, errors.New("blob: empty blob id")
	}
	return Ref{id: s}, nil
}

// MustRef is RefFromString but panics on error; for tests and literals.
func MustRef(s string) Ref {
	r, err := RefFromString(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Ref) String() string { return r.id }

// Valid reports whether r was constructed from a non-empty id.
func (r Ref) Valid() bool { return r.id != "" }

func (r Ref) Less(o Ref) bool { return r.id < o.id }

func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.id)
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return fmt.Errorf("blob: empty blob id in JSON")
	}
	r.id = s
	return nil
}

// SizedRef pairs a Ref with the plaintext size of the blob it names.
type SizedRef struct {
	Ref  Ref
	Size int64
}

// Namespace partitions blob ids. The empty namespace "" is the default.
type Namespace string

// Default is the empty, default namespace.
const Default Namespace = ""
