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
package blob

import "fmt"

// Flag is a small enumerated tag attached to a remote blob. Flags are
// orthogonal to sync state: they are metadata observed by external
// consumers of the server, and the server is the source of truth for them.
type Flag string

const (
	FlagPending    Flag = "PENDING"
	FlagProcessing Flag = "PROCESSING"
)

// validFlags is the closed vocabulary the server accepts.
var validFlags = map[Flag]bool{
	FlagPending:    true,
	FlagProcessing: true,
}

// ValidFlag reports whether f is a member of the closed flag vocabulary.
func ValidFlag(f Flag) bool { return validFlags[f] }

// ValidateFlags checks every flag in fs against the closed vocabulary,
// returning an error naming the first unrecognized one.
func ValidateFlags(fs []Flag) error {
	for _, f := range fs {
		if !ValidFlag(f) {
			return fmt.Errorf("blob: invalid flag %q", f)
		}
	}
	return nil
}
