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
package bcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

// DeriveKey expands a per-user master secret into a 32-byte AES-256 key
// scoped to a single blob id, via HKDF-SHA256 with the blob id as the
// info parameter. Two blobs under the same secret never share a key.
func DeriveKey(secret []byte, blobID string) ([]byte, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(blobID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// BlobEncryptor seals a single blob's plaintext behind an authenticated
// preamble. Construct one per blob; it is not reusable across blobs since
// the key and IV are bound to the blob id given to NewBlobEncryptor.
//
// Go's crypto/cipher AEAD interface has no incremental Seal: the tag can
// only be computed once the entire plaintext has been read. BlobEncryptor.Write
// is still incremental from the caller's point of view (bytes may arrive in
// any number of calls), but they accumulate in memory until Encrypt is
// called, which performs the single Seal call the stdlib requires.
type BlobEncryptor struct {
	docID string
	rev   string
	key   []byte
	iv    [gcmNonceSize]byte
	ts    time.Time
	buf   bytes.Buffer
}

// NewBlobEncryptor derives a key for docID from secret and picks a fresh
// random IV. rev is normally blob.FixedRevision.
func NewBlobEncryptor(docID, rev string, secret []byte) (*BlobEncryptor, error) {
	key, err := DeriveKey(secret, docID)
	if err != nil {
		return nil, err
	}
	e := &BlobEncryptor{docID: docID, rev: rev, key: key, ts: time.Now()}
	if _, err := io.ReadFull(rand.Reader, e.iv[:]); err != nil {
		return nil, err
	}
	return e, nil
}

// Write accumulates plaintext. It never returns a short write or an error.
func (e *BlobEncryptor) Write(p []byte) (int, error) {
	return e.buf.Write(p)
}

// Encrypt finalizes the blob: it builds the preamble, authenticates it as
// additional data, seals the accumulated plaintext, and returns a reader
// over preamble || ciphertext || tag, exactly the on-disk and on-wire
// representation of an encrypted blob.
func (e *BlobEncryptor) Encrypt() (io.Reader, error) {
	pre := &Preamble{
		Scheme:    SchemeSymmetric,
		Method:    MethodAES256GCM,
		Timestamp: e.ts,
		IV:        e.iv,
		DocID:     e.docID,
		Rev:       e.rev,
	}
	encoded, err := pre.Encode()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, e.iv[:], e.buf.Bytes(), encoded)
	return io.MultiReader(bytes.NewReader(encoded), bytes.NewReader(sealed)), nil
}

// EncryptBytes is a convenience wrapper for callers holding the whole
// plaintext already, such as tests and the blob manager's put path.
func EncryptBytes(docID, rev string, secret, plaintext []byte) ([]byte, error) {
	enc, err := NewBlobEncryptor(docID, rev, secret)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(plaintext); err != nil {
		return nil, err
	}
	r, err := enc.Encrypt()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// BlobDecryptor opens a single blob sealed by BlobEncryptor. Construct one
// with NewBlobDecryptor once the preamble has been parsed (see
// NewStagingDecrypter for the case where the caller doesn't yet know the
// scheme); it accumulates ciphertext via Write and verifies+decrypts on
// Close, since GCM authentication requires the complete ciphertext and tag.
type BlobDecryptor struct {
	pre    *Preamble
	aad    []byte
	key    []byte
	buf    bytes.Buffer
	blobID string
}

// NewBlobDecryptor validates pre's scheme/method and derives the key to
// open it. blobID is used only to annotate errors; decryption is otherwise
// keyed by pre.DocID.
func NewBlobDecryptor(pre *Preamble, aad []byte, secret []byte, blobID string) (*BlobDecryptor, error) {
	if pre.Scheme != SchemeSymmetric || pre.Method != MethodAES256GCM {
		return nil, &blobsyncerr.EncryptionSchemeNotImplementedError{Scheme: pre.Scheme}
	}
	key, err := DeriveKey(secret, pre.DocID)
	if err != nil {
		return nil, err
	}
	return &BlobDecryptor{pre: pre, aad: aad, key: key, blobID: blobID}, nil
}

// Write accumulates ciphertext (including its trailing tag). It never
// returns a short write or an error.
func (d *BlobDecryptor) Write(p []byte) (int, error) {
	return d.buf.Write(p)
}

// Close verifies the GCM tag over the accumulated ciphertext against the
// preamble AAD and returns the recovered plaintext, or InvalidBlob if the
// tag, ciphertext, or preamble has been tampered with.
func (d *BlobDecryptor) Close() ([]byte, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, d.pre.IV[:], d.buf.Bytes(), d.aad)
	if err != nil {
		return nil, &blobsyncerr.InvalidBlob{BlobID: d.blobID, Reason: "GCM authentication failed"}
	}
	return plaintext, nil
}

// DecryptBytes opens a complete preamble||ciphertext||tag blob in one call.
// blobID annotates errors only.
func DecryptBytes(sealed, secret []byte, blobID string) ([]byte, error) {
	pre, n, err := DecodePreamble(sealed)
	if err != nil {
		return nil, err
	}
	dec, err := NewBlobDecryptor(pre, sealed[:n], secret, blobID)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Write(sealed[n:]); err != nil {
		return nil, err
	}
	return dec.Close()
}
