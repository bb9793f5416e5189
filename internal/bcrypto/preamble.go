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
// Package bcrypto implements the authenticated envelope format every blob
// is wrapped in before it leaves the local store: a fixed preamble binding
// the blob's identity into the AEAD additional data, followed by an
// AES-256-GCM ciphertext. It is grounded on the streaming storage codec in
// perkeep's pkg/blobserver/encrypt, generalized from AES-128-CTR+SHA1 to
// AES-256-GCM with a preamble-as-AAD scheme.
package bcrypto

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

// BlobSignatureMagic opens every preamble. It has no meaning beyond letting
// a reader fail fast on a stream that isn't one of ours.
const BlobSignatureMagic = "SLD1"

const (
	// SchemeSymmetric is the only identity scheme this codec implements:
	// a single shared secret known to both ends.
	SchemeSymmetric byte = 1

	// MethodAES256GCM is the only implemented encryption method under
	// SchemeSymmetric.
	MethodAES256GCM byte = 1
)

const (
	magicSize     = len(BlobSignatureMagic)
	ivSize        = 16 // wire width; only gcmNonceSize bytes are the GCM nonce
	gcmNonceSize  = 12
	fixedHdrSize  = magicSize + 1 /*scheme*/ + 1 /*method*/ + 8 /*timestamp*/ + ivSize
	lenFieldSize  = 2 // uint16 length prefix for doc_id and rev
	tagSize       = 16
	maxFieldBytes = 1<<16 - 1 // largest length a uint16 prefix can hold
)

// Preamble is the fixed-shape authenticated header every encrypted blob
// carries. Its encoded bytes are the GCM additional authenticated data:
// tampering with any field, including doc_id or rev, invalidates the tag.
type Preamble struct {
	Scheme    byte
	Method    byte
	Timestamp time.Time
	IV        [gcmNonceSize]byte
	DocID     string
	Rev       string
}

// Encode serializes p into its wire form: magic, scheme, method, an 8-byte
// big-endian unix timestamp, the zero-padded IV, then length-prefixed
// doc_id and rev.
func (p *Preamble) Encode() ([]byte, error) {
	if len(p.DocID) > maxFieldBytes || len(p.Rev) > maxFieldBytes {
		return nil, fmt.Errorf("bcrypto: doc_id or rev too large to encode")
	}
	out := make([]byte, 0, fixedHdrSize+2*lenFieldSize+len(p.DocID)+len(p.Rev))
	out = append(out, []byte(BlobSignatureMagic)...)
	out = append(out, p.Scheme, p.Method)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(p.Timestamp.Unix()))
	out = append(out, tsBuf[:]...)

	var ivBuf [ivSize]byte
	copy(ivBuf[:gcmNonceSize], p.IV[:])
	out = append(out, ivBuf[:]...)

	out = appendLenPrefixed(out, p.DocID)
	out = appendLenPrefixed(out, p.Rev)
	return out, nil
}

func appendLenPrefixed(dst []byte, s string) []byte {
	var lenBuf [lenFieldSize]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, s...)
}

// tryParsePreamble attempts to parse a complete Preamble from the front of
// buf. It returns ok=false, with no error, when buf holds a valid but
// incomplete prefix of a preamble: the caller should accumulate more bytes
// and retry. It is the core of the preamble-driven staging buffer that lets
// a reader dispatch on scheme before a single plaintext byte is produced.
func tryParsePreamble(buf []byte) (consumed int, p *Preamble, ok bool, err error) {
	if len(buf) < fixedHdrSize+lenFieldSize {
		return 0, nil, false, nil
	}
	if string(buf[:magicSize]) != BlobSignatureMagic {
		return 0, nil, false, &blobsyncerr.InvalidBlob{Reason: "bad preamble magic"}
	}
	off := magicSize
	scheme := buf[off]
	off++
	method := buf[off]
	off++

	ts := int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8

	var iv [gcmNonceSize]byte
	copy(iv[:], buf[off:off+gcmNonceSize])
	off += ivSize

	docIDLen := int(binary.BigEndian.Uint16(buf[off : off+lenFieldSize]))
	off += lenFieldSize
	if len(buf) < off+docIDLen+lenFieldSize {
		return 0, nil, false, nil
	}
	docID := string(buf[off : off+docIDLen])
	off += docIDLen

	revLen := int(binary.BigEndian.Uint16(buf[off : off+lenFieldSize]))
	off += lenFieldSize
	if len(buf) < off+revLen {
		return 0, nil, false, nil
	}
	rev := string(buf[off : off+revLen])
	off += revLen

	return off, &Preamble{
		Scheme:    scheme,
		Method:    method,
		Timestamp: time.Unix(ts, 0).UTC(),
		IV:        iv,
		DocID:     docID,
		Rev:       rev,
	}, true, nil
}

// DecodePreamble parses a complete preamble from buf, which must contain at
// least one full preamble at its front (any trailing bytes are ignored). It
// is a convenience wrapper over tryParsePreamble for callers that already
// hold the whole envelope, such as the text-envelope encoder.
func DecodePreamble(buf []byte) (p *Preamble, consumed int, err error) {
	consumed, p, ok, err := tryParsePreamble(buf)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, &blobsyncerr.InvalidBlob{Reason: "truncated preamble"}
	}
	return p, consumed, nil
}
