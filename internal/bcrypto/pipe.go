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
	"encoding/base64"
	"errors"
	"strings"

	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

// StagingDecrypter absorbs an arbitrary number of byte chunks and, once a
// complete preamble has accumulated, dispatches on its scheme: a supported
// scheme is handed to a real BlobDecryptor, an unsupported one falls back to
// a raw passthrough buffer rather than failing the whole read. This mirrors
// the original DecrypterBuffer, whose _make_decryptor factory catches
// EncryptionSchemeNotImplementedException and returns an unmodified pipe
// instead of propagating the error — callers that only need to relay bytes
// (rather than decrypt them) shouldn't be broken by a scheme they don't
// understand.
type StagingDecrypter struct {
	secret []byte
	blobID string

	buf   bytes.Buffer // staging area until the preamble is complete
	ready bool
	pre   *Preamble

	dec         *BlobDecryptor
	passthrough *bytes.Buffer
}

// NewStagingDecrypter prepares a decrypter for a blob whose scheme isn't
// known yet. secret is used to derive the key only if the eventual scheme
// is supported.
func NewStagingDecrypter(secret []byte, blobID string) *StagingDecrypter {
	return &StagingDecrypter{secret: secret, blobID: blobID}
}

// Write never returns a short write. Once the preamble resolves to an
// unsupported scheme, subsequent errors are impossible (it only buffers);
// once resolved to a supported one, errors come only from the underlying
// BlobDecryptor, which also never fails on Write.
func (s *StagingDecrypter) Write(p []byte) (int, error) {
	if !s.ready {
		s.buf.Write(p)
		raw := s.buf.Bytes()
		consumed, pre, ok, err := tryParsePreamble(raw)
		if err != nil {
			return 0, err
		}
		if !ok {
			return len(p), nil
		}

		aad := append([]byte(nil), raw[:consumed]...)
		rest := append([]byte(nil), raw[consumed:]...)
		s.pre = pre
		s.ready = true

		dec, err := NewBlobDecryptor(pre, aad, s.secret, s.blobID)
		if err != nil {
			var notImpl *blobsyncerr.EncryptionSchemeNotImplementedError
			if errors.As(err, &notImpl) {
				s.passthrough = new(bytes.Buffer)
				s.passthrough.Write(rest)
				return len(p), nil
			}
			return 0, err
		}
		s.dec = dec
		if len(rest) > 0 {
			if _, err := s.dec.Write(rest); err != nil {
				return 0, err
			}
		}
		return len(p), nil
	}

	if s.dec != nil {
		return s.dec.Write(p)
	}
	return s.passthrough.Write(p)
}

// Scheme reports the resolved preamble scheme. ok is false until enough
// bytes have arrived to parse a full preamble.
func (s *StagingDecrypter) Scheme() (scheme byte, ok bool) {
	if !s.ready {
		return 0, false
	}
	return s.pre.Scheme, true
}

// Close finalizes the stream: for a supported scheme this verifies the GCM
// tag and returns plaintext; for an unsupported one it returns the raw
// bytes observed after the preamble, unmodified.
func (s *StagingDecrypter) Close() ([]byte, error) {
	if !s.ready {
		return nil, &blobsyncerr.InvalidBlob{BlobID: s.blobID, Reason: "truncated preamble"}
	}
	if s.dec != nil {
		return s.dec.Close()
	}
	return s.passthrough.Bytes(), nil
}

// EncodeEnvelope renders a sealed blob (preamble || ciphertext || tag) as
// the text form used in JSON envelopes: base64url(preamble) + " " +
// base64url(ciphertext||tag).
func EncodeEnvelope(sealed []byte) (string, error) {
	pre, n, err := DecodePreamble(sealed)
	if err != nil {
		return "", err
	}
	preBytes, err := pre.Encode()
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(preBytes) + " " + enc.EncodeToString(sealed[n:]), nil
}

// DecodeEnvelope reverses EncodeEnvelope, reconstructing the sealed
// preamble || ciphertext || tag byte string.
func DecodeEnvelope(s string) ([]byte, error) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 {
		return nil, &blobsyncerr.InvalidBlob{Reason: "malformed text envelope"}
	}
	enc := base64.RawURLEncoding
	preBytes, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, &blobsyncerr.InvalidBlob{Reason: "malformed envelope preamble encoding"}
	}
	ctBytes, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, &blobsyncerr.InvalidBlob{Reason: "malformed envelope ciphertext encoding"}
	}
	out := make([]byte, 0, len(preBytes)+len(ctBytes))
	out = append(out, preBytes...)
	out = append(out, ctBytes...)
	return out, nil
}
