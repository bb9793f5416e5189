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
	"io"
	"testing"

	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

func testSecret() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret := testSecret()
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	sealed, err := EncryptBytes("doc-1", "rev-1", secret, plaintext)
	if err != nil {
		t.Fatalf("EncryptBytes: %v", err)
	}

	got, err := DecryptBytes(sealed, secret, "doc-1")
	if err != nil {
		t.Fatalf("DecryptBytes: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptIsIncremental(t *testing.T) {
	secret := testSecret()
	enc, err := NewBlobEncryptor("doc-2", "rev-1", secret)
	if err != nil {
		t.Fatalf("NewBlobEncryptor: %v", err)
	}
	chunks := [][]byte{[]byte("hello "), []byte("incremental "), []byte("world")}
	for _, c := range chunks {
		if _, err := enc.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	r, err := enc.Encrypt()
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	sealed, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("io.ReadAll: %v", err)
	}

	got, err := DecryptBytes(sealed, secret, "doc-2")
	if err != nil {
		t.Fatalf("DecryptBytes: %v", err)
	}
	if string(got) != "hello incremental world" {
		t.Fatalf("got %q", got)
	}
}

func TestDecryptWrongTagRaisesInvalidBlob(t *testing.T) {
	secret := testSecret()
	sealed, err := EncryptBytes("doc-3", "rev-1", secret, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptBytes: %v", err)
	}
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = DecryptBytes(tampered, secret, "doc-3")
	if err == nil {
		t.Fatal("expected InvalidBlob on tampered tag, got nil")
	}
	if _, ok := err.(*blobsyncerr.InvalidBlob); !ok {
		t.Fatalf("expected *blobsyncerr.InvalidBlob, got %T: %v", err, err)
	}
}

func TestDecryptTamperedPreambleRaisesInvalidBlob(t *testing.T) {
	secret := testSecret()
	sealed, err := EncryptBytes("doc-4", "rev-1", secret, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptBytes: %v", err)
	}
	// Flip a byte inside the doc_id field of the preamble: the AAD no
	// longer matches what was authenticated, so the tag must fail even
	// though the ciphertext itself is untouched.
	tampered := append([]byte(nil), sealed...)
	tampered[fixedHdrSize+lenFieldSize] ^= 0xFF

	_, err = DecryptBytes(tampered, secret, "doc-4")
	if err == nil {
		t.Fatal("expected InvalidBlob on tampered preamble, got nil")
	}
	if _, ok := err.(*blobsyncerr.InvalidBlob); !ok {
		t.Fatalf("expected *blobsyncerr.InvalidBlob, got %T: %v", err, err)
	}
}

func TestDecryptUnknownSchemeIsNotImplemented(t *testing.T) {
	secret := testSecret()
	sealed, err := EncryptBytes("doc-5", "rev-1", secret, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptBytes: %v", err)
	}
	tampered := append([]byte(nil), sealed...)
	tampered[magicSize] = 0x7F // scheme byte, right after the magic

	pre, n, err := DecodePreamble(tampered)
	if err != nil {
		t.Fatalf("DecodePreamble: %v", err)
	}
	_, err = NewBlobDecryptor(pre, tampered[:n], secret, "doc-5")
	if _, ok := err.(*blobsyncerr.EncryptionSchemeNotImplementedError); !ok {
		t.Fatalf("expected EncryptionSchemeNotImplementedError, got %T: %v", err, err)
	}
}

func TestStagingDecrypterFallsBackToPassthroughOnUnknownScheme(t *testing.T) {
	secret := testSecret()
	sealed, err := EncryptBytes("doc-6", "rev-1", secret, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptBytes: %v", err)
	}
	tampered := append([]byte(nil), sealed...)
	tampered[magicSize] = 0x7F

	sd := NewStagingDecrypter(secret, "doc-6")
	// Feed byte-at-a-time to exercise the incremental accumulation path.
	for i := 0; i < len(tampered); i++ {
		if _, err := sd.Write(tampered[i : i+1]); err != nil {
			t.Fatalf("Write at %d: %v", i, err)
		}
	}
	out, err := sd.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	scheme, ok := sd.Scheme()
	if !ok || scheme != 0x7F {
		t.Fatalf("Scheme() = %v, %v", scheme, ok)
	}
	if len(out) == 0 {
		t.Fatal("expected raw passthrough bytes, got none")
	}
}

func TestStagingDecrypterDecryptsKnownScheme(t *testing.T) {
	secret := testSecret()
	sealed, err := EncryptBytes("doc-7", "rev-1", secret, []byte("known scheme payload"))
	if err != nil {
		t.Fatalf("EncryptBytes: %v", err)
	}

	sd := NewStagingDecrypter(secret, "doc-7")
	if _, err := sd.Write(sealed); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := sd.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if string(out) != "known scheme payload" {
		t.Fatalf("got %q", out)
	}
}

func TestTextEnvelopeRoundTrip(t *testing.T) {
	secret := testSecret()
	sealed, err := EncryptBytes("doc-8", "rev-1", secret, []byte("envelope payload"))
	if err != nil {
		t.Fatalf("EncryptBytes: %v", err)
	}
	envelope, err := EncodeEnvelope(sealed)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	back, err := DecodeEnvelope(envelope)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if !bytes.Equal(back, sealed) {
		t.Fatalf("envelope round trip mismatch")
	}
	got, err := DecryptBytes(back, secret, "doc-8")
	if err != nil {
		t.Fatalf("DecryptBytes after envelope round trip: %v", err)
	}
	if string(got) != "envelope payload" {
		t.Fatalf("got %q", got)
	}
}

func TestDifferentBlobIDsDeriveDifferentKeys(t *testing.T) {
	secret := testSecret()
	k1, err := DeriveKey(secret, "a")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey(secret, "b")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Fatal("expected different keys for different blob ids")
	}
}
