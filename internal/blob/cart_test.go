package blob

import (
	"bytes"
	"io"
	"testing"
)

func TestCartRoundTrip_PlaintextSurvivesEncryptDecrypt(t *testing.T) {
	plaintext := []byte("thorium sample bytes, streamed in one shot for this test")
	password := []byte("shared-password")
	var salt [16]byte
	copy(salt[:], "0123456789abcdef")

	encStream, err := NewCartEncryptStream(bytes.NewReader(plaintext), password, salt)
	if err != nil {
		t.Fatalf("NewCartEncryptStream() error = %v", err)
	}
	envelope, err := io.ReadAll(encStream)
	if err != nil {
		t.Fatalf("read envelope error = %v", err)
	}
	if bytes.Contains(envelope, plaintext) {
		t.Error("envelope must not contain the plaintext verbatim")
	}

	decStream, err := NewCartDecryptReader(bytes.NewReader(envelope), password)
	if err != nil {
		t.Fatalf("NewCartDecryptReader() error = %v", err)
	}
	got, err := io.ReadAll(decStream)
	if err != nil {
		t.Fatalf("read plaintext error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestCartRoundTrip_WrongPasswordProducesGarbage(t *testing.T) {
	plaintext := []byte("secret content")
	var salt [16]byte
	copy(salt[:], "fedcba9876543210")

	encStream, err := NewCartEncryptStream(bytes.NewReader(plaintext), []byte("correct-password"), salt)
	if err != nil {
		t.Fatalf("NewCartEncryptStream() error = %v", err)
	}
	envelope, _ := io.ReadAll(encStream)

	decStream, err := NewCartDecryptReader(bytes.NewReader(envelope), []byte("wrong-password"))
	if err != nil {
		t.Fatalf("NewCartDecryptReader() error = %v", err)
	}
	got, _ := io.ReadAll(decStream)
	if bytes.Equal(got, plaintext) {
		t.Error("decrypting with the wrong password must not recover the plaintext")
	}
}

func TestCartEncryptStream_HashTripleMatchesPlaintext(t *testing.T) {
	plaintext := []byte("hash me please")
	var salt [16]byte

	encStream, err := NewCartEncryptStream(bytes.NewReader(plaintext), []byte("pw"), salt)
	if err != nil {
		t.Fatalf("NewCartEncryptStream() error = %v", err)
	}
	if _, err := io.ReadAll(encStream); err != nil {
		t.Fatalf("drain stream error = %v", err)
	}

	triple := encStream.Triple()
	if triple.Sha256 == "" || triple.Sha1 == "" || triple.Md5 == "" {
		t.Errorf("expected all three hashes populated, got %+v", triple)
	}

	direct := newHashingWriter()
	direct.Write(plaintext)
	want := direct.triple()
	if triple != want {
		t.Errorf("triple = %+v, want %+v", triple, want)
	}
}

func TestCartEncryptStream_DifferentSaltsProduceDifferentEnvelopes(t *testing.T) {
	plaintext := []byte("same content, different salt")
	var saltA, saltB [16]byte
	copy(saltA[:], "aaaaaaaaaaaaaaaa")
	copy(saltB[:], "bbbbbbbbbbbbbbbb")

	streamA, _ := NewCartEncryptStream(bytes.NewReader(plaintext), []byte("pw"), saltA)
	envelopeA, _ := io.ReadAll(streamA)

	streamB, _ := NewCartEncryptStream(bytes.NewReader(plaintext), []byte("pw"), saltB)
	envelopeB, _ := io.ReadAll(streamB)

	if bytes.Equal(envelopeA, envelopeB) {
		t.Error("different salts must produce different envelopes for identical plaintext")
	}
}
