package archive

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt: %v", err)
	}

	plaintext := []byte("ledger contents")
	sealed, err := Seal(plaintext, "correct horse", salt)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output contains plaintext")
	}

	got, err := Open(sealed, "correct horse")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("roundtrip = %q, want %q", got, plaintext)
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	salt, _ := GenerateSalt()
	sealed, err := Seal([]byte("secret"), "right", salt)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open(sealed, "wrong"); err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
}

func TestOpenTamperedCiphertext(t *testing.T) {
	salt, _ := GenerateSalt()
	sealed, err := Seal([]byte("secret"), "pass", salt)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := Open(sealed, "pass"); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}

func TestOpenTruncatedData(t *testing.T) {
	if _, err := Open([]byte("short"), "pass"); err == nil {
		t.Fatal("expected error for truncated data")
	}
}
