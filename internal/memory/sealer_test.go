package memory

import (
	"bytes"
	"testing"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("test-passphrase")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	plaintext := []byte(`{"hello":"memory"}`)

	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("memory")) {
		t.Fatal("sealed value leaks plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestSealerWrongPassphrase(t *testing.T) {
	s1, _ := NewSealer("correct-passphrase")
	s2, _ := NewSealer("wrong-passphrase")

	sealed, err := s1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s2.Open(sealed); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestSealerRejectsShortInput(t *testing.T) {
	s, _ := NewSealer("p")
	if _, err := s.Open([]byte{1, 2}); err == nil {
		t.Fatal("expected error for truncated value")
	}
}
