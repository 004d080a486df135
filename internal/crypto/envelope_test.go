package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := s.Seal("sk-provider-key")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "sk-provider-key") {
		t.Fatalf("sealed value leaks plaintext: %s", sealed)
	}

	out, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-provider-key" {
		t.Fatalf("expected original key, got %q", out)
	}
}

func TestOpenRejectsPlainValue(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	if _, err := s.Open("sk-plain"); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("expected ErrNotSealed, got %v", err)
	}
}

func TestRotationOpenOldResealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	before, err := NewSealer("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old sealer: %v", err)
	}
	legacy, err := before.Seal("legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	after, err := NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated sealer: %v", err)
	}
	resealed, err := after.Reseal(legacy)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if !strings.Contains(resealed, `"key_id":"new"`) {
		t.Fatalf("expected resealed value under new key, got %s", resealed)
	}
	plain, err := after.Open(resealed)
	if err != nil {
		t.Fatalf("open resealed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	if _, err := before.Open(resealed); err == nil {
		t.Fatalf("expected old sealer to reject unknown key id")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
