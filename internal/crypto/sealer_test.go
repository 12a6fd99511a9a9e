package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := s.Seal("func TestParse(t *testing.T) {}", "job-1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "TestParse") {
		t.Fatalf("expected opaque sealed value, got %q", sealed)
	}

	out, err := s.Open(sealed, "job-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "func TestParse(t *testing.T) {}" {
		t.Fatalf("unexpected plaintext %q", out)
	}

	if _, err := s.Open(sealed, "job-2"); err == nil {
		t.Fatalf("expected open with another job id to fail")
	}
}

func TestRotationOpensOldSealsNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldSealer, err := NewSealer("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old sealer: %v", err)
	}
	legacy, err := oldSealer.Seal("legacy", "j")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated sealer: %v", err)
	}
	plain, err := rotated.Open(legacy, "j")
	if err != nil {
		t.Fatalf("open with old key: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext %q", plain)
	}

	fresh, err := rotated.Seal("fresh", "j")
	if err != nil {
		t.Fatalf("seal with new key: %v", err)
	}
	if _, err := oldSealer.Open(fresh, "j"); err == nil {
		t.Fatalf("old sealer must not know the new key")
	}
}

func TestNilSealerPassesThrough(t *testing.T) {
	var s *Sealer
	out, err := s.Seal("plain", "j")
	if err != nil || out != "plain" {
		t.Fatalf("expected passthrough, got %q %v", out, err)
	}
	out, err = s.Open("plain", "j")
	if err != nil || out != "plain" {
		t.Fatalf("expected passthrough, got %q %v", out, err)
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
