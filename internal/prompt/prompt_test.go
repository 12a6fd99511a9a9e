package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMessagesWithoutSystem(t *testing.T) {
	msgs := Prompt{User: "write tests"}.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "write tests" {
		t.Fatalf("unexpected message %#v", msgs[0])
	}
}

func TestMessagesWithSystem(t *testing.T) {
	msgs := Prompt{System: "be terse", User: "write tests"}.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[0].Content != "be terse" {
		t.Fatalf("unexpected first message %#v", msgs[0])
	}
	if msgs[1].Role != RoleUser || msgs[1].Content != "write tests" {
		t.Fatalf("unexpected second message %#v", msgs[1])
	}
}

func TestFromMapMissingKeys(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]string
		key  string
	}{
		{name: "no system", in: map[string]string{"user": "hi"}, key: KeySystem},
		{name: "no user", in: map[string]string{"system": ""}, key: KeyUser},
		{name: "empty", in: map[string]string{}, key: KeySystem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromMap(tc.in)
			if err == nil {
				t.Fatalf("expected error")
			}
			mk, ok := err.(*MissingKeyError)
			if !ok {
				t.Fatalf("expected *MissingKeyError, got %T", err)
			}
			if mk.Key != tc.key {
				t.Fatalf("expected missing key %q, got %q", tc.key, mk.Key)
			}
		})
	}
}

func TestFromMapEmptySystemAllowed(t *testing.T) {
	p, err := FromMap(map[string]string{"system": "", "user": "hello"})
	if err != nil {
		t.Fatalf("from map: %v", err)
	}
	if p.System != "" || p.User != "hello" {
		t.Fatalf("unexpected prompt %#v", p)
	}
}

func TestDecodeYAML(t *testing.T) {
	src := "system: |\n  You write Go tests.\nuser: Cover the parser.\n"
	p, err := Decode(strings.NewReader(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.System != "You write Go tests.\n" {
		t.Fatalf("unexpected system %q", p.System)
	}
	if p.User != "Cover the parser." {
		t.Fatalf("unexpected user %q", p.User)
	}
}

func TestLoadFileMissingUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.yaml")
	if err := os.WriteFile(path, []byte("system: hi\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := LoadFile(path)
	if !IsMissingKey(err) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
