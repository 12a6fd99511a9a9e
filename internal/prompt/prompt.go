package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	KeySystem = "system"
	KeyUser   = "user"

	RoleSystem = "system"
	RoleUser   = "user"
)

// MissingKeyError reports a prompt that lacks one of its required keys.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("prompt is missing required key %q", e.Key)
}

// IsMissingKey reports whether err is (or wraps) a MissingKeyError.
func IsMissingKey(err error) bool {
	var mk *MissingKeyError
	return errors.As(err, &mk)
}

// Prompt is a system/user instruction pair. System may be empty.
type Prompt struct {
	System string `json:"system" yaml:"system"`
	User   string `json:"user" yaml:"user"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p Prompt) Validate() error {
	if strings.TrimSpace(p.User) == "" {
		return &MissingKeyError{Key: KeyUser}
	}
	return nil
}

// Messages returns [user] when System is empty and [system, user] otherwise.
func (p Prompt) Messages() []Message {
	if p.System == "" {
		return []Message{{Role: RoleUser, Content: p.User}}
	}
	return []Message{
		{Role: RoleSystem, Content: p.System},
		{Role: RoleUser, Content: p.User},
	}
}

// FromMap builds a Prompt from a loosely typed mapping. Both keys must be
// present; system may map to an empty string.
func FromMap(m map[string]string) (Prompt, error) {
	system, ok := m[KeySystem]
	if !ok {
		return Prompt{}, &MissingKeyError{Key: KeySystem}
	}
	user, ok := m[KeyUser]
	if !ok {
		return Prompt{}, &MissingKeyError{Key: KeyUser}
	}
	p := Prompt{System: system, User: user}
	if err := p.Validate(); err != nil {
		return Prompt{}, err
	}
	return p, nil
}

// Decode reads a YAML mapping with system and user keys.
func Decode(r io.Reader) (Prompt, error) {
	raw := map[string]string{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return Prompt{}, &MissingKeyError{Key: KeySystem}
		}
		return Prompt{}, fmt.Errorf("decode prompt yaml: %w", err)
	}
	return FromMap(raw)
}

func LoadFile(path string) (Prompt, error) {
	f, err := os.Open(path)
	if err != nil {
		return Prompt{}, fmt.Errorf("open prompt file %q: %w", path, err)
	}
	defer f.Close()

	p, err := Decode(f)
	if err != nil {
		return Prompt{}, fmt.Errorf("prompt file %q: %w", path, err)
	}
	return p, nil
}
