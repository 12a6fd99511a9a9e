package caller

import (
	"errors"
	"testing"

	"promptcaller/internal/prompt"
)

func TestAssembleUsesLastUsageAndFinishReason(t *testing.T) {
	chunks := []Chunk{
		{ID: "id-1", Model: "llama3", Role: "assistant", Content: "a"},
		{Content: "b", Usage: &Usage{PromptTokens: 1, CompletionTokens: 1}},
		{Content: "c", FinishReason: "length"},
		{Usage: &Usage{PromptTokens: 9, CompletionTokens: 3}},
	}
	resp, err := Assemble(chunks, nil, true)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if resp.ID != "id-1" || resp.Model != "llama3" {
		t.Fatalf("unexpected id/model %q/%q", resp.ID, resp.Model)
	}
	if resp.Content != "abc" || resp.FinishReason != "length" {
		t.Fatalf("unexpected content/finish %q/%q", resp.Content, resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 9 || resp.Usage.CompletionTokens != 3 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestAssembleEstimatesMissingUsage(t *testing.T) {
	msgs := []prompt.Message{{Role: prompt.RoleUser, Content: "12345678"}}
	resp, err := Assemble([]Chunk{{Content: "abcde"}}, msgs, false)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !resp.Usage.Estimated {
		t.Fatalf("expected estimated usage")
	}
	if resp.Usage.PromptTokens != 6 {
		t.Fatalf("expected 6 prompt tokens (2 + overhead 4), got %d", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens != 2 {
		t.Fatalf("expected 2 completion tokens, got %d", resp.Usage.CompletionTokens)
	}
}

func TestAssembleStrictWithoutUsage(t *testing.T) {
	if _, err := Assemble(nil, nil, true); !errors.Is(err, ErrMissingUsage) {
		t.Fatalf("expected ErrMissingUsage, got %v", err)
	}
}
