package caller

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"promptcaller/internal/prompt"
)

// OpenAICompleter streams chat completions from an OpenAI-compatible API.
type OpenAICompleter struct {
	client  *openai.Client
	backend Backend
}

var _ Completer = (*OpenAICompleter)(nil)

// NewOpenAICompleter builds a completer for backend. Only self-hosted
// backends forward their API base; hosted ones use the provider default.
func NewOpenAICompleter(backend Backend, apiKey string, httpClient *http.Client) (*OpenAICompleter, error) {
	cfg, err := clientConfig(backend, apiKey)
	if err != nil {
		return nil, err
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg), backend: backend}, nil
}

func clientConfig(backend Backend, apiKey string) (openai.ClientConfig, error) {
	cfg := openai.DefaultConfig(apiKey)
	if !backend.IsSelfHosted() {
		return cfg, nil
	}
	base, err := normalizeAPIBase(backend.APIBase)
	if err != nil {
		return openai.ClientConfig{}, fmt.Errorf("self-hosted backend: %w", err)
	}
	cfg.BaseURL = base
	return cfg, nil
}

func (o *OpenAICompleter) Stream(ctx context.Context, req Request) (Stream, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: chatRole(m.Role), Content: m.Content})
	}

	s, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         wireModel(req.Model),
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}
	return &openAIStream{stream: s}, nil
}

func chatRole(role string) string {
	if role == prompt.RoleSystem {
		return openai.ChatMessageRoleSystem
	}
	return openai.ChatMessageRoleUser
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (Chunk, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return Chunk{}, err
	}
	chunk := Chunk{ID: resp.ID, Model: resp.Model}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		chunk.Role = choice.Delta.Role
		chunk.Content = choice.Delta.Content
		chunk.FinishReason = string(choice.FinishReason)
	}
	if resp.Usage != nil {
		chunk.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
	}
	return chunk, nil
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
