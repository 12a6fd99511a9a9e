package caller

import (
	"errors"
	"strings"

	"promptcaller/internal/prompt"
)

var ErrMissingUsage = errors.New("stream carried no usage block")

const perMessageOverhead = 4

// Usage holds the token counters of one completion. Estimated is set when
// the provider did not report usage and the counts were approximated.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Chunk is one streamed piece of a completion.
type Chunk struct {
	ID           string
	Model        string
	Role         string
	Content      string
	FinishReason string
	Usage        *Usage
}

// Response is a stream reassembled into a single completion.
type Response struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
}

// Assemble merges chunks, in order, into one Response. The last usage block
// reported by the provider wins. Without one, strict returns ErrMissingUsage
// and non-strict estimates the counts from messages and the merged text.
func Assemble(chunks []Chunk, messages []prompt.Message, strict bool) (Response, error) {
	var (
		out   Response
		sb    strings.Builder
		usage *Usage
	)
	for i, c := range chunks {
		if i == 0 {
			out.ID = c.ID
			out.Model = c.Model
		}
		sb.WriteString(c.Content)
		if c.FinishReason != "" {
			out.FinishReason = c.FinishReason
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	out.Content = sb.String()

	if usage != nil {
		out.Usage = Usage{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens}
		return out, nil
	}
	if strict {
		return out, ErrMissingUsage
	}
	out.Usage = Usage{
		PromptTokens:     EstimatePromptTokens(messages),
		CompletionTokens: charsToTokens(len(out.Content)),
		Estimated:        true,
	}
	return out, nil
}

// EstimatePromptTokens approximates the prompt side at one token per four
// characters plus a fixed per-message overhead.
func EstimatePromptTokens(messages []prompt.Message) int {
	tokens := 0
	for _, m := range messages {
		tokens += charsToTokens(len(m.Content)) + perMessageOverhead
	}
	return tokens
}

func charsToTokens(chars int) int {
	return (chars + 3) / 4
}
