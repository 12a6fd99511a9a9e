package caller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"promptcaller/internal/metrics"
	"promptcaller/internal/prompt"
)

const (
	DefaultMaxTokens  = 4096
	DefaultChunkDelay = 10 * time.Millisecond

	streamHeader = "Streaming results from LLM model..."
)

type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
)

// Request is what a Completer receives for one streamed completion.
type Request struct {
	Model     string
	Messages  []prompt.Message
	MaxTokens int
}

// Stream yields chunks until it returns io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

type Completer interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Result is the outcome of one Call. A Partial result carries whatever text
// arrived before StreamErr ended the stream.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	UsageEstimated   bool
	Model            string
	FinishReason     string
	Status           Status
	StreamErr        error
}

func (r Result) Partial() bool {
	return r.Status == StatusPartial
}

// Config configures a Caller. Out receives the streamed tokens and
// defaults to stdout.
type Config struct {
	Model       string
	Backend     Backend
	Completer   Completer
	Out         io.Writer
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	ChunkDelay  time.Duration
	StrictUsage bool
}

type Caller struct {
	model       string
	backend     Backend
	completer   Completer
	out         io.Writer
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	chunkDelay  time.Duration
	strictUsage bool
}

func New(cfg Config) (*Caller, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is empty")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer is nil")
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend = Hosted()
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Caller{
		model:       cfg.Model,
		backend:     cfg.Backend,
		completer:   cfg.Completer,
		out:         cfg.Out,
		logger:      cfg.Logger,
		metrics:     m,
		chunkDelay:  cfg.ChunkDelay,
		strictUsage: cfg.StrictUsage,
	}, nil
}

func (c *Caller) Model() string    { return c.model }
func (c *Caller) Backend() Backend { return c.backend }

// Call streams one completion for p. Tokens are echoed to the configured
// writer as they arrive. Errors while streaming do not fail the call; they
// end the stream early and mark the result Partial.
func (c *Caller) Call(ctx context.Context, p prompt.Prompt, maxTokens int) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	started := time.Now()
	messages := p.Messages()
	stream, err := c.completer.Stream(ctx, Request{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		c.metrics.Calls.WithLabelValues(c.backend.String(), "error").Inc()
		return Result{}, fmt.Errorf("dispatch completion: %w", err)
	}
	defer stream.Close()

	chunks, streamErr := c.consume(ctx, stream)
	if streamErr != nil {
		c.metrics.StreamErrors.Inc()
		c.logger.Error().Err(streamErr).Str("model", c.model).Int("chunks", len(chunks)).Msg("error during streaming")
	}

	resp, err := Assemble(chunks, messages, c.strictUsage)
	if err != nil {
		c.metrics.Calls.WithLabelValues(c.backend.String(), "error").Inc()
		return Result{}, fmt.Errorf("reassemble stream: %w", err)
	}

	res := Result{
		Text:             resp.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		UsageEstimated:   resp.Usage.Estimated,
		Model:            resp.Model,
		FinishReason:     resp.FinishReason,
		Status:           StatusComplete,
	}
	if res.Model == "" {
		res.Model = c.model
	}
	if streamErr != nil {
		res.Status = StatusPartial
		res.StreamErr = streamErr
	}

	c.metrics.Calls.WithLabelValues(c.backend.String(), string(res.Status)).Inc()
	c.metrics.PromptTokens.Add(float64(res.PromptTokens))
	c.metrics.CompletionTokens.Add(float64(res.CompletionTokens))
	c.metrics.CallDuration.Observe(time.Since(started).Seconds())
	return res, nil
}

func (c *Caller) consume(ctx context.Context, stream Stream) ([]Chunk, error) {
	chunks := make([]Chunk, 0, 64)
	fmt.Fprintln(c.out, streamHeader)
	defer fmt.Fprint(c.out, "\n\n")

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		fmt.Fprint(c.out, chunk.Content)
		chunks = append(chunks, chunk)

		if c.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return chunks, ctx.Err()
			case <-time.After(c.chunkDelay):
			}
		}
	}
}
