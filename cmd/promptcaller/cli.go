package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"promptcaller/internal/caller"
	"promptcaller/internal/config"
	"promptcaller/internal/prompt"
)

type cliOptions struct {
	promptFile string
	system     string
	user       string
	maxTokens  int
	set        map[string]bool
}

func parseCLI(args []string, defaultSystem string, defaultMaxTokens int) (cliOptions, error) {
	fs := flag.NewFlagSet("promptcaller", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts := cliOptions{set: map[string]bool{}}
	fs.StringVar(&opts.promptFile, "prompt", "", "YAML file with system and user keys")
	fs.StringVar(&opts.system, "system", defaultSystem, "system prompt")
	fs.StringVar(&opts.user, "user", "", "user prompt")
	fs.IntVar(&opts.maxTokens, "max-tokens", defaultMaxTokens, "completion token budget")
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	if opts.maxTokens <= 0 {
		return cliOptions{}, config.ErrInvalidMaxTokens
	}
	return opts, nil
}

// prompt resolves the prompt from -prompt or from -system/-user. The system
// key is always present through its default.
func (o cliOptions) prompt() (prompt.Prompt, error) {
	if o.promptFile != "" {
		return prompt.LoadFile(o.promptFile)
	}
	values := map[string]string{prompt.KeySystem: o.system}
	if o.set["user"] {
		values[prompt.KeyUser] = o.user
	}
	return prompt.FromMap(values)
}

func runCLI(ctx context.Context, cfg *config.Config, pc *caller.Caller, args []string) error {
	opts, err := parseCLI(args, cfg.LLM.DefaultSystem, cfg.LLM.MaxTokens)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	p, err := opts.prompt()
	if err != nil {
		return err
	}

	res, err := pc.Call(ctx, p, opts.maxTokens)
	if err != nil {
		return err
	}
	ev := log.Info()
	if res.Partial() {
		ev = log.Warn().AnErr("stream_error", res.StreamErr)
	}
	ev.Str("status", string(res.Status)).
		Int("prompt_tokens", res.PromptTokens).
		Int("completion_tokens", res.CompletionTokens).
		Bool("usage_estimated", res.UsageEstimated).
		Str("finish_reason", res.FinishReason).
		Msg("call finished")
	if !cfg.LLM.EchoStream {
		fmt.Println(res.Text)
	}
	return nil
}
