package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"promptcaller/internal/caller"
	"promptcaller/internal/crypto"
	"promptcaller/internal/metrics"
	"promptcaller/internal/prompt"
	"promptcaller/internal/queue"
	"promptcaller/internal/storage"
)

const incompleteMarker = "\n\n[incomplete: stream interrupted]"

type PromptCaller interface {
	Call(ctx context.Context, p prompt.Prompt, maxTokens int) (caller.Result, error)
	Model() string
	Backend() caller.Backend
}

type JobQueue interface {
	EnsureGroup(ctx context.Context) error
	Enqueue(ctx context.Context, job queue.CallJob) (string, error)
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
}

// Notifier delivers a job's answer back to the chat it came from.
type Notifier interface {
	Notify(ctx context.Context, chatID, replyTo int64, text string) error
}

type Worker struct {
	caller         PromptCaller
	store          *storage.Store
	queue          JobQueue
	sealer         *crypto.Sealer
	notifier       Notifier
	maxTokens      int
	maxJobRetries  int
	maxAnswerRunes int
	logger         zerolog.Logger
	metrics        *metrics.Metrics
}

// Config configures a Worker. MaxAnswerRunes caps delivered answers, keeping
// room for the incomplete marker; 0 means no cap.
type Config struct {
	Caller         PromptCaller
	Store          *storage.Store
	Queue          JobQueue
	Sealer         *crypto.Sealer
	Notifier       Notifier
	MaxTokens      int
	MaxJobRetries  int
	MaxAnswerRunes int
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		caller:         cfg.Caller,
		store:          cfg.Store,
		queue:          cfg.Queue,
		sealer:         cfg.Sealer,
		notifier:       cfg.Notifier,
		maxTokens:      cfg.MaxTokens,
		maxJobRetries:  cfg.MaxJobRetries,
		maxAnswerRunes: cfg.MaxAnswerRunes,
		logger:         cfg.Logger,
		metrics:        m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.ProcessJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries && !prompt.IsMissingKey(err) {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	if recErr := w.recordFailure(ctx, msg.Job, err); recErr != nil {
		log.Error().Err(recErr).Str("job_id", msg.Job.JobID).Msg("failed to record job failure")
	}
	w.notify(ctx, msg.Job, "LLM provider error. Please try again later.")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// ProcessJob runs one job through the caller, records it in the ledger and
// delivers the answer. Partial results are recorded and delivered, not retried.
func (w *Worker) ProcessJob(ctx context.Context, job queue.CallJob) error {
	p := prompt.Prompt{System: job.System, User: job.User}
	maxTokens := job.MaxTokens
	if maxTokens <= 0 {
		maxTokens = w.maxTokens
	}

	res, err := w.caller.Call(ctx, p, maxTokens)
	if err != nil {
		return fmt.Errorf("call model: %w", err)
	}

	if err := w.record(ctx, job, p, res); err != nil {
		return err
	}

	w.logger.Info().
		Str("job_id", job.JobID).
		Str("status", string(res.Status)).
		Int("prompt_tokens", res.PromptTokens).
		Int("completion_tokens", res.CompletionTokens).
		Bool("usage_estimated", res.UsageEstimated).
		Msg("job processed")

	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = "Model returned an empty response."
	}
	w.notify(ctx, job, w.answerText(text, res.Partial()))
	return nil
}

func (w *Worker) record(ctx context.Context, job queue.CallJob, p prompt.Prompt, res caller.Result) error {
	if w.store == nil {
		return nil
	}
	system, err := w.sealer.Seal(p.System, job.JobID)
	if err != nil {
		return fmt.Errorf("seal system prompt: %w", err)
	}
	user, err := w.sealer.Seal(p.User, job.JobID)
	if err != nil {
		return fmt.Errorf("seal user prompt: %w", err)
	}
	response, err := w.sealer.Seal(res.Text, job.JobID)
	if err != nil {
		return fmt.Errorf("seal response: %w", err)
	}

	rec := storage.CallRecord{
		JobID:            job.JobID,
		Source:           job.Source,
		Model:            w.caller.Model(),
		Backend:          w.caller.Backend().String(),
		Status:           string(res.Status),
		SystemPrompt:     system,
		UserPrompt:       user,
		Response:         response,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		UsageEstimated:   res.UsageEstimated,
	}
	if res.StreamErr != nil {
		rec.StreamError = res.StreamErr.Error()
	}
	if _, err := w.store.InsertCall(ctx, rec); err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// recordFailure stores a terminal failure so job lookups can tell it apart
// from a job that is still queued.
func (w *Worker) recordFailure(ctx context.Context, job queue.CallJob, cause error) error {
	if w.store == nil {
		return nil
	}
	system, err := w.sealer.Seal(job.System, job.JobID)
	if err != nil {
		return fmt.Errorf("seal system prompt: %w", err)
	}
	user, err := w.sealer.Seal(job.User, job.JobID)
	if err != nil {
		return fmt.Errorf("seal user prompt: %w", err)
	}
	if _, err := w.store.InsertCall(ctx, storage.CallRecord{
		JobID:        job.JobID,
		Source:       job.Source,
		Model:        w.caller.Model(),
		Backend:      w.caller.Backend().String(),
		Status:       storage.StatusFailed,
		SystemPrompt: system,
		UserPrompt:   user,
		Error:        cause.Error(),
	}); err != nil {
		return fmt.Errorf("record failed call: %w", err)
	}
	return nil
}

// answerText fits text into maxAnswerRunes, trimming the body rather than the
// incomplete marker.
func (w *Worker) answerText(text string, partial bool) string {
	suffix := ""
	if partial {
		suffix = incompleteMarker
	}
	if w.maxAnswerRunes > 0 {
		room := w.maxAnswerRunes - utf8.RuneCountInString(suffix)
		if r := []rune(text); room >= 0 && len(r) > room {
			text = string(r[:room])
		}
	}
	return text + suffix
}

func (w *Worker) notify(ctx context.Context, job queue.CallJob, text string) {
	if w.notifier == nil || job.Source != queue.SourceTelegram || job.ChatID == 0 {
		return
	}
	if err := w.notifier.Notify(ctx, job.ChatID, job.MessageID, text); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.JobID).Int64("chat_id", job.ChatID).Msg("failed to deliver answer")
	}
}
