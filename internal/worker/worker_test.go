package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"promptcaller/internal/caller"
	"promptcaller/internal/crypto"
	"promptcaller/internal/prompt"
	"promptcaller/internal/queue"
	"promptcaller/internal/storage"
)

type fakeCaller struct {
	res   caller.Result
	err   error
	calls []prompt.Prompt
	max   []int
}

func (f *fakeCaller) Call(_ context.Context, p prompt.Prompt, maxTokens int) (caller.Result, error) {
	f.calls = append(f.calls, p)
	f.max = append(f.max, maxTokens)
	return f.res, f.err
}

func (f *fakeCaller) Model() string           { return "gpt-4o" }
func (f *fakeCaller) Backend() caller.Backend { return caller.Hosted() }

type sent struct {
	chatID, replyTo int64
	text            string
}

type fakeNotifier struct {
	sent []sent
}

func (f *fakeNotifier) Notify(_ context.Context, chatID, replyTo int64, text string) error {
	f.sent = append(f.sent, sent{chatID: chatID, replyTo: replyTo, text: text})
	return nil
}

type fakeQueue struct {
	enqueued []queue.CallJob
	acked    []string
}

func (f *fakeQueue) EnsureGroup(context.Context) error { return nil }

func (f *fakeQueue) Enqueue(_ context.Context, job queue.CallJob) (string, error) {
	f.enqueued = append(f.enqueued, job)
	return job.JobID, nil
}

func (f *fakeQueue) Read(context.Context, int64) ([]queue.Message, error) { return nil, nil }

func (f *fakeQueue) Ack(_ context.Context, id string) error {
	f.acked = append(f.acked, id)
	return nil
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "w.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProcessJobRecordsAndNotifies(t *testing.T) {
	store := openStore(t)
	fc := &fakeCaller{res: caller.Result{Text: "Hello", PromptTokens: 5, CompletionTokens: 2, Status: caller.StatusComplete}}
	fn := &fakeNotifier{}
	w := New(Config{Caller: fc, Store: store, Notifier: fn, MaxTokens: 512, Logger: zerolog.Nop()})

	job := queue.CallJob{JobID: "j1", Source: queue.SourceTelegram, ChatID: 7, MessageID: 70, System: "sys", User: "hi"}
	if err := w.ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if fc.max[0] != 512 {
		t.Fatalf("expected worker default max tokens, got %d", fc.max[0])
	}

	rec, err := store.GetCallByJobID(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Response != "Hello" || rec.PromptTokens != 5 || rec.CompletionTokens != 2 || rec.Source != queue.SourceTelegram {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(fn.sent) != 1 || fn.sent[0].chatID != 7 || fn.sent[0].replyTo != 70 || fn.sent[0].text != "Hello" {
		t.Fatalf("unexpected notifications %+v", fn.sent)
	}
}

func TestProcessJobPartialIsMarked(t *testing.T) {
	fc := &fakeCaller{res: caller.Result{Text: "Hel", Status: caller.StatusPartial, StreamErr: errors.New("reset")}}
	fn := &fakeNotifier{}
	store := openStore(t)
	w := New(Config{Caller: fc, Store: store, Notifier: fn, Logger: zerolog.Nop()})

	job := queue.CallJob{JobID: "j2", Source: queue.SourceTelegram, ChatID: 1, User: "hi"}
	if err := w.ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("partial results must not fail the job: %v", err)
	}
	if len(fn.sent) != 1 || !strings.HasSuffix(fn.sent[0].text, incompleteMarker) {
		t.Fatalf("expected incomplete marker, got %+v", fn.sent)
	}
	rec, err := store.GetCallByJobID(context.Background(), "j2")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != string(caller.StatusPartial) || rec.StreamError != "reset" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestProcessJobSealsTranscripts(t *testing.T) {
	key, _ := base64.StdEncoding.DecodeString("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	sealer, err := crypto.NewSealer("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	store := openStore(t)
	fc := &fakeCaller{res: caller.Result{Text: "secret answer", Status: caller.StatusComplete}}
	w := New(Config{Caller: fc, Store: store, Sealer: sealer, Logger: zerolog.Nop()})

	if err := w.ProcessJob(context.Background(), queue.CallJob{JobID: "j3", Source: queue.SourceAPI, User: "secret question"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	rec, err := store.GetCallByJobID(context.Background(), "j3")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !crypto.IsSealed(rec.Response) || !crypto.IsSealed(rec.UserPrompt) {
		t.Fatalf("expected sealed transcripts, got %+v", rec)
	}
	plain, err := sealer.Open(rec.Response, "j3")
	if err != nil || plain != "secret answer" {
		t.Fatalf("open response: %q %v", plain, err)
	}
}

func TestHandleRetriesDispatchErrors(t *testing.T) {
	fq := &fakeQueue{}
	fc := &fakeCaller{err: errors.New("503 upstream")}
	w := New(Config{Caller: fc, Queue: fq, MaxJobRetries: 1, Logger: zerolog.Nop()})

	msg := queue.Message{ID: "1-0", Job: queue.CallJob{JobID: "j4", Source: queue.SourceAPI, User: "hi"}}
	w.handle(context.Background(), zerolog.Nop(), msg)
	if len(fq.enqueued) != 1 || fq.enqueued[0].Attempts != 1 {
		t.Fatalf("expected one re-enqueue with attempt 1, got %+v", fq.enqueued)
	}
	if len(fq.acked) != 1 {
		t.Fatalf("expected original message acked, got %v", fq.acked)
	}

	w.handle(context.Background(), zerolog.Nop(), queue.Message{ID: "2-0", Job: fq.enqueued[0]})
	if len(fq.enqueued) != 1 {
		t.Fatalf("retries exhausted, expected no further enqueue")
	}
	if len(fq.acked) != 2 {
		t.Fatalf("expected terminal ack, got %v", fq.acked)
	}
}

func TestHandleDoesNotRetryInvalidPrompt(t *testing.T) {
	fq := &fakeQueue{}
	fc := &fakeCaller{err: &prompt.MissingKeyError{Key: prompt.KeyUser}}
	w := New(Config{Caller: fc, Queue: fq, MaxJobRetries: 3, Logger: zerolog.Nop()})

	w.handle(context.Background(), zerolog.Nop(), queue.Message{ID: "1-0", Job: queue.CallJob{JobID: "j5"}})
	if len(fq.enqueued) != 0 {
		t.Fatalf("invalid prompts must not be retried")
	}
}

func TestHandleRecordsTerminalFailure(t *testing.T) {
	store := openStore(t)
	fq := &fakeQueue{}
	fc := &fakeCaller{err: errors.New("401 unauthorized")}
	w := New(Config{Caller: fc, Store: store, Queue: fq, MaxJobRetries: 0, Logger: zerolog.Nop()})

	job := queue.CallJob{JobID: "j6", Source: queue.SourceAPI, System: "s", User: "hi"}
	w.handle(context.Background(), zerolog.Nop(), queue.Message{ID: "1-0", Job: job})

	rec, err := store.GetCallByJobID(context.Background(), "j6")
	if err != nil {
		t.Fatalf("expected failed job in ledger: %v", err)
	}
	if rec.Status != storage.StatusFailed {
		t.Fatalf("status=%q", rec.Status)
	}
	if !strings.Contains(rec.Error, "401 unauthorized") {
		t.Fatalf("error=%q", rec.Error)
	}
	if len(fq.acked) != 1 {
		t.Fatalf("expected terminal ack, got %v", fq.acked)
	}
}

func TestLongPartialAnswerKeepsMarker(t *testing.T) {
	fn := &fakeNotifier{}
	fc := &fakeCaller{res: caller.Result{
		Text:      strings.Repeat("word ", 200),
		Status:    caller.StatusPartial,
		StreamErr: errors.New("connection reset"),
	}}
	w := New(Config{Caller: fc, Notifier: fn, MaxAnswerRunes: 100, Logger: zerolog.Nop()})

	job := queue.CallJob{JobID: "j7", Source: queue.SourceTelegram, ChatID: 42, MessageID: 3, User: "hi"}
	if err := w.ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fn.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(fn.sent))
	}
	got := fn.sent[0].text
	if !strings.HasSuffix(got, incompleteMarker) {
		t.Fatalf("marker cut off: %q", got)
	}
	if n := len([]rune(got)); n != 100 {
		t.Fatalf("answer length=%d want 100", n)
	}
}
