package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"promptcaller/internal/queue"
	"promptcaller/internal/storage"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.Join([]string{
		"Commands:",
		"/help",
		"/ask <text>",
		"/usage",
	}, "\n")
	return s.reply(ctx, b, text)
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	text := strings.TrimSpace(commandRemainder(msg.GetText()))
	if text == "" {
		return s.reply(ctx, b, "Usage: /ask <text>")
	}
	if s.queue == nil {
		return s.reply(ctx, b, "Queue is not configured.")
	}

	if !s.allowRate(ctx.EffectiveChat.Id, userID(ctx), b, ctx) {
		return nil
	}

	job := queue.CallJob{
		Source:    queue.SourceTelegram,
		ChatID:    ctx.EffectiveChat.Id,
		UserID:    userID(ctx),
		MessageID: msg.MessageId,
		System:    s.defaultSystem,
		User:      text,
		MaxTokens: s.maxTokens,
	}
	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue /ask job")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	return s.reply(ctx, b, "Accepted. Processing in queue.")
}

func (s *Service) usage(b *gotgbot.Bot, ctx *ext.Context) error {
	if s.store == nil {
		return s.reply(ctx, b, "Usage ledger is not configured.")
	}
	usage, err := s.store.UsageByModel(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("usage query failed")
		return s.reply(ctx, b, "Failed to load usage.")
	}
	return s.reply(ctx, b, formatUsage(usage))
}

func (s *Service) allowRate(chatID, userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.rateLimiter == nil {
		return true
	}
	d, err := s.rateLimiter.Allow(context.Background(), queue.TelegramSubject(chatID, userID), s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if d.Allowed {
		return true
	}
	_ = s.reply(ctx, b, "Rate limit exceeded. Try again after "+d.ResetAt.Format("15:04 UTC"))
	return false
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func formatUsage(usage []storage.ModelUsage) string {
	if len(usage) == 0 {
		return "No calls recorded yet."
	}
	lines := make([]string, 0, len(usage)+1)
	lines = append(lines, "Usage by model:")
	for _, u := range usage {
		line := fmt.Sprintf("%s: %d calls, %d prompt / %d completion tokens", u.Model, u.Calls, u.PromptTokens, u.CompletionTokens)
		if u.PartialCalls > 0 {
			line += fmt.Sprintf(" (%d partial)", u.PartialCalls)
		}
		if u.FailedCalls > 0 {
			line += fmt.Sprintf(" (%d failed)", u.FailedCalls)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
