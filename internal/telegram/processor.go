package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"promptcaller/internal/metrics"
	"promptcaller/internal/queue"
)

const dedupeTimeout = 2 * time.Second

// Processor drops updates Telegram redelivers (webhook retries, restarts
// while polling) before they reach the dispatcher.
type Processor struct {
	Base    ext.BaseProcessor
	Dedupe  *queue.UpdateDeduplicator
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if p.Dedupe != nil && !p.firstDelivery(ctx.UpdateId) {
		p.Logger.Debug().Int64("update_id", ctx.UpdateId).Msg("duplicate update skipped")
		return nil
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func (p Processor) firstDelivery(updateID int64) bool {
	dctx, cancel := context.WithTimeout(context.Background(), dedupeTimeout)
	defer cancel()
	first, err := p.Dedupe.MarkFirst(dctx, updateID)
	if err != nil {
		p.Logger.Error().Err(err).Int64("update_id", updateID).Msg("failed to dedupe update")
		return true
	}
	return first
}
