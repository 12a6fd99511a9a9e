package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// MaxMessageRunes is the longest text Notify sends; longer text is cut.
const MaxMessageRunes = 4000

// Notifier sends worker answers back as replies to the originating message.
type Notifier struct {
	bot *gotgbot.Bot
}

func NewNotifier(bot *gotgbot.Bot) *Notifier {
	return &Notifier{bot: bot}
}

func (n *Notifier) Notify(ctx context.Context, chatID, replyTo int64, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	_, err := n.bot.SendMessageWithContext(ctx, chatID, clip(text), opts)
	return err
}

func clip(text string) string {
	if text == "" {
		return "(empty response)"
	}
	r := []rune(text)
	if len(r) > MaxMessageRunes {
		return string(r[:MaxMessageRunes])
	}
	return text
}
