package telegram

import (
	"context"
	"fmt"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/config"
	"github.com/tg-relay-bot/pkg/markdown"
	"golang.org/x/time/rate"
)

// MaxMessageLength is the longest text Telegram accepts in one message
const MaxMessageLength = 4096

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sender delivers replies and notices to Telegram chats
type Sender struct {
	bot     messageSender
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewSender throttles outbound calls to cfg.SendRate per second
func NewSender(bot messageSender, cfg *config.BotConfig, logger *logrus.Logger) *Sender {
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst < 1 {
		burst = 1
	}

	return &Sender{
		bot:     bot,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// SendMessage renders text as Telegram HTML and sends it, split into as
// many messages as the length limit requires
func (s *Sender) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range SplitMessage(text, MaxMessageLength) {
		if err := s.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendChunk(ctx context.Context, chatID int64, chunk string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	if html := markdown.ToTelegramHTML(chunk); html != "" {
		msg := tgbotapi.NewMessage(chatID, html)
		msg.ParseMode = tgbotapi.ModeHTML
		_, err := s.bot.Send(msg)
		if err == nil {
			return nil
		}
		// If HTML parsing fails, try plain text
		s.logger.WithError(err).WithField("chat_id", chatID).Debug("HTML send failed, retrying as plain text")

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// SplitMessage cuts text into pieces of at most limit UTF-16 code units,
// the unit Telegram measures message length in, preferring to break at a
// newline or space in the second half of each piece
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if utf16Len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for utf16Len(runes) > limit {
		cut, skip := breakPoint(runes[:fit(runes, limit)])
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut+skip:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// fit returns how many leading runes fit in limit code units, never fewer
// than one
func fit(runes []rune, limit int) int {
	n := 0
	for i, r := range runes {
		n += utf16.RuneLen(r)
		if n > limit {
			return max(i, 1)
		}
	}
	return len(runes)
}

func breakPoint(window []rune) (cut, skip int) {
	for _, sep := range []rune{'\n', ' '} {
		for i := len(window) - 1; i >= len(window)/2 && i > 0; i-- {
			if window[i] == sep {
				return i, 1
			}
		}
	}
	return len(window), 0
}

func utf16Len(runes []rune) int {
	n := 0
	for _, r := range runes {
		n += utf16.RuneLen(r)
	}
	return n
}
