package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/models"
	"github.com/tg-relay-bot/internal/services/history"
)

// conversation describes one AI exchange: which history it reads and
// extends, the system prompt, and the notices for its failure modes
type conversation struct {
	mode        Mode
	scope       history.Scope
	prompt      string
	rateLimited string
	failed      string
}

func (d *Dispatcher) converse(ctx context.Context, msg models.IncomingMessage, conv conversation, log *logrus.Entry) error {
	log = log.WithField("scope", conv.scope.String())

	if !d.limiter.Admit(msg.UserID, d.now()) {
		d.metrics.RecordRateLimitExceeded(conv.mode.String())
		return d.notify(ctx, msg, conv.rateLimited, map[string]interface{}{"Name": msg.AuthorName})
	}

	past := d.state.History(conv.scope)

	aiCtx := ctx
	if d.aiTimeout > 0 {
		var cancel context.CancelFunc
		aiCtx, cancel = context.WithTimeout(ctx, d.aiTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := d.aiService.Generate(aiCtx, conv.prompt, past, msg.Text)
	if err != nil {
		d.metrics.RecordAIRequest(d.aiService.Name(), "error", time.Since(start))
		log.WithError(err).WithField("backend", d.aiService.Name()).Error("Failed to get AI response")
		return d.notify(ctx, msg, conv.failed, nil)
	}
	d.metrics.RecordAIRequest(d.aiService.Name(), "success", time.Since(start))

	// The reply is still delivered when saving fails; the exchange stays
	// in memory and goes out with the next successful save.
	if err := d.state.AppendExchange(ctx, conv.scope, msg.Text, reply); err != nil {
		log.WithError(err).Error("Failed to persist conversation")
	}

	if err := d.sender.SendMessage(ctx, msg.ChannelID, reply); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}

	log.WithFields(logrus.Fields{
		"prior_turns": len(past),
		"latency":     time.Since(start).Round(time.Millisecond),
	}).Info("Response sent")
	return nil
}
