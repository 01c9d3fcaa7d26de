package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/config"
	"github.com/tg-relay-bot/internal/i18n"
	"github.com/tg-relay-bot/internal/middleware"
	"github.com/tg-relay-bot/internal/models"
	"github.com/tg-relay-bot/internal/services/ai"
	"github.com/tg-relay-bot/internal/services/contexts"
	"github.com/tg-relay-bot/internal/services/history"
	"github.com/tg-relay-bot/internal/services/state"
	"github.com/tg-relay-bot/pkg/logger"
)

// Mode is the outcome of classifying an incoming message
type Mode int

const (
	ModeIgnored Mode = iota
	ModeCommand
	ModeSetChannel
	ModeKeyword
)

func (m Mode) String() string {
	switch m {
	case ModeCommand:
		return "command"
	case ModeSetChannel:
		return "set_channel"
	case ModeKeyword:
		return "keyword"
	default:
		return "ignored"
	}
}

// Sender delivers text to a chat
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Dispatcher routes every incoming message to a command, a conversation
// or nothing
type Dispatcher struct {
	prefix    string
	botName   string
	keywords  []string
	aiTimeout time.Duration
	rateLimit config.RateLimitConfig

	state     *state.State
	limiter   middleware.RateLimiter
	resolver  *contexts.Resolver
	aiService ai.Service
	sender    Sender
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger

	commands  map[string]commandFunc
	startedAt time.Time
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. botName is the bot's username; it
// addresses commands and counts as a trigger keyword.
func NewDispatcher(
	cfg *config.Config,
	botName string,
	st *state.State,
	limiter middleware.RateLimiter,
	resolver *contexts.Resolver,
	aiService ai.Service,
	sender Sender,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Dispatcher {
	botName = strings.ToLower(strings.TrimPrefix(botName, "@"))
	keywords := cfg.Bot.KeywordList()
	if botName != "" {
		keywords = append(keywords, botName)
	}

	d := &Dispatcher{
		prefix:    cfg.Bot.CommandPrefix,
		botName:   botName,
		keywords:  keywords,
		aiTimeout: cfg.LLM.Timeout,
		rateLimit: cfg.RateLimit,
		state:     st,
		limiter:   limiter,
		resolver:  resolver,
		aiService: aiService,
		sender:    sender,
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
		now:       time.Now,
	}
	d.commands = d.commandTable()
	return d
}

// Classify picks the dispatch mode for text posted in a channel
func (d *Dispatcher) Classify(text string, channel models.ChannelState) Mode {
	switch {
	case strings.HasPrefix(text, d.prefix):
		return ModeCommand
	case channel.IsSetChannel:
		return ModeSetChannel
	case !channel.IsIgnored && d.matchesKeyword(text):
		return ModeKeyword
	default:
		return ModeIgnored
	}
}

func (d *Dispatcher) matchesKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range d.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// HandleMessage classifies msg and acts on it. Rate limiting, unknown
// contexts and LLM failures are reported in the chat; only a failure to
// deliver a reply is returned.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg models.IncomingMessage) error {
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}

	mode := d.Classify(msg.Text, d.state.Channel(msg.ChannelID))
	d.metrics.RecordMessageReceived(mode.String())

	log := logger.WithMessage(d.logger, uuid.NewString(), msg.ChannelID, msg.UserID).
		WithField("mode", mode.String())

	var err error
	switch mode {
	case ModeCommand:
		err = d.handleCommand(ctx, msg, log)
	case ModeSetChannel:
		err = d.converse(ctx, msg, conversation{
			mode:        mode,
			scope:       history.Channel(msg.ChannelID),
			prompt:      d.resolver.Resolve(msg.ChannelID),
			rateLimited: i18n.MsgRateLimitChannel,
			failed:      i18n.MsgAIErrorChannel,
		}, log)
	case ModeKeyword:
		err = d.converse(ctx, msg, conversation{
			mode:        mode,
			scope:       history.User(msg.UserID),
			prompt:      d.userPrompt(msg),
			rateLimited: i18n.MsgRateLimitKeyword,
			failed:      i18n.MsgAIErrorKeyword,
		}, log)
	default:
		log.Debug("Not responding: no match")
		return nil
	}

	if err != nil {
		log.WithError(err).Error("Failed to handle message")
		d.metrics.RecordMessageProcessed("error")
		return err
	}
	d.metrics.RecordMessageProcessed("success")
	return nil
}

// userPrompt is the channel's prompt plus the user's profile summary
func (d *Dispatcher) userPrompt(msg models.IncomingMessage) string {
	prompt := d.resolver.Resolve(msg.ChannelID)
	if summary := d.state.ProfileSummary(msg.UserID); summary != "" {
		prompt += "\n\nUser profile context: " + summary
	}
	return prompt
}

func (d *Dispatcher) notify(ctx context.Context, msg models.IncomingMessage, messageID string, data map[string]interface{}) error {
	return d.sender.SendMessage(ctx, msg.ChannelID, d.text(msg, messageID, data))
}
