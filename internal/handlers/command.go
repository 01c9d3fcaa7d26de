package handlers

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/i18n"
	"github.com/tg-relay-bot/internal/models"
	"github.com/tg-relay-bot/internal/services/contexts"
)

// commandFunc runs a command and returns the reply to send
type commandFunc func(ctx context.Context, msg models.IncomingMessage, args string) (string, error)

func (d *Dispatcher) commandTable() map[string]commandFunc {
	return map[string]commandFunc{
		"start":        d.handleHelp,
		"help":         d.handleHelp,
		"setchannel":   d.handleSetChannel,
		"unsetchannel": d.handleUnsetChannel,
		"ignore":       d.handleIgnore,
		"unignore":     d.handleUnignore,
		"setcontext":   d.handleSetContext,
		"unsetcontext": d.handleUnsetContext,
		"contexts":     d.handleContexts,
		"ratelimit":    d.handleRateLimit,
		"time":         d.handleTime,
	}
}

// parseCommand splits "/name@bot args" into its parts. ok is false when the
// command is addressed to a different bot.
func (d *Dispatcher) parseCommand(text string) (name, args string, ok bool) {
	body := strings.TrimPrefix(text, d.prefix)
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		name, args = body[:i], strings.TrimSpace(body[i:])
	} else {
		name = body
	}

	if at := strings.IndexByte(name, '@'); at >= 0 {
		target := strings.ToLower(name[at+1:])
		name = name[:at]
		if target != "" && target != d.botName {
			return "", "", false
		}
	}
	return strings.ToLower(name), args, true
}

func (d *Dispatcher) handleCommand(ctx context.Context, msg models.IncomingMessage, log *logrus.Entry) error {
	name, args, ok := d.parseCommand(msg.Text)
	if !ok {
		log.Debug("Command addressed to another bot")
		return nil
	}
	log = log.WithField("command", name)

	handler, found := d.commands[name]
	if !found {
		d.metrics.RecordCommandExecuted("unknown")
		log.Debug("Unknown command")
		return d.notify(ctx, msg, i18n.MsgUnknownCommand, map[string]interface{}{
			"Command": d.prefix + name,
			"Prefix":  d.prefix,
		})
	}

	d.metrics.RecordCommandExecuted(name)
	reply, err := handler(ctx, msg, args)
	if err != nil {
		log.WithError(err).Error("Command failed")
		reply = d.localizer.Get(msg.LanguageCode, i18n.MsgError, nil)
	}
	return d.sender.SendMessage(ctx, msg.ChannelID, reply)
}

func (d *Dispatcher) text(msg models.IncomingMessage, messageID string, data map[string]interface{}) string {
	return d.localizer.Get(msg.LanguageCode, messageID, data)
}

func (d *Dispatcher) contextList(msg models.IncomingMessage) string {
	names := d.resolver.Names()
	if len(names) == 0 {
		return d.text(msg, i18n.MsgNone, nil)
	}
	return strings.Join(names, ", ")
}

func (d *Dispatcher) handleHelp(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	return d.text(msg, i18n.MsgHelp, map[string]interface{}{
		"Prefix":   d.prefix,
		"Contexts": d.contextList(msg),
		"Keywords": strings.Join(d.keywords, ", "),
	}), nil
}

// toggle runs a state change and picks the reply for changed or unchanged
func (d *Dispatcher) toggle(msg models.IncomingMessage, change func() (bool, error), changedMsg, unchangedMsg string) (string, error) {
	changed, err := change()
	if err != nil {
		return "", err
	}
	if !changed {
		return d.text(msg, unchangedMsg, nil), nil
	}
	return d.text(msg, changedMsg, nil), nil
}

func (d *Dispatcher) handleSetChannel(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	reply, err := d.toggle(msg, func() (bool, error) {
		return d.state.SetChannel(ctx, msg.ChannelID)
	}, i18n.MsgChannelSet, i18n.MsgChannelAlreadySet)
	d.metrics.SetSetChannels(d.state.SetChannelCount())
	return reply, err
}

func (d *Dispatcher) handleUnsetChannel(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	reply, err := d.toggle(msg, func() (bool, error) {
		return d.state.UnsetChannel(ctx, msg.ChannelID)
	}, i18n.MsgChannelUnset, i18n.MsgChannelNotSet)
	d.metrics.SetSetChannels(d.state.SetChannelCount())
	return reply, err
}

func (d *Dispatcher) handleIgnore(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	return d.toggle(msg, func() (bool, error) {
		return d.state.IgnoreChannel(ctx, msg.ChannelID)
	}, i18n.MsgIgnored, i18n.MsgAlreadyIgnored)
}

func (d *Dispatcher) handleUnignore(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	return d.toggle(msg, func() (bool, error) {
		return d.state.UnignoreChannel(ctx, msg.ChannelID)
	}, i18n.MsgUnignored, i18n.MsgNotIgnored)
}

func (d *Dispatcher) handleSetContext(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	if args == "" {
		return d.text(msg, i18n.MsgContextUsage, map[string]interface{}{
			"Prefix":   d.prefix,
			"Contexts": d.contextList(msg),
		}), nil
	}

	name, err := d.resolver.SetContext(ctx, msg.ChannelID, args)
	switch {
	case errors.Is(err, contexts.ErrContextNotFound):
		return d.text(msg, i18n.MsgContextNotFound, map[string]interface{}{
			"Name":     name,
			"Contexts": d.contextList(msg),
		}), nil
	case err != nil:
		return "", err
	}
	return d.text(msg, i18n.MsgContextSet, map[string]interface{}{"Name": name}), nil
}

func (d *Dispatcher) handleUnsetContext(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	return d.toggle(msg, func() (bool, error) {
		return d.resolver.UnsetContext(ctx, msg.ChannelID)
	}, i18n.MsgContextUnset, i18n.MsgNoContext)
}

func (d *Dispatcher) handleContexts(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	return d.text(msg, i18n.MsgContextList, map[string]interface{}{"Contexts": d.contextList(msg)}), nil
}

func (d *Dispatcher) handleRateLimit(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	if !d.rateLimit.Enabled {
		return d.text(msg, i18n.MsgRateLimitDisabled, nil), nil
	}
	used, max := d.limiter.Usage(msg.UserID, d.now())
	return d.text(msg, i18n.MsgRateLimitStatus, map[string]interface{}{
		"Used":    used,
		"Max":     max,
		"Seconds": d.rateLimit.WindowSeconds,
	}), nil
}

func (d *Dispatcher) handleTime(ctx context.Context, msg models.IncomingMessage, args string) (string, error) {
	uptime := d.now().Sub(d.startedAt).Round(time.Second)
	return d.text(msg, i18n.MsgUptime, map[string]interface{}{"Uptime": uptime.String()}), nil
}
