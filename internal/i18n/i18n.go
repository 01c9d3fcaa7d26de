package i18n

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/tg-relay-bot/internal/config"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a localizer for the configured languages
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{cfg.DefaultLanguage}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range languages {
		if _, err := bundle.LoadMessageFileFS(localeFS, fmt.Sprintf("locales/%s.json", lang)); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	if _, ok := localizers[cfg.DefaultLanguage]; !ok {
		return nil, fmt.Errorf("default language %q is not among the loaded languages", cfg.DefaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns the localized message. lang may be a full tag such as
// "en-US"; only its base language is used.
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[baseLanguage(lang)]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

func baseLanguage(lang string) string {
	if lang == "" {
		return ""
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	return base.String()
}

// Message IDs
const (
	MsgHelp              = "help"
	MsgUnknownCommand    = "unknown_command"
	MsgChannelSet        = "channel_set"
	MsgChannelAlreadySet = "channel_already_set"
	MsgChannelUnset      = "channel_unset"
	MsgChannelNotSet     = "channel_not_set"
	MsgIgnored           = "keywords_ignored"
	MsgAlreadyIgnored    = "keywords_already_ignored"
	MsgUnignored         = "keywords_unignored"
	MsgNotIgnored        = "keywords_not_ignored"
	MsgContextSet        = "context_set"
	MsgContextNotFound   = "context_not_found"
	MsgContextUsage      = "context_usage"
	MsgContextUnset      = "context_unset"
	MsgNoContext         = "no_context"
	MsgContextList       = "context_list"
	MsgNone              = "none"
	MsgRateLimitKeyword  = "rate_limit_keyword"
	MsgRateLimitChannel  = "rate_limit_channel"
	MsgRateLimitStatus   = "rate_limit_status"
	MsgRateLimitDisabled = "rate_limit_disabled"
	MsgAIErrorKeyword    = "ai_error_keyword"
	MsgAIErrorChannel    = "ai_error_channel"
	MsgUptime            = "uptime"
	MsgError             = "error"
)
