package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-relay-bot/internal/config"
	"github.com/tg-relay-bot/internal/i18n"
	"github.com/tg-relay-bot/internal/middleware"
	"github.com/tg-relay-bot/internal/models"
	"github.com/tg-relay-bot/internal/services/ai"
	"github.com/tg-relay-bot/internal/services/contexts"
	"github.com/tg-relay-bot/internal/services/history"
	"github.com/tg-relay-bot/internal/services/state"
	"github.com/tg-relay-bot/internal/services/storage"
	"github.com/tg-relay-bot/pkg/logger"
)

const (
	channelID     int64 = -100
	userID        int64 = 7
	defaultPrompt       = "You are a helpful AI assistant."
)

type aiCall struct {
	prompt  string
	history []models.Turn
	message string
}

type fakeAI struct {
	mu    sync.Mutex
	calls []aiCall
	err   error
}

func (f *fakeAI) Generate(ctx context.Context, prompt string, past []models.Turn, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, aiCall{prompt: prompt, history: past, message: message})
	if f.err != nil {
		return "", f.err
	}
	return "reply to " + message, nil
}

func (f *fakeAI) Name() string { return "fake" }

func (f *fakeAI) Calls() []aiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]aiCall(nil), f.calls...)
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return f.err
}

func (f *fakeSender) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		texts = append(texts, m.text)
	}
	return texts
}

func (f *fakeSender) Last() string {
	texts := f.Texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type harness struct {
	d      *Dispatcher
	ai     *fakeAI
	sender *fakeSender
	state  *state.State
	store  *storage.MemoryStorage
	clock  time.Time
}

type failingPersister struct{}

func (failingPersister) Save(ctx context.Context, doc *models.Document) error {
	return errors.New("disk full")
}

func newHarness(t *testing.T, doc *models.Document) *harness {
	t.Helper()
	return newHarnessWithStore(t, doc, nil)
}

// newHarnessWithStore persists through persister instead of the harness's
// memory store when persister is non-nil
func newHarnessWithStore(t *testing.T, doc *models.Document, persister state.Persister) *harness {
	t.Helper()

	cfg := &config.Config{
		Bot:       config.BotConfig{CommandPrefix: "/", Keywords: "bot, AI"},
		LLM:       config.LLMConfig{Timeout: time.Second},
		RateLimit: config.RateLimitConfig{Enabled: true, MaxPrompts: 3, WindowSeconds: 8},
	}

	localizer, err := i18n.NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en", "zh"}})
	require.NoError(t, err)

	h := &harness{
		ai:     &fakeAI{},
		sender: &fakeSender{},
		store:  storage.NewMemoryStorage(),
		clock:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	if persister == nil {
		persister = h.store
	}
	h.state = state.New(doc, persister, history.Limits{User: 100, Channel: 200}, logger.Discard())
	resolver := contexts.NewResolver(map[string]string{"pirate": "Talk like a pirate."}, defaultPrompt, h.state, logger.Discard())
	limiter := middleware.NewSlidingWindowLimiter(cfg.RateLimit.MaxPrompts, cfg.RateLimit.Window(), logger.Discard())

	h.d = NewDispatcher(cfg, "@Relay_Bot", h.state, limiter, resolver, h.ai, h.sender, localizer, middleware.NewMetrics(), logger.Discard())
	h.d.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) post(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, h.d.HandleMessage(context.Background(), message(userID, text)))
}

func message(from int64, text string) models.IncomingMessage {
	return models.IncomingMessage{
		ChannelID:    channelID,
		UserID:       from,
		Text:         text,
		AuthorName:   "@alice",
		LanguageCode: "en",
	}
}

func TestClassify(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name     string
		text     string
		channel  models.ChannelState
		expected Mode
	}{
		{"command", "/help", models.ChannelState{}, ModeCommand},
		{"command wins in set channel", "/help", models.ChannelState{IsSetChannel: true}, ModeCommand},
		{"command wins in ignored channel", "/unignore", models.ChannelState{IsIgnored: true}, ModeCommand},
		{"set channel", "hello", models.ChannelState{IsSetChannel: true}, ModeSetChannel},
		{"set channel beats keyword", "hello bot", models.ChannelState{IsSetChannel: true}, ModeSetChannel},
		{"keyword", "is this a bot?", models.ChannelState{}, ModeKeyword},
		{"keyword is case-insensitive", "Ask the Ai", models.ChannelState{}, ModeKeyword},
		{"bot name", "hey @relay_bot", models.ChannelState{}, ModeKeyword},
		{"ignored channel", "is this a bot?", models.ChannelState{IsIgnored: true}, ModeIgnored},
		{"no match", "hello", models.ChannelState{}, ModeIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, h.d.Classify(tt.text, tt.channel))
		})
	}

	assert.Contains(t, h.d.keywords, "relay_bot")
}

func TestSetChannelConversation(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, "/setchannel")
	assert.Equal(t, "This channel has been set for continuous conversation.", h.sender.Last())

	for i := 0; i < 3; i++ {
		h.post(t, "hello")
	}

	calls := h.ai.Calls()
	require.Len(t, calls, 3)
	assert.Empty(t, calls[0].history)
	assert.Equal(t, []models.Turn{
		{Role: models.RoleUser, Text: "hello"},
		{Role: models.RoleModel, Text: "reply to hello"},
	}, calls[1].history)
	assert.Equal(t, defaultPrompt, calls[0].prompt)
	assert.Len(t, h.state.History(history.Channel(channelID)), 6)
	assert.Empty(t, h.state.History(history.User(userID)))

	h.post(t, "hello")
	assert.Len(t, h.ai.Calls(), 3)
	assert.Len(t, h.state.History(history.Channel(channelID)), 6)
	assert.Equal(t, "@alice, you're sending messages too quickly in this AI channel! Please wait a moment.", h.sender.Last())

	saved, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved.MainChatHistory[channelID], 6)
	assert.True(t, saved.SetChannels.Has(channelID))
}

func TestRateLimitWindowExpires(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 4; i++ {
		h.post(t, "ask the bot")
	}
	assert.Len(t, h.ai.Calls(), 3)

	h.clock = h.clock.Add(8 * time.Second)
	h.post(t, "ask the bot")
	assert.Len(t, h.ai.Calls(), 4)
}

func TestKeywordUsesUserHistory(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, "is this a bot?")

	calls := h.ai.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, defaultPrompt, calls[0].prompt)
	assert.Equal(t, "is this a bot?", calls[0].message)
	assert.Equal(t, "reply to is this a bot?", h.sender.Last())

	assert.Equal(t, []models.Turn{
		{Role: models.RoleUser, Text: "is this a bot?"},
		{Role: models.RoleModel, Text: "reply to is this a bot?"},
	}, h.state.History(history.User(userID)))
	assert.Empty(t, h.state.History(history.Channel(channelID)))

	h.post(t, "another bot question")
	calls = h.ai.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].history, 2)
}

func TestKeywordIncludesProfileSummary(t *testing.T) {
	doc := models.NewDocument()
	doc.UserSpecificContext[userID] = &models.UserContext{ProfileSummary: "likes cats"}
	h := newHarness(t, doc)

	h.post(t, "bot, hi")

	calls := h.ai.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, defaultPrompt+"\n\nUser profile context: likes cats", calls[0].prompt)
}

func TestIgnoredChannel(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, "/ignore")
	assert.Equal(t, "Keyword replies are now ignored in this channel.", h.sender.Last())

	h.post(t, "is this a bot?")
	assert.Empty(t, h.ai.Calls())
	assert.Len(t, h.sender.Texts(), 1)

	h.post(t, "/unignore")
	h.post(t, "is this a bot?")
	assert.Len(t, h.ai.Calls(), 1)
}

func TestNoMatchIsSilent(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, "hello everyone")
	assert.Empty(t, h.ai.Calls())
	assert.Empty(t, h.sender.Texts())
}

func TestLLMFailureLeavesHistoryUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	h.ai.err = fmt.Errorf("%w: quota exceeded", ai.ErrLLMCallFailed)

	h.post(t, "is this a bot?")

	assert.Len(t, h.ai.Calls(), 1)
	assert.Empty(t, h.state.History(history.User(userID)))
	assert.Equal(t, []string{"Sorry, I couldn't process that keyword request right now."}, h.sender.Texts())

	used, _ := h.d.limiter.Usage(userID, h.clock)
	assert.Equal(t, 1, used)
}

func TestLLMFailureInSetChannel(t *testing.T) {
	h := newHarness(t, nil)
	h.post(t, "/setchannel")
	h.ai.err = errors.New("timeout")

	h.post(t, "hello")

	assert.Empty(t, h.state.History(history.Channel(channelID)))
	assert.Equal(t, "Sorry, I couldn't continue our conversation right now.", h.sender.Last())
}

func TestSendFailureIsReturned(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.err = errors.New("network down")

	err := h.d.HandleMessage(context.Background(), message(userID, "is this a bot?"))
	require.Error(t, err)
	assert.Len(t, h.state.History(history.User(userID)), 2)
}

func TestCommandsTakePrecedenceInSetChannel(t *testing.T) {
	h := newHarness(t, nil)
	h.post(t, "/setchannel")

	h.post(t, "/help")
	assert.Empty(t, h.ai.Calls())
	assert.True(t, strings.HasPrefix(h.sender.Last(), "*Available commands (prefix: `/`):*"))
	assert.Contains(t, h.sender.Last(), "pirate")
	assert.Empty(t, h.state.History(history.Channel(channelID)))
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.post(t, "/setchannel")

	h.post(t, "/dance with the bot")
	assert.Empty(t, h.ai.Calls())
	assert.Equal(t, "Unknown command `/dance`. Use `/help` to see what I can do.", h.sender.Last())
}

func TestCommandAddressing(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, "/HELP@relay_bot")
	require.Len(t, h.sender.Texts(), 1)
	assert.Contains(t, h.sender.Last(), "Available commands")

	h.post(t, "/help@other_bot")
	assert.Len(t, h.sender.Texts(), 1)
}

func TestChannelToggles(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, "/setchannel")
	h.post(t, "/setchannel")
	h.post(t, "/unsetchannel")
	h.post(t, "/unsetchannel")
	h.post(t, "/unignore")

	assert.Equal(t, []string{
		"This channel has been set for continuous conversation.",
		"This channel is already set for continuous conversation.",
		"This channel has been unset from continuous conversation.",
		"This channel was not set for continuous conversation.",
		"Keyword replies were not ignored in this channel.",
	}, h.sender.Texts())
	assert.False(t, h.state.Channel(channelID).IsSetChannel)
}

func TestContextCommands(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, "/setcontext PIRATE")
	assert.Equal(t, "AI context for this channel set to: `pirate`.", h.sender.Last())

	h.post(t, "/setcontext astronaut")
	assert.Equal(t, "Context `astronaut` not found. Available contexts: pirate", h.sender.Last())
	assert.Equal(t, "pirate", h.state.Channel(channelID).ActiveContextName)

	h.post(t, "ahoy bot")
	calls := h.ai.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Talk like a pirate.", calls[0].prompt)

	h.post(t, "/setcontext")
	assert.Equal(t, "Usage: `/setcontext <name>`. Available contexts: pirate", h.sender.Last())

	h.post(t, "/contexts")
	assert.Equal(t, "Available contexts: pirate", h.sender.Last())

	h.post(t, "/unsetcontext")
	assert.Equal(t, "Custom AI context for this channel has been removed. Reverting to default.", h.sender.Last())

	h.post(t, "/unsetcontext")
	assert.Equal(t, "This channel does not have a custom AI context set.", h.sender.Last())
}

func TestRateLimitCommand(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, "is this a bot?")
	h.post(t, "/ratelimit")
	assert.Equal(t, "You have used 1 of 3 AI prompts in the last 8 seconds.", h.sender.Last())
}

func TestTimeCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.d.startedAt = h.clock.Add(-90 * time.Second)

	h.post(t, "/time")
	assert.Equal(t, "Bot uptime: 1m30s", h.sender.Last())
}

func TestNoticesFollowUserLanguage(t *testing.T) {
	h := newHarness(t, nil)

	msg := message(userID, "/dance")
	msg.LanguageCode = "zh-CN"
	require.NoError(t, h.d.HandleMessage(context.Background(), msg))
	assert.Equal(t, "未知命令 `/dance`。使用 `/help` 查看可用命令。", h.sender.Last())

	msg.LanguageCode = "fr"
	require.NoError(t, h.d.HandleMessage(context.Background(), msg))
	assert.Equal(t, "Unknown command `/dance`. Use `/help` to see what I can do.", h.sender.Last())
}

func TestConcurrentKeywordMessages(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for u := int64(1); u <= 20; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			assert.NoError(t, h.d.HandleMessage(context.Background(), message(u, "hi bot")))
		}(u)
	}
	wg.Wait()

	assert.Len(t, h.ai.Calls(), 20)
	saved, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, saved.UserSpecificContext, 20)
	for u := int64(1); u <= 20; u++ {
		assert.Len(t, saved.UserSpecificContext[u].RollingHistory, 2)
	}
}

func TestCommandSaveFailureLeavesChannelUnchanged(t *testing.T) {
	h := newHarnessWithStore(t, nil, failingPersister{})

	h.post(t, "/setchannel")
	assert.Equal(t, "Something went wrong, please try again later.", h.sender.Last())
	assert.False(t, h.state.Channel(channelID).IsSetChannel)

	h.post(t, "hello")
	assert.Empty(t, h.ai.Calls())

	h.post(t, "/setcontext pirate")
	assert.Equal(t, "Something went wrong, please try again later.", h.sender.Last())
	assert.Empty(t, h.state.Channel(channelID).ActiveContextName)
}

func TestLoadedHistoryIsCappedBeforeReachingTheModel(t *testing.T) {
	doc := models.NewDocument()
	doc.SetChannels[channelID] = struct{}{}
	for i := 0; i < 150; i++ {
		doc.MainChatHistory[channelID] = append(doc.MainChatHistory[channelID],
			models.Turn{Role: models.RoleUser, Text: fmt.Sprintf("q%d", i)},
			models.Turn{Role: models.RoleModel, Text: fmt.Sprintf("a%d", i)},
		)
	}
	h := newHarness(t, doc)

	h.post(t, "hello")

	calls := h.ai.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].history, 200)
	assert.Len(t, h.state.History(history.Channel(channelID)), 200)
}
