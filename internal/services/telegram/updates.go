package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/models"
)

// ToIncoming converts an update into a message for dispatch. It reports
// false for updates without text and for messages the bot sent itself.
func ToIncoming(update tgbotapi.Update, selfID int64) (models.IncomingMessage, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return models.IncomingMessage{}, false
	}
	if msg.From.ID == selfID {
		return models.IncomingMessage{}, false
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return models.IncomingMessage{}, false
	}

	return models.IncomingMessage{
		ChannelID:    msg.Chat.ID,
		UserID:       msg.From.ID,
		Text:         text,
		AuthorName:   displayName(msg.From),
		LanguageCode: msg.From.LanguageCode,
	}, true
}

func displayName(user *tgbotapi.User) string {
	if user.UserName != "" {
		return "@" + user.UserName
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

type updateDecoder interface {
	HandleUpdate(r *http.Request) (*tgbotapi.Update, error)
}

// NewWebhookRouter accepts webhook posts on path and forwards the decoded
// updates. Posts are rejected once ctx is done.
func NewWebhookRouter(ctx context.Context, bot updateDecoder, path string, updates chan<- tgbotapi.Update, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		update, err := bot.HandleUpdate(r)
		if err != nil {
			logger.WithError(err).Warn("Rejected webhook update")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		select {
		case updates <- *update:
			w.WriteHeader(http.StatusOK)
		case <-ctx.Done():
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		}
	}).Methods(http.MethodPost)

	return router
}

// ServeWebhook runs the webhook server until ctx is cancelled
func ServeWebhook(ctx context.Context, port int, handler http.Handler) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
