package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-relay-bot/internal/config"
	"github.com/tg-relay-bot/internal/models"
	"github.com/tg-relay-bot/pkg/logger"
)

func newTestClient(url string) *OpenAICompatible {
	return NewOpenAICompatible(&config.OpenAIConfig{
		BaseURL:     url + "/",
		APIKey:      "secret",
		Model:       "test-model",
		MaxTokens:   64,
		Temperature: 0.5,
	}, 5*time.Second, logger.Discard())
}

func TestOpenAICompatible_Generate(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"choices":[{"message":{"content":"Ahoy!"}}]}`))
	}))
	defer srv.Close()

	history := []models.Turn{
		{Role: models.RoleUser, Text: "hello"},
		{Role: models.RoleModel, Text: "hi"},
	}
	reply, err := newTestClient(srv.URL).Generate(context.Background(), "Talk like a pirate.", history, "how are you?")
	require.NoError(t, err)
	assert.Equal(t, "Ahoy!", reply)

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, []chatMessage{
		{Role: "system", Content: "Talk like a pirate."},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "how are you?"},
	}, got.Messages)
}

func TestOpenAICompatible_ErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), "", nil, "hello")
	require.ErrorIs(t, err, ErrLLMCallFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAICompatible_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), "", nil, "hello")
	require.ErrorIs(t, err, ErrLLMCallFailed)
}

func TestOpenAICompatible_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), "", nil, "hello")
	require.ErrorIs(t, err, ErrLLMCallFailed)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestGeminiContents(t *testing.T) {
	history := []models.Turn{
		{Role: models.RoleUser, Text: "hello"},
		{Role: models.RoleModel, Text: "hi"},
	}
	contents := geminiContents(history, "next")
	require.Len(t, contents, 3)
	assert.Equal(t, "user", string(contents[0].Role))
	assert.Equal(t, "model", string(contents[1].Role))
	assert.Equal(t, "user", string(contents[2].Role))
	require.Len(t, contents[2].Parts, 1)
	assert.Equal(t, "next", contents[2].Parts[0].Text)
}
