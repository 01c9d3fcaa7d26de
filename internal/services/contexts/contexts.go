package contexts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/models"
)

// ErrContextNotFound reports a context name that was not loaded at startup
var ErrContextNotFound = errors.New("context not found")

// LoadDir reads every *.txt file in dir. The context name is the lowercased
// file name without its extension; the prompt is the trimmed file content.
// A missing directory yields an empty table.
func LoadDir(dir string, logger *logrus.Logger) (map[string]string, error) {
	loaded := make(map[string]string)

	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		logger.WithField("dir", dir).Warn("Context directory not found, no custom contexts will be loaded")
		return loaded, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat context directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("context path %s is not a directory", dir)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to list context files: %w", err)
	}

	for _, path := range paths {
		base := filepath.Base(path)
		name := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))

		data, err := os.ReadFile(path)
		if err != nil {
			logger.WithError(err).WithField("file", base).Error("Error loading context file")
			continue
		}
		loaded[name] = strings.TrimSpace(string(data))
		logger.WithFields(logrus.Fields{
			"context": name,
			"file":    base,
		}).Info("Loaded context")
	}

	if len(loaded) == 0 {
		logger.WithField("dir", dir).Info("No context files found")
	}
	return loaded, nil
}

// ChannelStore is the part of the bot state the resolver reads and writes
type ChannelStore interface {
	Channel(channelID int64) models.ChannelState
	SetActiveContext(ctx context.Context, channelID int64, name string) (bool, error)
	ClearActiveContext(ctx context.Context, channelID int64) (bool, error)
}

// Resolver picks the system prompt for a channel
type Resolver struct {
	contexts      map[string]string
	defaultPrompt string
	store         ChannelStore
	logger        *logrus.Logger
}

// NewResolver creates a resolver over a read-only context table
func NewResolver(contexts map[string]string, defaultPrompt string, store ChannelStore, logger *logrus.Logger) *Resolver {
	table := make(map[string]string, len(contexts))
	for name, text := range contexts {
		table[name] = text
	}
	return &Resolver{
		contexts:      table,
		defaultPrompt: defaultPrompt,
		store:         store,
		logger:        logger,
	}
}

// Resolve returns the channel's active context text, or the default
// system prompt when none is set or the name is no longer loaded.
func (r *Resolver) Resolve(channelID int64) string {
	name := r.store.Channel(channelID).ActiveContextName
	if name == "" {
		return r.defaultPrompt
	}
	if text, ok := r.contexts[name]; ok {
		return text
	}
	r.logger.WithFields(logrus.Fields{
		"chat_id": channelID,
		"context": name,
	}).Warn("Active context is not loaded, using default system prompt")
	return r.defaultPrompt
}

// SetContext associates a loaded context with the channel. Names are
// matched case-insensitively. An unknown name leaves the channel as it was.
func (r *Resolver) SetContext(ctx context.Context, channelID int64, name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := r.contexts[name]; !ok {
		return name, fmt.Errorf("%w: %q", ErrContextNotFound, name)
	}
	if _, err := r.store.SetActiveContext(ctx, channelID, name); err != nil {
		return name, err
	}
	return name, nil
}

// UnsetContext reverts the channel to the default prompt and reports
// whether a context had been set.
func (r *Resolver) UnsetContext(ctx context.Context, channelID int64) (bool, error) {
	return r.store.ClearActiveContext(ctx, channelID)
}

// Names returns the loaded context names in order
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.contexts))
	for name := range r.contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
