// Package state owns the in-memory bot document. Every mutation happens
// under its lock and is followed by a whole-document save.
package state

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/models"
	"github.com/tg-relay-bot/internal/services/history"
)

// Persister saves the whole document
type Persister interface {
	Save(ctx context.Context, doc *models.Document) error
}

// State is the single owned handle on mutable bot data
type State struct {
	mu     sync.RWMutex
	doc    *models.Document
	saveMu sync.Mutex
	store  Persister
	limits history.Limits
	logger *logrus.Logger
}

// New wraps a loaded document. doc is owned by State afterwards.
func New(doc *models.Document, store Persister, limits history.Limits, logger *logrus.Logger) *State {
	if doc == nil {
		doc = models.NewDocument()
	}
	doc.Normalize()
	trimLoaded(doc, limits)
	return &State{
		doc:    doc,
		store:  store,
		limits: limits,
		logger: logger,
	}
}

// Channel returns the flags for a channel
func (s *State) Channel(channelID int64) models.ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.ChannelState{
		IsSetChannel:      s.doc.SetChannels.Has(channelID),
		IsIgnored:         s.doc.IgnoredChannels.Has(channelID),
		ActiveContextName: s.doc.ChannelActiveContexts[channelID],
	}
}

// SetChannelCount returns the number of set channels
func (s *State) SetChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.doc.SetChannels)
}

// SetChannel marks a channel for continuous conversation. It reports
// whether anything changed; unchanged state is not saved again. If the
// save fails the change is reverted.
func (s *State) SetChannel(ctx context.Context, channelID int64) (bool, error) {
	return s.mutate(ctx, func(doc *models.Document) func() {
		if doc.SetChannels.Has(channelID) {
			return nil
		}
		doc.SetChannels[channelID] = struct{}{}
		return func() { delete(doc.SetChannels, channelID) }
	})
}

// UnsetChannel clears the set-channel flag
func (s *State) UnsetChannel(ctx context.Context, channelID int64) (bool, error) {
	return s.mutate(ctx, func(doc *models.Document) func() {
		if !doc.SetChannels.Has(channelID) {
			return nil
		}
		delete(doc.SetChannels, channelID)
		return func() { doc.SetChannels[channelID] = struct{}{} }
	})
}

// IgnoreChannel suppresses keyword replies in a channel
func (s *State) IgnoreChannel(ctx context.Context, channelID int64) (bool, error) {
	return s.mutate(ctx, func(doc *models.Document) func() {
		if doc.IgnoredChannels.Has(channelID) {
			return nil
		}
		doc.IgnoredChannels[channelID] = struct{}{}
		return func() { delete(doc.IgnoredChannels, channelID) }
	})
}

// UnignoreChannel re-enables keyword replies in a channel
func (s *State) UnignoreChannel(ctx context.Context, channelID int64) (bool, error) {
	return s.mutate(ctx, func(doc *models.Document) func() {
		if !doc.IgnoredChannels.Has(channelID) {
			return nil
		}
		delete(doc.IgnoredChannels, channelID)
		return func() { doc.IgnoredChannels[channelID] = struct{}{} }
	})
}

// SetActiveContext associates a context name with a channel
func (s *State) SetActiveContext(ctx context.Context, channelID int64, name string) (bool, error) {
	return s.mutate(ctx, func(doc *models.Document) func() {
		prev, had := doc.ChannelActiveContexts[channelID]
		if prev == name {
			return nil
		}
		doc.ChannelActiveContexts[channelID] = name
		return func() {
			if had {
				doc.ChannelActiveContexts[channelID] = prev
			} else {
				delete(doc.ChannelActiveContexts, channelID)
			}
		}
	})
}

// ClearActiveContext removes a channel's context association
func (s *State) ClearActiveContext(ctx context.Context, channelID int64) (bool, error) {
	return s.mutate(ctx, func(doc *models.Document) func() {
		prev, ok := doc.ChannelActiveContexts[channelID]
		if !ok {
			return nil
		}
		delete(doc.ChannelActiveContexts, channelID)
		return func() { doc.ChannelActiveContexts[channelID] = prev }
	})
}

// History returns a copy of the log for scope
func (s *State) History(scope history.Scope) []models.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CopyTurns(s.historyLocked(scope))
}

// ProfileSummary returns the reserved per-user summary
func (s *State) ProfileSummary(userID int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if uc, ok := s.doc.UserSpecificContext[userID]; ok {
		return uc.ProfileSummary
	}
	return ""
}

// AppendExchange adds a user turn and the model reply in one critical
// section so concurrent exchanges on the same scope never interleave.
// The turns stay in memory when the save fails and go out with the next
// successful save.
func (s *State) AppendExchange(ctx context.Context, scope history.Scope, userText, reply string) error {
	s.mu.Lock()
	s.appendLocked(scope, models.Turn{Role: models.RoleUser, Text: userText})
	s.appendLocked(scope, models.Turn{Role: models.RoleModel, Text: reply})
	s.mu.Unlock()

	return s.Save(ctx)
}

// Snapshot returns a deep copy of the document
func (s *State) Snapshot() *models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// Save persists the current document
func (s *State) Save(ctx context.Context) error {
	// The snapshot is taken while holding saveMu, so a later save always
	// carries every mutation an earlier save carried.
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if err := s.store.Save(ctx, s.Snapshot()); err != nil {
		s.logger.WithError(err).Error("Failed to save bot data")
		return err
	}
	return nil
}

// mutate applies fn under the lock. fn returns nil when it changed nothing,
// otherwise a function that reverts its change, run if the save fails.
func (s *State) mutate(ctx context.Context, fn func(doc *models.Document) func()) (bool, error) {
	s.mu.Lock()
	undo := fn(s.doc)
	s.mu.Unlock()

	if undo == nil {
		return false, nil
	}
	if err := s.Save(ctx); err != nil {
		s.mu.Lock()
		undo()
		s.mu.Unlock()
		return false, err
	}
	return true, nil
}

func (s *State) historyLocked(scope history.Scope) []models.Turn {
	switch scope.Kind {
	case history.ChannelScope:
		return s.doc.MainChatHistory[scope.ID]
	default:
		if uc, ok := s.doc.UserSpecificContext[scope.ID]; ok {
			return uc.RollingHistory
		}
		return nil
	}
}

func (s *State) appendLocked(scope history.Scope, turn models.Turn) {
	max := s.limits.For(scope.Kind)
	switch scope.Kind {
	case history.ChannelScope:
		s.doc.MainChatHistory[scope.ID] = history.Append(s.doc.MainChatHistory[scope.ID], turn, max)
	default:
		uc, ok := s.doc.UserSpecificContext[scope.ID]
		if !ok {
			uc = &models.UserContext{}
			s.doc.UserSpecificContext[scope.ID] = uc
			s.logger.WithField("user_id", scope.ID).Info("Initialized new user context")
		}
		uc.RollingHistory = history.Append(uc.RollingHistory, turn, max)
	}
}

// trimLoaded cuts histories loaded from storage down to the current caps
func trimLoaded(doc *models.Document, limits history.Limits) {
	for id, turns := range doc.MainChatHistory {
		doc.MainChatHistory[id] = history.Trim(turns, limits.Channel)
	}
	for _, uc := range doc.UserSpecificContext {
		uc.RollingHistory = history.Trim(uc.RollingHistory, limits.User)
	}
}
