package models

import (
	"encoding/json"
	"sort"
)

// Role identifies the author of a turn
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn represents one role-tagged message in a conversation history
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// IncomingMessage is a chat message delivered by the platform adapter
type IncomingMessage struct {
	ChannelID    int64
	UserID       int64
	Text         string
	AuthorName   string
	LanguageCode string
}

// ChannelState represents the per-channel flags derived from the document
type ChannelState struct {
	IsSetChannel      bool
	IsIgnored         bool
	ActiveContextName string
}

// UserContext represents the per-user conversation state
type UserContext struct {
	RollingHistory []Turn `json:"rolling_history"`
	ProfileSummary string `json:"profile_summary"`
}

// ChannelSet is a set of channel ids. It serializes as a sorted array.
type ChannelSet map[int64]struct{}

// Has reports whether id is a member of the set
func (s ChannelSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order
func (s ChannelSet) Sorted() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s ChannelSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *ChannelSet) UnmarshalJSON(data []byte) error {
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	set := make(ChannelSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	*s = set
	return nil
}

// Document is the whole persisted bot state
type Document struct {
	SetChannels           ChannelSet             `json:"set_channels"`
	IgnoredChannels       ChannelSet             `json:"ignored_channels"`
	ChannelActiveContexts map[int64]string       `json:"channel_active_contexts"`
	MainChatHistory       map[int64][]Turn       `json:"main_chat_history"`
	UserSpecificContext   map[int64]*UserContext `json:"user_specific_context"`
}

// NewDocument returns an empty document with every container allocated
func NewDocument() *Document {
	doc := &Document{}
	doc.Normalize()
	return doc
}

// Normalize fills in containers missing from a decoded document
func (d *Document) Normalize() {
	if d.SetChannels == nil {
		d.SetChannels = make(ChannelSet)
	}
	if d.IgnoredChannels == nil {
		d.IgnoredChannels = make(ChannelSet)
	}
	if d.ChannelActiveContexts == nil {
		d.ChannelActiveContexts = make(map[int64]string)
	}
	if d.MainChatHistory == nil {
		d.MainChatHistory = make(map[int64][]Turn)
	}
	if d.UserSpecificContext == nil {
		d.UserSpecificContext = make(map[int64]*UserContext)
	}
	for id, uc := range d.UserSpecificContext {
		if uc == nil {
			d.UserSpecificContext[id] = &UserContext{}
		}
	}
}

// Clone returns a deep copy of the document
func (d *Document) Clone() *Document {
	out := NewDocument()
	for id := range d.SetChannels {
		out.SetChannels[id] = struct{}{}
	}
	for id := range d.IgnoredChannels {
		out.IgnoredChannels[id] = struct{}{}
	}
	for id, name := range d.ChannelActiveContexts {
		out.ChannelActiveContexts[id] = name
	}
	for id, turns := range d.MainChatHistory {
		out.MainChatHistory[id] = CopyTurns(turns)
	}
	for id, uc := range d.UserSpecificContext {
		if uc == nil {
			continue
		}
		out.UserSpecificContext[id] = &UserContext{
			RollingHistory: CopyTurns(uc.RollingHistory),
			ProfileSummary: uc.ProfileSummary,
		}
	}
	return out
}

// CopyTurns returns an independent copy of turns
func CopyTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
