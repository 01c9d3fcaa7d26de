// Package history bounds conversation logs by evicting the oldest turn pairs.
package history

import (
	"fmt"

	"github.com/tg-relay-bot/internal/models"
)

// ScopeKind selects which log a scope key addresses
type ScopeKind int

const (
	// UserScope logs are used in keyword mode and keyed by user id
	UserScope ScopeKind = iota
	// ChannelScope logs are shared by everyone in a set channel
	ChannelScope
)

func (k ScopeKind) String() string {
	switch k {
	case UserScope:
		return "user"
	case ChannelScope:
		return "channel"
	default:
		return fmt.Sprintf("scope(%d)", int(k))
	}
}

// Scope identifies one conversation log
type Scope struct {
	Kind ScopeKind
	ID   int64
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// User returns the user scope for id
func User(id int64) Scope { return Scope{Kind: UserScope, ID: id} }

// Channel returns the channel scope for id
func Channel(id int64) Scope { return Scope{Kind: ChannelScope, ID: id} }

// Limits holds the maximum entry count per scope kind
type Limits struct {
	User    int
	Channel int
}

// For returns the cap for a scope kind
func (l Limits) For(kind ScopeKind) int {
	if kind == ChannelScope {
		return l.Channel
	}
	return l.User
}

// Append adds one turn to turns and evicts the oldest pairs until the
// log fits in max entries. The input slice is not modified.
func Append(turns []models.Turn, turn models.Turn, max int) []models.Turn {
	out := make([]models.Turn, 0, len(turns)+1)
	out = append(out, turns...)
	out = append(out, turn)
	return Trim(out, max)
}

// Trim evicts whole pairs from the front while len(turns) > max.
// max below 2 is treated as 2 so a single exchange always fits.
func Trim(turns []models.Turn, max int) []models.Turn {
	if max < 2 {
		max = 2
	}
	for len(turns) > max {
		turns = turns[2:]
	}
	return turns
}
