package chat

import (
	"fmt"
	"sync"
	"time"
)

// RestrictionState is the in-memory view of active bans and mutes consulted on
// the hot send path. It is bootstrapped from storage at startup and kept
// current by applying moderation events, both locally issued and received over
// the fanout queue.
type RestrictionState struct {
	mu    sync.RWMutex
	bans  map[string]map[string]struct{}
	mutes map[string]map[string]time.Time
}

// NewRestrictionState returns an empty state.
func NewRestrictionState() *RestrictionState {
	return &RestrictionState{
		bans:  make(map[string]map[string]struct{}),
		mutes: make(map[string]map[string]time.Time),
	}
}

// Bootstrap replaces the state with the provided snapshot.
func (s *RestrictionState) Bootstrap(snapshot RestrictionsSnapshot) {
	copied := snapshot.Copy()
	s.mu.Lock()
	s.bans = copied.Bans
	s.mutes = copied.Mutes
	if s.bans == nil {
		s.bans = make(map[string]map[string]struct{})
	}
	if s.mutes == nil {
		s.mutes = make(map[string]map[string]time.Time)
	}
	s.mu.Unlock()
}

// EnsureAllowed returns ErrRestricted when the user is banned or has an
// unexpired mute in the channel. Expired mutes are pruned lazily.
func (s *RestrictionState) EnsureAllowed(channelID, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if users, ok := s.bans[channelID]; ok {
		if _, banned := users[userID]; banned {
			return fmt.Errorf("%w: banned from channel", ErrRestricted)
		}
	}
	if users, ok := s.mutes[channelID]; ok {
		if expiry, muted := users[userID]; muted {
			if now.Before(expiry) {
				return fmt.Errorf("%w: muted until %s", ErrRestricted, expiry.UTC().Format(time.RFC3339))
			}
			delete(users, userID)
			if len(users) == 0 {
				delete(s.mutes, channelID)
			}
		}
	}
	return nil
}

// Apply folds a moderation event into the state. Delete actions carry no
// restriction change and are ignored.
func (s *RestrictionState) Apply(event ModerationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event.Action {
	case ModerationActionBan:
		users, ok := s.bans[event.ChannelID]
		if !ok {
			users = make(map[string]struct{})
			s.bans[event.ChannelID] = users
		}
		users[event.TargetID] = struct{}{}
	case ModerationActionUnban:
		if users, ok := s.bans[event.ChannelID]; ok {
			delete(users, event.TargetID)
			if len(users) == 0 {
				delete(s.bans, event.ChannelID)
			}
		}
	case ModerationActionMute:
		if event.ExpiresAt == nil {
			return
		}
		users, ok := s.mutes[event.ChannelID]
		if !ok {
			users = make(map[string]time.Time)
			s.mutes[event.ChannelID] = users
		}
		users[event.TargetID] = *event.ExpiresAt
	case ModerationActionUnmute:
		if users, ok := s.mutes[event.ChannelID]; ok {
			delete(users, event.TargetID)
			if len(users) == 0 {
				delete(s.mutes, event.ChannelID)
			}
		}
	}
}

// Snapshot returns a deep copy of the current state.
func (s *RestrictionState) Snapshot() RestrictionsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RestrictionsSnapshot{Bans: s.bans, Mutes: s.mutes}.Copy()
}
