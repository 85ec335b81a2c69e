package chat

import (
	"errors"
	"testing"
	"time"
)

func TestRestrictionStateBanAndUnban(t *testing.T) {
	state := NewRestrictionState()
	now := time.Now()

	if err := state.EnsureAllowed("chan-1", "user-1", now); err != nil {
		t.Fatalf("expected user allowed before ban, got %v", err)
	}

	state.Apply(ModerationEvent{Action: ModerationActionBan, ChannelID: "chan-1", TargetID: "user-1"})
	if err := state.EnsureAllowed("chan-1", "user-1", now); !errors.Is(err, ErrRestricted) {
		t.Fatalf("expected ErrRestricted after ban, got %v", err)
	}
	if err := state.EnsureAllowed("chan-1", "user-2", now); err != nil {
		t.Fatalf("ban should not affect other users, got %v", err)
	}
	if err := state.EnsureAllowed("chan-2", "user-1", now); err != nil {
		t.Fatalf("ban should not affect other channels, got %v", err)
	}

	state.Apply(ModerationEvent{Action: ModerationActionUnban, ChannelID: "chan-1", TargetID: "user-1"})
	if err := state.EnsureAllowed("chan-1", "user-1", now); err != nil {
		t.Fatalf("expected user allowed after unban, got %v", err)
	}
}

func TestRestrictionStateMuteExpiry(t *testing.T) {
	state := NewRestrictionState()
	now := time.Now()
	expiry := now.Add(time.Minute)

	state.Apply(ModerationEvent{Action: ModerationActionMute, ChannelID: "chan-1", TargetID: "user-1", ExpiresAt: &expiry})
	if err := state.EnsureAllowed("chan-1", "user-1", now); !errors.Is(err, ErrRestricted) {
		t.Fatalf("expected ErrRestricted while muted, got %v", err)
	}
	if err := state.EnsureAllowed("chan-1", "user-1", expiry.Add(time.Second)); err != nil {
		t.Fatalf("expected mute to lapse after expiry, got %v", err)
	}
	// The expired entry is pruned, so a second check stays allowed.
	snapshot := state.Snapshot()
	if len(snapshot.Mutes) != 0 {
		t.Fatalf("expected expired mute pruned, got %v", snapshot.Mutes)
	}
}

func TestRestrictionStateMuteRequiresExpiry(t *testing.T) {
	state := NewRestrictionState()
	state.Apply(ModerationEvent{Action: ModerationActionMute, ChannelID: "chan-1", TargetID: "user-1"})
	if err := state.EnsureAllowed("chan-1", "user-1", time.Now()); err != nil {
		t.Fatalf("mute without expiry must be ignored, got %v", err)
	}
}

func TestRestrictionStateUnmute(t *testing.T) {
	state := NewRestrictionState()
	now := time.Now()
	expiry := now.Add(time.Hour)

	state.Apply(ModerationEvent{Action: ModerationActionMute, ChannelID: "chan-1", TargetID: "user-1", ExpiresAt: &expiry})
	state.Apply(ModerationEvent{Action: ModerationActionUnmute, ChannelID: "chan-1", TargetID: "user-1"})
	if err := state.EnsureAllowed("chan-1", "user-1", now); err != nil {
		t.Fatalf("expected user allowed after unmute, got %v", err)
	}
}

func TestRestrictionStateDeleteIsNoOp(t *testing.T) {
	state := NewRestrictionState()
	state.Apply(ModerationEvent{Action: ModerationActionDelete, ChannelID: "chan-1", TargetID: "user-1", MessageID: "msg-1"})
	if err := state.EnsureAllowed("chan-1", "user-1", time.Now()); err != nil {
		t.Fatalf("delete must not restrict the sender, got %v", err)
	}
}

func TestRestrictionStateBootstrap(t *testing.T) {
	state := NewRestrictionState()
	expiry := time.Now().Add(time.Hour)
	seed := RestrictionsSnapshot{
		Bans:  map[string]map[string]struct{}{"chan-1": {"user-1": {}}},
		Mutes: map[string]map[string]time.Time{"chan-2": {"user-2": expiry}},
	}
	state.Bootstrap(seed)

	if err := state.EnsureAllowed("chan-1", "user-1", time.Now()); !errors.Is(err, ErrRestricted) {
		t.Fatalf("expected bootstrapped ban enforced, got %v", err)
	}
	if err := state.EnsureAllowed("chan-2", "user-2", time.Now()); !errors.Is(err, ErrRestricted) {
		t.Fatalf("expected bootstrapped mute enforced, got %v", err)
	}

	// Mutating the seed after bootstrap must not leak into the state.
	delete(seed.Bans["chan-1"], "user-1")
	if err := state.EnsureAllowed("chan-1", "user-1", time.Now()); !errors.Is(err, ErrRestricted) {
		t.Fatalf("expected state isolated from seed mutation, got %v", err)
	}
}

func TestRestrictionStateSnapshotIsDeepCopy(t *testing.T) {
	state := NewRestrictionState()
	state.Apply(ModerationEvent{Action: ModerationActionBan, ChannelID: "chan-1", TargetID: "user-1"})

	snapshot := state.Snapshot()
	delete(snapshot.Bans["chan-1"], "user-1")

	if err := state.EnsureAllowed("chan-1", "user-1", time.Now()); !errors.Is(err, ErrRestricted) {
		t.Fatalf("expected state isolated from snapshot mutation, got %v", err)
	}
}
