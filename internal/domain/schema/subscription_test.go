package schema

import (
	"errors"
	"reflect"
	"testing"

	"github.com/coachpo/relay/errs"
)

func TestSnapshotDerivesPresenceNames(t *testing.T) {
	snap := Snapshot{
		Channels: []Entry{{Name: "room1", Presence: true}, {Name: "alerts"}},
		Groups:   []Entry{{Name: "lobby", Presence: true}},
	}

	wantChannels := []string{"alerts", "room1", "room1-pnpres"}
	if got := snap.SubscribeChannels(); !reflect.DeepEqual(got, wantChannels) {
		t.Fatalf("SubscribeChannels = %v, want %v", got, wantChannels)
	}
	wantGroups := []string{"lobby", "lobby-pnpres"}
	if got := snap.SubscribeGroups(); !reflect.DeepEqual(got, wantGroups) {
		t.Fatalf("SubscribeGroups = %v, want %v", got, wantGroups)
	}
	if got := snap.ChannelNames(); !reflect.DeepEqual(got, []string{"alerts", "room1"}) {
		t.Fatalf("ChannelNames = %v", got)
	}
	if !snap.WithPresence() {
		t.Fatal("expected snapshot to report presence")
	}
}

func TestSnapshotEmpty(t *testing.T) {
	if !(Snapshot{}).Empty() {
		t.Fatal("zero snapshot must be empty")
	}
	if (Snapshot{Groups: []Entry{{Name: "g"}}}).Empty() {
		t.Fatal("snapshot with a group must not be empty")
	}
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	snap := Snapshot{Channels: []Entry{{Name: "a"}}, Version: 3}
	clone := snap.Clone()
	clone.Channels[0].Name = "b"
	if snap.Channels[0].Name != "a" {
		t.Fatal("clone must not share backing storage")
	}
	if clone.Version != 3 {
		t.Fatalf("expected version to be copied, got %d", clone.Version)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"room1", "chat.*", "a-b_c"}
	for _, name := range valid {
		if err := ValidateName("channel", name); err != nil {
			t.Fatalf("expected %q to be valid: %v", name, err)
		}
	}
	invalid := []string{"", "room1-pnpres", "a,b", "a/b", "has space"}
	for _, name := range invalid {
		err := ValidateName("channel", name)
		if err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
		var e *errs.E
		if !errors.As(err, &e) || e.Code != errs.CodeSubscriptionConflict {
			t.Fatalf("expected subscription conflict for %q, got %v", name, err)
		}
	}
}
