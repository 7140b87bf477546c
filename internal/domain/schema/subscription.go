package schema

import (
	"sort"
	"strings"

	"github.com/coachpo/relay/errs"
)

// PresenceSuffix derives the presence channel from a channel or group name.
const PresenceSuffix = "-pnpres"

// Entry is one subscribed channel or group.
type Entry struct {
	Name string
	// Presence requests the derived presence channel as well.
	Presence bool
}

// Snapshot is an immutable view of the subscription set at a point in time.
type Snapshot struct {
	Channels []Entry
	Groups   []Entry
	// Version increases on every effective mutation of the set.
	Version uint64
}

// Empty reports whether nothing is subscribed.
func (s Snapshot) Empty() bool {
	return len(s.Channels) == 0 && len(s.Groups) == 0
}

// WithPresence reports whether any entry requests presence.
func (s Snapshot) WithPresence() bool {
	for _, entry := range s.Channels {
		if entry.Presence {
			return true
		}
	}
	for _, entry := range s.Groups {
		if entry.Presence {
			return true
		}
	}
	return false
}

// ChannelNames returns the subscribed channel names without presence derivations.
func (s Snapshot) ChannelNames() []string {
	return names(s.Channels, false)
}

// GroupNames returns the subscribed group names without presence derivations.
func (s Snapshot) GroupNames() []string {
	return names(s.Groups, false)
}

// SubscribeChannels returns channel names plus derived presence channels, sorted.
func (s Snapshot) SubscribeChannels() []string {
	return names(s.Channels, true)
}

// SubscribeGroups returns group names plus derived presence groups, sorted.
func (s Snapshot) SubscribeGroups() []string {
	return names(s.Groups, true)
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Channels: append([]Entry(nil), s.Channels...),
		Groups:   append([]Entry(nil), s.Groups...),
		Version:  s.Version,
	}
}

func names(entries []Entry, withPresence bool) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries)*2)
	for _, entry := range entries {
		out = append(out, entry.Name)
		if withPresence && entry.Presence {
			out = append(out, entry.Name+PresenceSuffix)
		}
	}
	sort.Strings(out)
	return out
}

// IsPresenceName reports whether name is a derived presence channel.
func IsPresenceName(name string) bool {
	return strings.HasSuffix(name, PresenceSuffix)
}

// TrimPresence strips the presence suffix, if any.
func TrimPresence(name string) string {
	return strings.TrimSuffix(name, PresenceSuffix)
}

// ValidateName rejects names the service would refuse as a subscription target.
func ValidateName(kind, name string) error {
	if name == "" {
		return errs.New("subscription/"+kind, errs.CodeSubscriptionConflict, errs.WithMessage(kind+" name required"))
	}
	if IsPresenceName(name) {
		return errs.New("subscription/"+kind, errs.CodeSubscriptionConflict,
			errs.WithMessage("presence channels are derived, subscribe with presence instead"),
			errs.WithField("name", name))
	}
	if strings.ContainsAny(name, ",/?#\\ ") {
		return errs.New("subscription/"+kind, errs.CodeSubscriptionConflict,
			errs.WithMessage("name contains a reserved character"),
			errs.WithField("name", name))
	}
	if len(name) > 92 {
		return errs.New("subscription/"+kind, errs.CodeSubscriptionConflict,
			errs.WithMessage("name longer than 92 characters"),
			errs.WithField("name", name))
	}
	return nil
}
