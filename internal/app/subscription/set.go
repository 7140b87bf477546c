// Package subscription maintains the set of channels and channel groups a client is subscribed to.
package subscription

import (
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/relay/internal/domain/schema"
)

// Change lists the entries a mutation actually added or removed.
type Change struct {
	Channels []schema.Entry
	Groups   []schema.Entry
}

// Empty reports whether the mutation was a no-op.
func (c Change) Empty() bool {
	return len(c.Channels) == 0 && len(c.Groups) == 0
}

// ChannelNames returns the affected channel names.
func (c Change) ChannelNames() []string {
	return entryNames(c.Channels)
}

// GroupNames returns the affected group names.
func (c Change) GroupNames() []string {
	return entryNames(c.Groups)
}

// Snapshot renders the change as a snapshot, used to address leave requests.
func (c Change) Snapshot() schema.Snapshot {
	return schema.Snapshot{
		Channels: append([]schema.Entry(nil), c.Channels...),
		Groups:   append([]schema.Entry(nil), c.Groups...),
	}
}

// Set is a concurrency-safe registry of subscribed channels and groups.
// Readers always observe a whole mutation or none of it.
type Set struct {
	mu       sync.RWMutex
	channels map[string]bool
	groups   map[string]bool
	version  uint64
}

// NewSet creates an empty subscription set.
func NewSet() *Set {
	return &Set{
		mu:       sync.RWMutex{},
		channels: make(map[string]bool),
		groups:   make(map[string]bool),
		version:  0,
	}
}

// Add subscribes to the given channels and groups. Adding an existing entry is a no-op unless it
// upgrades the entry to presence. Names are validated up front so a bad name leaves the set untouched.
func (s *Set) Add(channels, groups []string, withPresence bool) (Change, error) {
	channels = normalizeNames(channels)
	groups = normalizeNames(groups)
	for _, name := range channels {
		if err := schema.ValidateName("channel", name); err != nil {
			return Change{}, err
		}
	}
	for _, name := range groups {
		if err := schema.ValidateName("group", name); err != nil {
			return Change{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var change Change
	change.Channels = addEntries(s.channels, channels, withPresence)
	change.Groups = addEntries(s.groups, groups, withPresence)
	if !change.Empty() {
		s.version++
	}
	return change, nil
}

// Remove unsubscribes from the given channels and groups. Removing a non-member is a no-op.
func (s *Set) Remove(channels, groups []string) Change {
	channels = normalizeNames(channels)
	groups = normalizeNames(groups)

	s.mu.Lock()
	defer s.mu.Unlock()
	var change Change
	change.Channels = removeEntries(s.channels, channels)
	change.Groups = removeEntries(s.groups, groups)
	if !change.Empty() {
		s.version++
	}
	return change
}

// Clear removes every entry.
func (s *Set) Clear() Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	change := Change{
		Channels: sortedEntries(s.channels),
		Groups:   sortedEntries(s.groups),
	}
	if change.Empty() {
		return change
	}
	s.channels = make(map[string]bool)
	s.groups = make(map[string]bool)
	s.version++
	return change
}

// Snapshot returns an immutable copy of the current set.
func (s *Set) Snapshot() schema.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.Snapshot{
		Channels: sortedEntries(s.channels),
		Groups:   sortedEntries(s.groups),
		Version:  s.version,
	}
}

// Version returns the mutation counter.
func (s *Set) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Empty reports whether nothing is subscribed.
func (s *Set) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels) == 0 && len(s.groups) == 0
}

func addEntries(target map[string]bool, names []string, withPresence bool) []schema.Entry {
	var added []schema.Entry
	for _, name := range names {
		presence, exists := target[name]
		if exists && (presence || !withPresence) {
			continue
		}
		target[name] = withPresence
		added = append(added, schema.Entry{Name: name, Presence: withPresence})
	}
	return added
}

func removeEntries(target map[string]bool, names []string) []schema.Entry {
	var removed []schema.Entry
	for _, name := range names {
		presence, exists := target[name]
		if !exists {
			continue
		}
		delete(target, name)
		removed = append(removed, schema.Entry{Name: name, Presence: presence})
	}
	return removed
}

func sortedEntries(source map[string]bool) []schema.Entry {
	if len(source) == 0 {
		return nil
	}
	out := make([]schema.Entry, 0, len(source))
	for name, presence := range source {
		out = append(out, schema.Entry{Name: name, Presence: presence})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func entryNames(entries []schema.Entry) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Name)
	}
	return out
}
