package nostr

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// NormalizeRelayURL canonicalizes a relay URL to scheme://host[path][?query].
// Anything that is not ws:// or wss:// is rejected with "". Trailing slashes
// are stripped from the path, the query string is kept and the host keeps the
// case it was given in.
func NormalizeRelayURL(raw string) string {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	var scheme string
	switch {
	case strings.HasPrefix(lower, "wss://"):
		scheme = "wss"
	case strings.HasPrefix(lower, "ws://"):
		scheme = "ws"
	default:
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	out := scheme + "://" + u.Host + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// RelayEntry is one relay of a NIP-65 relay list
type RelayEntry struct {
	URL   string
	Read  bool
	Write bool
}

// RelayList is a decoded kind 10002 event
type RelayList struct {
	Author    string
	CreatedAt nostr.Timestamp
	Entries   []RelayEntry
}

// ParseRelayList extracts relay entries from a NIP-65 kind 10002 event.
// An entry without a marker is both read and write. Invalid URLs are skipped
// and duplicate URLs are merged.
func ParseRelayList(event *nostr.Event) (*RelayList, error) {
	if event.Kind != nostr.KindRelayListMetadata {
		return nil, fmt.Errorf("expected kind %d, got %d", nostr.KindRelayListMetadata, event.Kind)
	}

	list := &RelayList{
		Author:    event.PubKey,
		CreatedAt: event.CreatedAt,
		Entries:   make([]RelayEntry, 0, len(event.Tags)),
	}
	index := make(map[string]int)

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		relay := NormalizeRelayURL(tag[1])
		if relay == "" {
			continue
		}

		entry := RelayEntry{URL: relay, Read: true, Write: true}

		// Check for read/write markers
		if len(tag) >= 3 {
			switch strings.ToLower(tag[2]) {
			case "read":
				entry.Write = false
			case "write":
				entry.Read = false
			}
		}

		if i, ok := index[relay]; ok {
			list.Entries[i].Read = list.Entries[i].Read || entry.Read
			list.Entries[i].Write = list.Entries[i].Write || entry.Write
			continue
		}
		index[relay] = len(list.Entries)
		list.Entries = append(list.Entries, entry)
	}

	return list, nil
}

// URLs returns the relay URLs of the list, sorted
func (l *RelayList) URLs() []string {
	out := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, e.URL)
	}
	sort.Strings(out)
	return out
}

// BuildRelayListEvent creates a NIP-65 kind 10002 event
func BuildRelayListEvent(entries []RelayEntry) *nostr.Event {
	event := &nostr.Event{
		Kind:      nostr.KindRelayListMetadata,
		CreatedAt: nostr.Now(),
		Tags:      make(nostr.Tags, 0, len(entries)),
	}

	for _, entry := range entries {
		tag := nostr.Tag{"r", entry.URL}
		if entry.Read && !entry.Write {
			tag = append(tag, "read")
		} else if entry.Write && !entry.Read {
			tag = append(tag, "write")
		}
		event.Tags = append(event.Tags, tag)
	}

	return event
}

// FollowList is a decoded kind 3 event
type FollowList struct {
	Author    string
	CreatedAt nostr.Timestamp
	Follows   []string
	// Hints maps a followed pubkey to the relay hint given for it
	Hints map[string]string
	// ContentRelays are relays from the legacy JSON content of kind 3
	ContentRelays []RelayEntry
}

// ParseFollowList extracts followed pubkeys and relay hints from a kind 3 event
func ParseFollowList(event *nostr.Event) (*FollowList, error) {
	if event.Kind != nostr.KindFollowList {
		return nil, fmt.Errorf("expected kind %d, got %d", nostr.KindFollowList, event.Kind)
	}

	list := &FollowList{
		Author:    event.PubKey,
		CreatedAt: event.CreatedAt,
		Follows:   make([]string, 0, len(event.Tags)),
		Hints:     make(map[string]string),
	}
	seen := make(map[string]bool)

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		target := strings.ToLower(strings.TrimSpace(tag[1]))
		if target == "" || target == event.PubKey || !IsHexKey(target) {
			continue
		}
		if !seen[target] {
			seen[target] = true
			list.Follows = append(list.Follows, target)
		}
		if len(tag) >= 3 {
			if hint := NormalizeRelayURL(tag[2]); hint != "" {
				list.Hints[target] = hint
			}
		}
	}

	// Older clients store {"wss://relay": {"read": true, "write": true}} in content
	if content := strings.TrimSpace(event.Content); content != "" && gjson.Valid(content) {
		gjson.Parse(content).ForEach(func(key, value gjson.Result) bool {
			relay := NormalizeRelayURL(key.String())
			if relay == "" {
				return true
			}
			entry := RelayEntry{URL: relay, Read: true, Write: true}
			if value.IsObject() {
				entry.Read = value.Get("read").Bool()
				entry.Write = value.Get("write").Bool()
			}
			list.ContentRelays = append(list.ContentRelays, entry)
			return true
		})
	}

	return list, nil
}

// Contains reports whether the list follows target
func (l *FollowList) Contains(target string) bool {
	for _, f := range l.Follows {
		if f == target {
			return true
		}
	}
	return false
}

// metadataRelayFields are the profile fields clients are known to use for relays
var metadataRelayFields = []string{"relays", "relay", "nip65", "outbox", "inbox"}

// MetadataRelays scans kind 0 profile content for relay URLs. Supported
// shapes per field: a string, an array of strings, an array of {"url": ...}
// objects, or an object whose keys or values look like relay URLs.
func MetadataRelays(content string) []string {
	if !gjson.Valid(content) {
		return nil
	}

	root := gjson.Parse(content)
	seen := make(map[string]bool)
	out := make([]string, 0)
	add := func(raw string) {
		if relay := NormalizeRelayURL(raw); relay != "" && !seen[relay] {
			seen[relay] = true
			out = append(out, relay)
		}
	}

	for _, field := range metadataRelayFields {
		value := root.Get(field)
		switch {
		case !value.Exists():
			continue
		case value.Type == gjson.String:
			add(value.String())
		case value.IsArray():
			value.ForEach(func(_, item gjson.Result) bool {
				if item.Type == gjson.String {
					add(item.String())
				} else if item.IsObject() {
					add(item.Get("url").String())
				}
				return true
			})
		case value.IsObject():
			value.ForEach(func(key, item gjson.Result) bool {
				add(key.String())
				if item.Type == gjson.String {
					add(item.String())
				}
				return true
			})
		}
	}

	return out
}

// ValidateRelayURL performs basic validation on a relay URL
func ValidateRelayURL(raw string) bool {
	return NormalizeRelayURL(raw) != ""
}

// IsHexKey reports whether s is a 64 character lowercase hex string
func IsHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
