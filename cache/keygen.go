package cache

import "strings"

// ListSeparator joins identifiers in a stored list such as the recent index.
const ListSeparator = ";"

const recentSuffix = "recent"

// KeyFor returns the store key of item id on site.
func KeyFor(site, id string) string {
	return site + ":" + id
}

// KeysFor maps ids to their store keys, preserving order.
func KeysFor(site string, ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = KeyFor(site, id)
	}
	return keys
}

// RecentKey returns the key of the recent-questions index for site.
func RecentKey(site string) string {
	return site + ":" + recentSuffix
}

// JoinIDs encodes ids as a single list value.
func JoinIDs(ids []string) string {
	return strings.Join(ids, ListSeparator)
}

// SplitIDs decodes a list value, dropping empty members.
func SplitIDs(s string) []string {
	parts := strings.Split(s, ListSeparator)
	ids := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
