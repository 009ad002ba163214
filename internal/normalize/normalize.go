package normalize

import "strings"

// ID returns the canonical form of an opaque identifier (user, conversation,
// message) as received from clients: surrounding whitespace removed.
func ID(id string) string {
	return strings.TrimSpace(id)
}

// IDs normalizes a list of identifiers, dropping empties and duplicates while
// keeping first-seen order.
func IDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = ID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Emoji returns the canonical form of a reaction so that the emoji and its
// emoji-presentation variant ("❤" vs "❤️") count as the same reaction.
func Emoji(e string) string {
	return strings.ReplaceAll(strings.TrimSpace(e), "\uFE0F", "")
}
