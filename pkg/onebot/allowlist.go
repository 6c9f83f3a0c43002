package onebot

import (
	"strings"
)

// Allowlist is a set of normalized sender ids plus a wildcard flag. Merging
// is set union; a wildcard from any source makes the merged list wildcard.
type Allowlist struct {
	ids      map[string]struct{}
	wildcard bool
}

// NewAllowlist merges any number of id sources into one allowlist.
func NewAllowlist(sources ...[]string) Allowlist {
	list := Allowlist{ids: make(map[string]struct{})}
	for _, source := range sources {
		for _, id := range source {
			id = strings.ToLower(strings.TrimSpace(id))
			if id == "" {
				continue
			}
			if id == "*" {
				list.wildcard = true
				continue
			}
			list.ids[id] = struct{}{}
		}
	}
	return list
}

// Allows reports whether the sender id is admitted.
func (a Allowlist) Allows(sender string) bool {
	if a.wildcard {
		return true
	}
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		return false
	}
	_, ok := a.ids[sender]
	return ok
}

// Empty reports whether nothing is admitted (no ids and no wildcard).
func (a Allowlist) Empty() bool {
	return !a.wildcard && len(a.ids) == 0
}
