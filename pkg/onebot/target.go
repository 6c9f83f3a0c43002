package onebot

import (
	"strings"
)

// TargetKind discriminates the typed destination address.
type TargetKind string

const (
	TargetUser    TargetKind = "user"
	TargetGroup   TargetKind = "group"
	TargetChannel TargetKind = "channel"
)

// Target is a typed OneBot destination: a user, a group, or a guild channel.
// A channel target always carries both the guild and the channel component.
type Target struct {
	Kind      TargetKind
	UserID    string
	GroupID   string
	GuildID   string
	ChannelID string
}

// String renders the canonical lowercase-prefixed form.
func (t Target) String() string {
	switch t.Kind {
	case TargetUser:
		return "user:" + t.UserID
	case TargetGroup:
		return "group:" + t.GroupID
	case TargetChannel:
		return "channel:" + t.GuildID + ":" + t.ChannelID
	}
	return ""
}

const schemePrefix = "onebot:"

var userPrefixes = []string{"user:", "private:", "dm:", "qq:"}
var channelPrefixes = []string{"channel:", "guild:"}

// ParseTarget parses the compact string address space. Legacy aliases
// (private:, dm:, qq:, guild:) and an optional onebot: scheme are accepted
// on input; only the canonical form is ever produced.
func ParseTarget(input string) (Target, bool) {
	s := strings.TrimSpace(input)
	if len(s) >= len(schemePrefix) && strings.EqualFold(s[:len(schemePrefix)], schemePrefix) {
		s = strings.TrimSpace(s[len(schemePrefix):])
	}
	if s == "" {
		return Target{}, false
	}

	lower := strings.ToLower(s)

	for _, prefix := range userPrefixes {
		if strings.HasPrefix(lower, prefix) {
			rest := strings.TrimSpace(s[len(prefix):])
			if rest == "" {
				continue
			}
			return Target{Kind: TargetUser, UserID: rest}, true
		}
	}

	if strings.HasPrefix(lower, "group:") {
		rest := strings.TrimSpace(s[len("group:"):])
		if rest != "" {
			return Target{Kind: TargetGroup, GroupID: rest}, true
		}
	}

	for _, prefix := range channelPrefixes {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		rest := s[len(prefix):]
		parts := strings.FieldsFunc(rest, func(r rune) bool {
			return r == '/' || r == ':'
		})
		segments := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				segments = append(segments, part)
			}
		}
		// Extra segments beyond guild/channel are ignored.
		if len(segments) < 2 {
			continue
		}
		return Target{Kind: TargetChannel, GuildID: segments[0], ChannelID: segments[1]}, true
	}

	return Target{}, false
}

// NormalizeTarget re-renders a parseable address in canonical form and passes
// anything else through trimmed, so already-opaque addresses survive intact.
func NormalizeTarget(input string) string {
	target, ok := ParseTarget(input)
	if !ok {
		return strings.TrimSpace(input)
	}
	return target.String()
}

// LooksLikeTarget reports whether the input parses as an address.
func LooksLikeTarget(input string) bool {
	_, ok := ParseTarget(input)
	return ok
}

// TargetFromEvent maps a message event's detail type and ids to a target.
// Unknown detail types, or a missing required id, yield no target.
func TargetFromEvent(detailType, userID, groupID, guildID, channelID string) (Target, bool) {
	switch strings.ToLower(strings.TrimSpace(detailType)) {
	case "private", "user", "dm":
		if strings.TrimSpace(userID) == "" {
			return Target{}, false
		}
		return Target{Kind: TargetUser, UserID: strings.TrimSpace(userID)}, true
	case "group":
		if strings.TrimSpace(groupID) == "" {
			return Target{}, false
		}
		return Target{Kind: TargetGroup, GroupID: strings.TrimSpace(groupID)}, true
	case "channel":
		if strings.TrimSpace(guildID) == "" || strings.TrimSpace(channelID) == "" {
			return Target{}, false
		}
		return Target{
			Kind:      TargetChannel,
			GuildID:   strings.TrimSpace(guildID),
			ChannelID: strings.TrimSpace(channelID),
		}, true
	}
	return Target{}, false
}
