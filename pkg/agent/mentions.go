package agent

import (
	"regexp"

	"github.com/aiqinxuancai/clawdbot/pkg/logger"
)

// MentionMatcher applies the configured mention patterns to resolved text.
// Patterns cover plain-name mentions on platforms that never emit a
// structured mention segment.
type MentionMatcher struct {
	patterns []*regexp.Regexp
}

func NewMentionMatcher(patterns []string) *MentionMatcher {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.WarnCF("agent", "Ignoring invalid mention pattern", map[string]interface{}{
				"pattern": pattern,
				"error":   err.Error(),
			})
			continue
		}
		compiled = append(compiled, re)
	}
	return &MentionMatcher{patterns: compiled}
}

func (m *MentionMatcher) MatchMention(agentID, text string) bool {
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
