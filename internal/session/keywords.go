package session

import "strings"

// ResolveKeywords picks the keyword list for a group: the group's override
// when it is non-empty, otherwise the global list. The two are never merged.
func ResolveKeywords(groupID string, global []string, overrides map[string]GroupKeywords) []string {
	if o, ok := overrides[groupID]; ok && len(o.Keywords) > 0 {
		return o.Keywords
	}
	return global
}

// MatchKeyword returns the first keyword, in list order, contained in
// lowerText. lowerText must already be lower-cased.
func MatchKeyword(lowerText string, keywords []string) (string, bool) {
	if len(keywords) == 0 || lowerText == "" {
		return "", false
	}
	for _, kw := range keywords {
		needle := strings.ToLower(strings.TrimSpace(kw))
		if needle == "" {
			continue
		}
		if strings.Contains(lowerText, needle) {
			return kw, true
		}
	}
	return "", false
}
