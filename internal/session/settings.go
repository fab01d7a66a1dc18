package session

import (
	"strings"
	"unicode/utf8"
)

// Settings are a user's monitoring preferences.
type Settings struct {
	WatchedGroups   []string `json:"watchedGroups"`
	GlobalKeywords  []string `json:"globalKeywords"`
	DeliveryAddress string   `json:"deliveryAddress"`
}

func (s Settings) clone() Settings {
	return Settings{
		WatchedGroups:   append([]string{}, s.WatchedGroups...),
		GlobalKeywords:  append([]string{}, s.GlobalKeywords...),
		DeliveryAddress: s.DeliveryAddress,
	}
}

// Watches reports whether groupID is in the watched set.
func (s Settings) Watches(groupID string) bool {
	for _, id := range s.WatchedGroups {
		if id == groupID {
			return true
		}
	}
	return false
}

// GroupKeywords is a per-group keyword override.
type GroupKeywords struct {
	GroupID   string   `json:"groupId"`
	GroupName string   `json:"groupName"`
	Keywords  []string `json:"keywords"`
}

// Limits caps user-provided settings.
type Limits struct {
	MaxWatchedGroups   int
	MaxGroupIDLength   int
	MaxKeywords        int
	MaxKeywordLength   int
	MaxGroupNameLength int
}

// DefaultLimits returns the stock caps.
func DefaultLimits() Limits {
	return Limits{
		MaxWatchedGroups:   500,
		MaxGroupIDLength:   128,
		MaxKeywords:        50,
		MaxKeywordLength:   100,
		MaxGroupNameLength: 200,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxWatchedGroups <= 0 {
		l.MaxWatchedGroups = d.MaxWatchedGroups
	}
	if l.MaxGroupIDLength <= 0 {
		l.MaxGroupIDLength = d.MaxGroupIDLength
	}
	if l.MaxKeywords <= 0 {
		l.MaxKeywords = d.MaxKeywords
	}
	if l.MaxKeywordLength <= 0 {
		l.MaxKeywordLength = d.MaxKeywordLength
	}
	if l.MaxGroupNameLength <= 0 {
		l.MaxGroupNameLength = d.MaxGroupNameLength
	}
	return l
}

// ValidateSettings returns a normalized copy of in, or a *ValidationError.
func (l Limits) ValidateSettings(in Settings) (Settings, error) {
	l = l.withDefaults()

	if len(in.WatchedGroups) > l.MaxWatchedGroups {
		return Settings{}, invalid("watchedGroups", "at most %d groups", l.MaxWatchedGroups)
	}
	watched := make([]string, 0, len(in.WatchedGroups))
	seen := make(map[string]bool, len(in.WatchedGroups))
	for _, id := range in.WatchedGroups {
		id = strings.TrimSpace(id)
		if id == "" {
			return Settings{}, invalid("watchedGroups", "empty group id")
		}
		if utf8.RuneCountInString(id) > l.MaxGroupIDLength {
			return Settings{}, invalid("watchedGroups", "group id longer than %d characters", l.MaxGroupIDLength)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		watched = append(watched, id)
	}

	keywords, err := l.NormalizeKeywords("globalKeywords", in.GlobalKeywords)
	if err != nil {
		return Settings{}, err
	}

	address, err := NormalizeDeliveryAddress(in.DeliveryAddress)
	if err != nil {
		return Settings{}, err
	}

	return Settings{WatchedGroups: watched, GlobalKeywords: keywords, DeliveryAddress: address}, nil
}

// ValidateGroupKeywords returns a normalized copy of in, or a *ValidationError.
func (l Limits) ValidateGroupKeywords(in GroupKeywords) (GroupKeywords, error) {
	l = l.withDefaults()

	id := strings.TrimSpace(in.GroupID)
	if id == "" {
		return GroupKeywords{}, invalid("groupId", "required")
	}
	if utf8.RuneCountInString(id) > l.MaxGroupIDLength {
		return GroupKeywords{}, invalid("groupId", "longer than %d characters", l.MaxGroupIDLength)
	}
	name := strings.TrimSpace(in.GroupName)
	if utf8.RuneCountInString(name) > l.MaxGroupNameLength {
		return GroupKeywords{}, invalid("groupName", "longer than %d characters", l.MaxGroupNameLength)
	}
	keywords, err := l.NormalizeKeywords("keywords", in.Keywords)
	if err != nil {
		return GroupKeywords{}, err
	}
	return GroupKeywords{GroupID: id, GroupName: name, Keywords: keywords}, nil
}

// NormalizeKeywords trims each keyword, drops blanks, removes
// case-insensitive duplicates (first occurrence wins) and enforces the caps.
func (l Limits) NormalizeKeywords(field string, in []string) ([]string, error) {
	l = l.withDefaults()

	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if utf8.RuneCountInString(kw) > l.MaxKeywordLength {
			return nil, invalid(field, "keyword longer than %d characters", l.MaxKeywordLength)
		}
		key := strings.ToLower(kw)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	if len(out) > l.MaxKeywords {
		return nil, invalid(field, "at most %d keywords", l.MaxKeywords)
	}
	return out, nil
}

// NormalizeDeliveryAddress accepts an empty string or a phone number of 7 to
// 15 digits with an optional leading '+'. Spaces, dashes, dots and
// parentheses are stripped. The result is "+<digits>".
func NormalizeDeliveryAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", invalid("deliveryAddress", "unexpected character %q", r)
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return "", invalid("deliveryAddress", "must contain 7 to 15 digits")
	}
	return "+" + digits, nil
}
