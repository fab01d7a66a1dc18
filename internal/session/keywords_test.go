package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchKeyword(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		keywords []string
		want     string
		ok       bool
	}{
		{name: "case insensitive", text: "Need HELP now", keywords: []string{"help"}, want: "help", ok: true},
		{name: "keyword keeps original case", text: "need help", keywords: []string{"Help"}, want: "Help", ok: true},
		{name: "substring match", text: "unhelpful", keywords: []string{"help"}, want: "help", ok: true},
		{name: "first in list order wins", text: "urgent help", keywords: []string{"help", "urgent"}, want: "help", ok: true},
		{name: "no match", text: "hello world", keywords: []string{"help"}, ok: false},
		{name: "empty list never matches", text: "anything", keywords: nil, ok: false},
		{name: "empty text", text: "", keywords: []string{"help"}, ok: false},
		{name: "blank keyword skipped", text: "text", keywords: []string{"  ", "ex"}, want: "ex", ok: true},
		{name: "unicode", text: "Straße gesperrt", keywords: []string{"STRASSE", "straße"}, want: "straße", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MatchKeyword(strings.ToLower(tt.text), tt.keywords)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveKeywords(t *testing.T) {
	global := []string{"help"}
	overrides := map[string]GroupKeywords{
		"g2": {GroupID: "g2", Keywords: []string{"invoice"}},
		"g3": {GroupID: "g3", Keywords: nil},
	}

	assert.Equal(t, []string{"help"}, ResolveKeywords("g1", global, overrides))
	assert.Equal(t, []string{"invoice"}, ResolveKeywords("g2", global, overrides), "override replaces global")
	assert.Equal(t, []string{"help"}, ResolveKeywords("g3", global, overrides), "empty override falls through")
	assert.Nil(t, ResolveKeywords("g1", nil, nil))
}
