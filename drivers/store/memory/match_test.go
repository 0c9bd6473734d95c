package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"*", "", true},
		{"*", "swl:a:b", true},
		{"swl:*", "swl:1.1.1.1:anonymous:/api/x", true},
		{"swl:*", "swc:1:k", false},
		{"swc:*:k", "swc:123:k", true},
		{"swc:*:k", "swc:123:kk", false},
		{"*1.1.1.1*", "ban:1.1.1.1:u:/", true},
		{"h?llo", "hello", true},
		{"h?llo", "hllo", false},
		{"h[ae]llo", "hallo", true},
		{"h[ae]llo", "hillo", false},
		{"h[^e]llo", "hallo", true},
		{"h[^e]llo", "hello", false},
		{"h[a-c]llo", "hbllo", true},
		{"h[a-c]llo", "hdllo", false},
		{`a\*b`, "a*b", true},
		{`a\*b`, "axb", false},
		{`a\\b`, `a\b`, true},
		{"a**b", "axyzb", true},
		{"[abc", "a", false},
		{"abc", "ab", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.s, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.s))
		})
	}
}
