package chat

import (
	"fmt"
	"strings"
)

// transformRule rewrites text matching a phrase into an annotated display
// form. Rules are checked in order; the first match wins.
type transformRule struct {
	match  func(string) bool
	format string
}

var transformRules = map[string][]transformRule{
	"vi": {
		{matchAny("hello", "hi"), "%s (Dịch: Xin chào)"},
		{matchAny("how are you"), "%s (Dịch: Bạn khỏe không?)"},
		{matchAny("nice to meet you"), "%s (Dịch: Rất vui được gặp bạn)"},
	},
	"en": {
		{matchAny("xin chao", "xin chào", "lô"), "%s (Trans: Hello)"},
		{matchAny("khoe khong", "khỏe không"), "%s (Trans: How are you?)"},
	},
	"zh": {
		{matchAny("hello", "hi"), "%s (翻译: 你好)"},
		{matchAny("xin chao"), "%s (翻译: 你好)"},
	},
}

// matchAny reports whether the text contains any of the phrases,
// case-insensitively.
func matchAny(phrases ...string) func(string) bool {
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return func(text string) bool {
		text = strings.ToLower(text)
		for _, p := range lowered {
			if strings.Contains(text, p) {
				return true
			}
		}
		return false
	}
}

// Transform returns the display form of original for the given locale. It is
// a pure function: the same inputs always produce the same output, so
// re-applying a locale never stacks annotations as long as callers feed it
// the original text rather than a previous result.
func Transform(original, locale string) string {
	for _, rule := range transformRules[locale] {
		if rule.match(original) {
			return fmt.Sprintf(rule.format, original)
		}
	}
	return original
}
