package confirm

import (
	"strings"
	"unicode"
)

var affirmatives = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "yup": {}, "ok": {}, "okay": {}, "sure": {},
	"confirm": {}, "confirmed": {}, "do it": {}, "go ahead": {}, "please do": {},
	"sounds good": {}, "correct": {}, "absolutely": {},
}

var negatives = map[string]struct{}{
	"no": {}, "n": {}, "nope": {}, "cancel": {}, "stop": {}, "never mind": {},
	"nevermind": {}, "don't": {}, "do not": {}, "abort": {},
}

func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) && r != '\'' || unicode.IsSpace(r)
	})
	return strings.Join(strings.Fields(text), " ")
}

// IsAffirmative 判断回复是否恰好是一个肯定词，忽略大小写与结尾标点。
func IsAffirmative(text string) bool {
	_, ok := affirmatives[normalize(text)]
	return ok
}

// IsNegative 判断回复是否恰好是一个否定词。
func IsNegative(text string) bool {
	_, ok := negatives[normalize(text)]
	return ok
}

// StartsWithAffirmative 判断回复是否以肯定词开头，例如 "yes, her email is ..."。
func StartsWithAffirmative(text string) bool {
	normalized := normalize(text)
	for token := range affirmatives {
		if normalized == token {
			return true
		}
		if strings.HasPrefix(normalized, token) {
			rest := normalized[len(token):]
			if r := []rune(rest)[0]; unicode.IsSpace(r) || unicode.IsPunct(r) {
				return true
			}
		}
	}
	return false
}
