package harnessports

import "strings"

// Language is a supported conversation language code.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageHausa   Language = "ha"
	LanguageIgbo    Language = "ig"
	LanguageYoruba  Language = "yo"
)

// SupportedLanguages lists every language in a stable order.
var SupportedLanguages = []Language{LanguageEnglish, LanguageHausa, LanguageIgbo, LanguageYoruba}

var languageNames = map[Language]string{
	LanguageEnglish: "English",
	LanguageHausa:   "Hausa",
	LanguageIgbo:    "Igbo",
	LanguageYoruba:  "Yoruba",
}

// ParseLanguage accepts a code ("ha") or a name ("hausa", "Hausa").
func ParseLanguage(s string) (Language, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for code, name := range languageNames {
		if s == string(code) || s == strings.ToLower(name) {
			return code, true
		}
	}
	return "", false
}

// Name returns the English display name of the language.
func (l Language) Name() string {
	if n, ok := languageNames[l]; ok {
		return n
	}
	return string(l)
}

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	_, ok := languageNames[l]
	return ok
}
