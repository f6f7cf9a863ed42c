package codes

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Language is a report language. The registry supports Finnish and Swedish.
type Language string

const (
	FI Language = "FI"
	SV Language = "SV"
)

var matcher = language.NewMatcher([]language.Tag{language.Finnish, language.Swedish})

// ParseLanguage accepts FI or SV in any case.
func ParseLanguage(value string) (Language, error) {
	switch Language(strings.ToUpper(strings.TrimSpace(value))) {
	case FI:
		return FI, nil
	case SV:
		return SV, nil
	default:
		return "", fmt.Errorf("unsupported language %q", value)
	}
}

// Negotiate picks FI or SV from an Accept-Language header, defaulting to FI.
func Negotiate(acceptLanguage string) Language {
	if strings.TrimSpace(acceptLanguage) == "" {
		return FI
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return FI
	}
	_, index, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return FI
	}
	if index == 1 {
		return SV
	}
	return FI
}

// Lower returns the lowercase form used by code_translation rows.
func (l Language) Lower() string {
	return strings.ToLower(string(l))
}
