// Package i18n picks a message printer for CLI output from the locale.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage returns the best supported language for a locale string
// such as "de_DE" or "en-US".
func MatchLanguage(locale string) language.Tag {
	locale = strings.ReplaceAll(locale, "_", "-")
	if i := strings.Index(locale, "."); i != -1 {
		locale = locale[:i]
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return DefaultLang
	}
	matched, _, _ := matcher.Match(tag)
	base, _ := matched.Base()
	return language.Make(base.String())
}

// NewCLIPrinter returns a printer for the system's locale (from env vars)
func NewCLIPrinter() *message.Printer {
	lang := os.Getenv("LC_ALL")
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return message.NewPrinter(DefaultLang)
	}
	return message.NewPrinter(MatchLanguage(lang))
}
