package main

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var escapeHTML = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	"\t", "     ",
)

// Applied one after another, not in a single pass: "\n\r\n\r" must become
// three breaks, the way successive replacements see it.
var lineBreaks = [][2]string{
	{"\x1b", ""},
	{"\r\n", "<br>"},
	{"\n\r", "<br>"},
	{"\r", "<br>"},
	{"\n", "<br>"},
	{"ÿù", "<br>"}, // IAC GA as some hosts leak it
}

var tidyText = strings.NewReplacer(
	"_-SYSTEM: CHAT-_", "",
	"`", "'",
)

// Sanitize turns raw remote output into an HTML fragment for the client.
func Sanitize(raw []byte) string {
	text := decodeLossy(raw)
	text = escapeHTML.Replace(text)
	text = RenderANSI(text)
	for _, r := range lineBreaks {
		text = strings.ReplaceAll(text, r[0], r[1])
	}
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return tidyText.Replace(text)
}

// decodeLossy decodes b as UTF-8, substituting U+FFFD for each invalid byte.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for _, r := range string(b) {
		sb.WriteRune(r)
	}
	return sb.String()
}
