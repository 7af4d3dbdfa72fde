package main

import (
	"regexp"
	"strconv"
	"strings"
)

// Runs of back-to-back SGR sequences, e.g. ESC[1mESC[31;40m.
var sgrRun = regexp.MustCompile("(?:\x1b\\[\\d+(?:;\\d+)*m)+")

var sgrCode = regexp.MustCompile(`\d+`)

const noColor = -1

var backgroundClasses = [8]string{"tnc_bg_black", "tnc_bg_red", "tnc_bg_green", "tnc_bg_yellow", "tnc_bg_blue", "tnc_bg_magenta", "tnc_bg_cyan", "tnc_bg_silver"}

var foregroundClasses = [8]string{"tnc_black", "tnc_red", "tnc_green", "tnc_yellow", "tnc_blue", "tnc_magenta", "tnc_cyan", "tnc_white"}

// Styles is the set of rendering attributes in effect. Two snapshots are
// compared with == to decide whether an SGR run changed anything.
type Styles struct {
	Foreground    int
	Background    int
	Bold          bool
	Italic        bool
	Underline     bool
	Blink         bool
	Inverse       bool
	Strikethrough bool
}

func plainStyles() Styles {
	return Styles{Foreground: noColor, Background: noColor}
}

// apply updates s for a single SGR parameter. Unknown codes are ignored.
func (s *Styles) apply(code int) {
	switch {
	case code == 0:
		*s = plainStyles()
	case code == 1:
		s.Bold = true
	case code == 3:
		s.Italic = true
	case code == 4 || code == 21:
		s.Underline = true
	case code == 5 || code == 6:
		s.Blink = true
	case code == 7:
		s.Inverse = true
	case code == 9:
		s.Strikethrough = true
	case code == 2 || code == 22:
		s.Bold = false
	case code == 23:
		s.Italic = false
	case code == 24:
		s.Underline = false
	case code == 25:
		s.Blink = false
	case code == 27:
		s.Inverse = false
	case code == 29:
		s.Strikethrough = false
	case code >= 30 && code <= 37:
		s.Foreground = code - 30
	case code == 39:
		s.Foreground = noColor
	case code >= 40 && code <= 47:
		s.Background = code - 40
	case code == 49:
		s.Background = noColor
	}
}

// classes returns the CSS class list in the order the client stylesheet expects.
func (s Styles) classes() string {
	var parts []string
	if s.Background != noColor {
		parts = append(parts, backgroundClasses[s.Background])
	}
	if s.Blink {
		parts = append(parts, "tnc_blink")
	}
	if s.Inverse {
		parts = append(parts, "tnc_inverse")
	}
	if s.Strikethrough {
		parts = append(parts, "tnc_line_through")
	}
	if s.Underline {
		parts = append(parts, "tnc_underline")
	}
	if s.Bold {
		parts = append(parts, "tnc_bold")
	}
	if s.Foreground != noColor {
		parts = append(parts, foregroundClasses[s.Foreground])
	}
	if s.Italic {
		parts = append(parts, "tnc_italic")
	}
	return strings.Join(parts, " ")
}

// RenderANSI replaces SGR escape runs in text with <span> markup.
//
// Style state starts plain on every call and is not carried between calls, so a
// color left open at the end of one network read does not apply to the next.
// A closing </span> is always appended, even when no span was opened.
func RenderANSI(text string) string {
	current := plainStyles()
	first := true

	out := sgrRun.ReplaceAllStringFunc(text, func(run string) string {
		next := current
		for _, digits := range sgrCode.FindAllString(run, -1) {
			code, err := strconv.ParseUint(digits, 10, 8)
			if err != nil {
				continue
			}
			next.apply(int(code))
		}
		if next == current {
			return ""
		}
		current = next

		var b strings.Builder
		if !first {
			b.WriteString("</span>")
		}
		first = false
		b.WriteString(`<span class="`)
		b.WriteString(current.classes())
		b.WriteString(`">`)
		return b.String()
	})
	return out + "</span>"
}
