package compose

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// drawtext parses its options with ':' as separator and '\' / '\'' as
// escape and quote characters; '%' starts an expansion sequence.
var optionEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`:`, `\:`,
	`%`, `\%`,
)

// The filter graph parser splits on ',', ';' and '[' ']' before drawtext
// ever sees its options, and unescapes once more.
var graphEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`[`, `\[`,
	`]`, `\]`,
	`,`, `\,`,
	`;`, `\;`,
)

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]+`)

// EscapeText makes s safe to embed, unquoted, as a drawtext option value
// inside a filter graph script. Both parsing levels are escaped, in order.
func EscapeText(s string) string {
	s = controlChars.ReplaceAllString(s, " ")
	return graphEscaper.Replace(optionEscaper.Replace(s))
}

const (
	maxDisplayURL = 70
	ellipsis      = "..."
)

// DisplayURL picks the resolved URL when it differs from the raw one,
// percent-decodes it, drops the scheme and caps it at maxDisplayURL
// characters.
func DisplayURL(raw, final string) string {
	s := raw
	if final != "" && final != raw {
		s = final
	}
	s = percentDecode(s)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	if utf8.RuneCountInString(s) > maxDisplayURL {
		r := []rune(s)
		s = string(r[:maxDisplayURL-len(ellipsis)]) + ellipsis
	}
	return s
}

// percentDecode decodes every valid %XX sequence and keeps malformed ones
// literally. Invalid UTF-8 in the result becomes U+FFFD.
func percentDecode(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b = append(b, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
			continue
		}
		b = append(b, s[i])
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case c >= 'a':
		return c - 'a' + 10
	case c >= 'A':
		return c - 'A' + 10
	default:
		return c - '0'
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SafeName turns a brand into something usable inside a file name.
func SafeName(s string) string {
	s = strings.Join(strings.Fields(s), "_")
	s = unsafeName.ReplaceAllString(s, "")
	s = strings.Trim(s, "._")
	if s == "" {
		return "ad"
	}
	return s
}
