// Package brand derives a display brand name from a VAST ad title.
package brand

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wapuda/vastreel/internal/jobs"
)

var omdPattern = regexp.MustCompile(`(?i)_OMD_([^_]+)_`)

// Extract applies, in order: the _OMD_<brand>_ marker, the second
// underscore segment when longer than two characters, the first capitalised
// segment longer than three characters, and finally the title up to the
// first "(".
func Extract(title string) string {
	if title == "" {
		return jobs.DefaultBrand
	}
	if m := omdPattern.FindStringSubmatch(title); m != nil {
		return m[1]
	}

	parts := strings.Split(title, "_")
	if len(parts) > 1 && utf8.RuneCountInString(parts[1]) > 2 {
		return parts[1]
	}
	for _, p := range parts {
		if utf8.RuneCountInString(p) <= 3 {
			continue
		}
		if r, _ := utf8.DecodeRuneInString(p); unicode.IsUpper(r) {
			return p
		}
	}

	head, _, _ := strings.Cut(title, "(")
	return strings.TrimSpace(head)
}
