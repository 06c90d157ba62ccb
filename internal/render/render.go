package render

import (
	"sort"
	"strings"
)

// DefaultFont is substituted whenever a profile's font choice is absent or
// not in the catalog.
const DefaultFont = "inter"

// fonts the profile template knows how to load
var fontCatalog = map[string]struct{}{
	"inter":          {},
	"merriweather":   {},
	"jetbrains-mono": {},
	"space-grotesk":  {},
	"creepster":      {},
}

// Fields are the values substituted into a profile template.
type Fields struct {
	Username    string
	DisplayName string
	Description string
	Font        string
}

// NormalizeFont maps a requested font to a catalog entry, falling back to
// DefaultFont. Unknown fonts are not an error.
func NormalizeFont(font string) string {
	font = strings.ToLower(strings.TrimSpace(font))
	if _, ok := fontCatalog[font]; ok {
		return font
	}
	return DefaultFont
}

// KnownFont reports whether font is a catalog entry.
func KnownFont(font string) bool {
	_, ok := fontCatalog[strings.ToLower(strings.TrimSpace(font))]
	return ok
}

// Fonts lists the catalog entries in stable order, for building choosers.
func Fonts() []string {
	fonts := make([]string, 0, len(fontCatalog))
	for f := range fontCatalog {
		fonts = append(fonts, f)
	}
	sort.Strings(fonts)
	return fonts
}

// Render substitutes the ${user.*} placeholders in tpl. Substitution is
// literal: nothing in the field values is interpreted, and every value is
// HTML-escaped on the way in, so user-supplied text can never become markup.
// Unknown placeholders in the template are left as-is; empty fields render
// as empty strings (the font falls back to DefaultFont).
func Render(tpl string, f Fields) string {
	r := strings.NewReplacer(
		"${user.name}", Escape(f.Username),
		"${user.display}", Escape(f.DisplayName),
		"${user.description}", Escape(f.Description),
		"${user.font}", Escape(NormalizeFont(f.Font)),
	)
	return r.Replace(tpl)
}

// Escape HTML-escapes s. Unlike html.EscapeString it recognizes existing
// character references, so escaping is idempotent: feeding already-escaped
// output back through Render never double-escapes it.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&#34;")
		case '\'':
			b.WriteString("&#39;")
		case '&':
			if startsEntity(s[i:]) {
				b.WriteByte(c)
			} else {
				b.WriteString("&amp;")
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// startsEntity reports whether s begins with a character reference like
// "&amp;" or "&#34;".
func startsEntity(s string) bool {
	// s[0] is '&'
	i := 1
	if i < len(s) && s[i] == '#' {
		i++
		start := i
		for i < len(s) && i < start+7 && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		return i > start && i < len(s) && s[i] == ';'
	}
	start := i
	for i < len(s) && i < start+10 && isAlnum(s[i]) {
		i++
	}
	return i > start && i < len(s) && s[i] == ';'
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
