package scraper

import (
	"sort"
	"strings"
	"unicode"

	"github.com/andybalholm/cascadia"
)

// SelectorMap maps output field names to CSS selectors.
type SelectorMap map[string]string

// Fields returns the field names in sorted order.
func (m SelectorMap) Fields() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy.
func (m SelectorMap) Clone() SelectorMap {
	if m == nil {
		return nil
	}
	out := make(SelectorMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Validate compiles every selector and reports the first failure in field order.
func (m SelectorMap) Validate() error {
	_, err := m.compile()
	return err
}

type compiledField struct {
	name     string
	matcher  cascadia.Selector
	attrMode attrMode
}

func (m SelectorMap) compile() ([]compiledField, error) {
	fields := make([]compiledField, 0, len(m))
	for _, name := range m.Fields() {
		raw := strings.TrimSpace(m[name])
		if strings.TrimSpace(name) == "" {
			return nil, &SelectorError{Field: name, Selector: raw, Err: errEmptyField}
		}
		if raw == "" {
			return nil, &SelectorError{Field: name}
		}
		sel, err := cascadia.Compile(raw)
		if err != nil {
			return nil, &SelectorError{Field: name, Selector: raw, Err: err}
		}
		fields = append(fields, compiledField{name: name, matcher: sel, attrMode: attrModeFor(name)})
	}
	return fields, nil
}

type attrMode int

const (
	attrNone attrMode = iota
	attrHref
	attrSrc
)

// attrModeFor decides from the field name whether an attribute is wanted
// instead of the element text. The name is split into words on '_', '-',
// '.', spaces and lower-to-upper case changes, and only the last word counts:
// "page_url" and "productLink" read href, "hero-image" reads src, while
// "hurl" and "preimg" read text.
func attrModeFor(field string) attrMode {
	words := fieldWords(field)
	if len(words) == 0 {
		return attrNone
	}
	switch words[len(words)-1] {
	case "links", "link", "urls", "url", "href":
		return attrHref
	case "images", "image", "img", "src":
		return attrSrc
	default:
		return attrNone
	}
}

func fieldWords(field string) []string {
	var (
		words []string
		cur   []rune
		prev  rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for _, r := range strings.TrimSpace(field) {
		switch {
		case r == '_' || r == '-' || r == '.' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	flush()
	return words
}
