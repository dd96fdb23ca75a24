package scraper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/politescrape/internal/metrics"
)

var errEmptyField = errors.New("empty field name")

// Extractor applies a SelectorMap to an HTML document.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor builds an Extractor; a nil logger is replaced by a no-op.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract compiles every selector before touching the document, so an
// invalid selector fails the whole call with a *SelectorError. Unmatched
// fields are Null; malformed markup is parsed leniently and never errors.
func (e *Extractor) Extract(html string, selectors SelectorMap) (map[string]Value, error) {
	fields, err := selectors.compile()
	if err != nil {
		metrics.ObserveSelectorError()
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	out := make(map[string]Value, len(fields))
	for _, field := range fields {
		matches := doc.FindMatcher(field.matcher)
		values := make([]string, 0, matches.Length())
		matches.Each(func(_ int, s *goquery.Selection) {
			values = append(values, elementValue(s, field.attrMode))
		})
		switch len(values) {
		case 0:
			out[field.name] = Null
		case 1:
			out[field.name] = StringValue(values[0])
		default:
			out[field.name] = ListValue(values)
		}
		e.logger.Debug("extracted field", zap.String("field", field.name), zap.Int("matches", len(values)))
	}
	return out, nil
}

func elementValue(s *goquery.Selection, mode attrMode) string {
	if goquery.NodeName(s) == "meta" {
		if content, ok := s.Attr("content"); ok {
			return strings.TrimSpace(content)
		}
	}
	var attr string
	switch mode {
	case attrHref:
		attr = "href"
	case attrSrc:
		attr = "src"
	}
	if attr != "" {
		if v, ok := s.Attr(attr); ok {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(s.Text())
}

// Title returns the trimmed text of the document's first <title>.
func Title(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
