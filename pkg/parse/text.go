package parse

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// textPtr returns the trimmed text of the first match, or nil when nothing matches or the text is blank
func textPtr(s *goquery.Selection) *string {
	if s.Length() == 0 {
		return nil
	}
	t := strings.TrimSpace(s.First().Text())
	if t == "" {
		return nil
	}
	return &t
}

// attrPtr returns the trimmed attribute of the first match
func attrPtr(s *goquery.Selection, name string) *string {
	if s.Length() == 0 {
		return nil
	}
	v, ok := s.First().Attr(name)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return nil
	}
	return &v
}

// datePrefix keeps the calendar date of an ISO timestamp attribute
func datePrefix(s *goquery.Selection, attr string) *string {
	v := attrPtr(s, attr)
	if v == nil {
		return nil
	}
	if len(*v) > 10 {
		d := (*v)[:10]
		return &d
	}
	return v
}

// starCount counts the "on" star glyphs. Glyphs are either child elements or characters.
func starCount(s *goquery.Selection) *int {
	if s.Length() == 0 {
		return nil
	}
	first := s.First()
	n := first.Children().Length()
	if n == 0 {
		n = utf8.RuneCountInString(strings.TrimSpace(first.Text()))
	}
	if n == 0 {
		return nil
	}
	return &n
}

// textNodes returns every non-blank descendant text node in document order
func textNodes(s *goquery.Selection) []string {
	var out []string
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, c *goquery.Selection) {
			if goquery.NodeName(c) == "#text" {
				if t := strings.TrimSpace(c.Text()); t != "" {
					out = append(out, t)
				}
				return
			}
			walk(c)
		})
	}
	walk(s)
	return out
}

// digitsOnly strips every non-digit rune
func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
