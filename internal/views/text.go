package views

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// DefaultSummaryLength is the cut used by cards and slides.
const DefaultSummaryLength = 150

// Sanitize reduces rich-text markup to plain text. Tags are dropped, entities
// decoded, line breaks and block ends become newlines.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				logger.Debugf("sanitize: %v", z.Err())
			}
			return tidy(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "p", "div", "li", "h1", "h2", "h3", "h4", "ul", "ol":
				b.WriteByte('\n')
			}
		}
	}
}

func tidy(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t\r")
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Truncate cuts s to n runes and appends an ellipsis when something was cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Summary is the sanitized, truncated text shown for a delivery: highlights
// when present, the description otherwise.
func Summary(highlights, description string, n int) string {
	text := Sanitize(highlights)
	if text == "" {
		text = Sanitize(description)
	}
	return Truncate(text, n)
}
