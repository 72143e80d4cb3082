package telegram

import (
	"sort"
	"strings"

	"github.com/unclebandit/alert-relay/internal/model"
)

// ParseModeHTML is the parse mode used for every outbound alert.
const ParseModeHTML = "HTML"

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

var attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// EscapeHTML escapes the characters Telegram's HTML parse mode reserves.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// ApplyLinks wraps each annotated span of text in an <a href> tag. text is
// already HTML; annotations are byte offsets into it. Annotations that
// overlap an earlier one or fall outside text are skipped.
func ApplyLinks(text string, links []model.LinkAnnotation) string {
	if len(links) == 0 {
		return text
	}
	sorted := make([]model.LinkAnnotation, len(links))
	copy(sorted, links)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var b strings.Builder
	b.Grow(len(text) + len(links)*32)
	pos := 0
	for _, l := range sorted {
		if l.Length <= 0 || l.URL == "" || l.Offset < pos || l.End() > len(text) {
			continue
		}
		b.WriteString(text[pos:l.Offset])
		b.WriteString(`<a href="`)
		b.WriteString(attrEscaper.Replace(l.URL))
		b.WriteString(`">`)
		b.WriteString(text[l.Offset:l.End()])
		b.WriteString("</a>")
		pos = l.End()
	}
	b.WriteString(text[pos:])
	return b.String()
}
