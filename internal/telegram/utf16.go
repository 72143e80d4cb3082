package telegram

import (
	"unicode/utf8"

	"github.com/unclebandit/alert-relay/internal/model"
)

// EntityLinks converts url and text_link entities into byte-offset link
// annotations over text. Entities that fall outside text are dropped.
func EntityLinks(text string, entities []MessageEntity) []model.LinkAnnotation {
	var links []model.LinkAnnotation
	for _, e := range entities {
		if e.Type != "text_link" && e.Type != "url" {
			continue
		}
		start, ok := byteOffset(text, e.Offset)
		if !ok {
			continue
		}
		end, ok := byteOffset(text, e.Offset+e.Length)
		if !ok || end <= start {
			continue
		}
		url := e.URL
		if e.Type == "url" {
			url = text[start:end]
		}
		links = append(links, model.LinkAnnotation{Offset: start, Length: end - start, URL: url})
	}
	return links
}

// byteOffset maps a UTF-16 code unit offset to a byte offset in s.
func byteOffset(s string, units int) (int, bool) {
	if units < 0 {
		return 0, false
	}
	n := 0
	for i, r := range s {
		if n == units {
			return i, true
		}
		if n > units {
			// units points inside a surrogate pair.
			return 0, false
		}
		n += utf16Len(r)
	}
	if n == units {
		return len(s), true
	}
	return 0, false
}

func utf16Len(r rune) int {
	if r >= 0x10000 && r <= utf8.MaxRune {
		return 2
	}
	return 1
}
