package model

import "time"

// LinkAnnotation marks Text[Offset:Offset+Length] as a link to URL.
// Offsets are byte offsets into the text they were computed against.
type LinkAnnotation struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url"`
}

// End returns the byte offset just past the annotated span.
func (l LinkAnnotation) End() int {
	return l.Offset + l.Length
}

// Overlaps reports whether the annotation intersects [start, end).
func (l LinkAnnotation) Overlaps(start, end int) bool {
	return l.Offset < end && start < l.End()
}

// RawInboundMessage is a message observed on the source channel.
type RawInboundMessage struct {
	ChatID     int64            `json:"chat_id"`
	MessageID  int64            `json:"message_id"`
	Text       string           `json:"text"`
	Links      []LinkAnnotation `json:"links,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
}
