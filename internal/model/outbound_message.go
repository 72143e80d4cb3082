// internal/model/outbound_message.go
package model

import "time"

// Delivery statuses of an OutboundItem.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusExhausted = "exhausted"
)

// OutboundItem is one rendered alert waiting for delivery.
type OutboundItem struct {
	ID           string           `json:"id"`
	Text         string           `json:"text"`
	Links        []LinkAnnotation `json:"links,omitempty"`
	ChartURL     string           `json:"chart_url,omitempty"`
	Holders      []HolderPair     `json:"holders"`
	TokenAddress string           `json:"token_address"`
	Fingerprint  string           `json:"fingerprint"`
	Status       string           `json:"status"`
	LastError    string           `json:"last_error,omitempty"`
	RetryCount   int              `json:"retry_count"`
	EnqueuedAt   time.Time        `json:"enqueued_at"`
}

// DeliveryRecord is the persisted terminal outcome of one item for one
// destination.
type DeliveryRecord struct {
	ItemID       string    `json:"item_id"`
	Destination  string    `json:"destination"`
	ChatID       int64     `json:"chat_id"`
	MessageID    int64     `json:"message_id,omitempty"`
	TokenAddress string    `json:"token_address"`
	Fingerprint  string    `json:"fingerprint"`
	Status       string    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	RetryCount   int       `json:"retry_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	FinishedAt   time.Time `json:"finished_at"`
}
