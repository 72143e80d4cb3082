package model

import "fmt"

// VoteChoice is one of the two fixed vote values.
type VoteChoice string

const (
	VoteGreen VoteChoice = "green"
	VoteRed   VoteChoice = "red"
)

// Callback data carried by the vote buttons.
const (
	CallbackVoteGreen = "vote_green"
	CallbackVoteRed   = "vote_red"
)

// ParseVoteCallback maps button callback data to a choice.
func ParseVoteCallback(data string) (VoteChoice, error) {
	switch data {
	case CallbackVoteGreen:
		return VoteGreen, nil
	case CallbackVoteRed:
		return VoteRed, nil
	}
	return "", fmt.Errorf("unknown vote callback %q", data)
}

// ItemRef identifies a delivered message.
type ItemRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// ItemRegistration is written once per successful primary delivery.
type ItemRegistration struct {
	Ref          ItemRef `json:"ref"`
	TokenAddress string  `json:"token_address"`
	ChartURL     string  `json:"chart_url,omitempty"`
}

// VoteRecord is one voter's current choice for an item.
type VoteRecord struct {
	Ref     ItemRef    `json:"ref"`
	VoterID int64      `json:"voter_id"`
	Choice  VoteChoice `json:"choice"`
}

// Tally is the recomputed vote count for an item.
type Tally struct {
	Green int `json:"green"`
	Red   int `json:"red"`
}

// VoteResult is returned by a vote cast. Changed is false when the voter
// repeated their current choice; Tally is then left zero.
type VoteResult struct {
	Changed bool
	Tally   Tally
}
