package model

// HolderSlots is the fixed number of top-holder values carried by an alert.
const HolderSlots = 10

// Flag is a traffic-light status glyph from the alert card.
type Flag int

const (
	FlagUnknown Flag = iota
	FlagGreen
	FlagYellow
	FlagRed
)

// ParseFlag maps a status glyph to a Flag.
func ParseFlag(glyph string) Flag {
	switch glyph {
	case "🟢":
		return FlagGreen
	case "🟡":
		return FlagYellow
	case "🔴":
		return FlagRed
	}
	return FlagUnknown
}

// Glyph returns the display glyph, or "-" when the flag was not present.
func (f Flag) Glyph() string {
	switch f {
	case FlagGreen:
		return "🟢"
	case FlagYellow:
		return "🟡"
	case FlagRed:
		return "🔴"
	}
	return "-"
}

// OK reports whether the flag is green.
func (f Flag) OK() bool { return f == FlagGreen }

// HolderPair is one top-holder value and the link it carried, if any.
type HolderPair struct {
	Value string `json:"value"`
	URL   string `json:"url,omitempty"`
}

// TokenAlert holds the fields extracted from one scanner alert card.
// Numeric fields are kept as the display strings the scanner produced.
type TokenAlert struct {
	Address       string
	Name          string
	Symbol        string
	CanonicalLink string
	Price         string
	MarketCap     string
	Volume        string
	Age           string
	Exchange      string
	DexPaid       Flag
	CAVerified    Flag
	Tax           string
	Honeypot      string
	HolderFlag    Flag
	HolderPercent string
	Holders       []HolderPair
	ChartURL      string
	ExtraInfo     string
}
