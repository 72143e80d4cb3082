package model

// Button is one inline keyboard button: either a URL or callback data.
type Button struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// Keyboard is an inline keyboard layout, row by row.
type Keyboard [][]Button

// Rendered is the renderer output for one alert.
type Rendered struct {
	Text         string
	Links        []LinkAnnotation
	ChartURL     string
	Holders      []HolderPair
	TokenAddress string
}
