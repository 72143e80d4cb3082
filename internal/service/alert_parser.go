package service

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mr-tron/base58"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/model"
)

// TriggerGlyph marks a message as a scanner alert card.
const TriggerGlyph = "💊"

// IsAlert reports whether text starts with the trigger glyph.
func IsAlert(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), TriggerGlyph)
}

var (
	evmAddressRe  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	nameSymbolRe  = regexp.MustCompile(`^([^(]+?)\s*\(([^)]+)\)`)
	holderShareRe = regexp.MustCompile(`Top\s*10:\s*(\S+)\s*(\d+(?:\.\d+)?%)`)
	linkedValueRe = regexp.MustCompile(`(\d+(?:\.\d+)?%?)\s*\((https?://[^)\s]+)\)`)
	bareValueRe   = regexp.MustCompile(`\d+(?:\.\d+)?%?`)
	urlRe         = regexp.MustCompile(`https?://[^\s()\[\]]+`)
)

// line is one physical line of the input with its byte position.
type line struct {
	text   string // trimmed line content
	offset int    // byte offset of text within the whole message
}

// alertParse accumulates recognizer output for one message.
type alertParse struct {
	alert      model.TokenAlert
	links      []model.LinkAnnotation
	hasAddress bool
	hasName    bool
	err        error
}

type recognizer struct {
	prefix string
	apply  func(p *alertParse, body string, bodyOffset int)
}

// recognizers is keyed by line prefix and tried in order; the first match wins.
var recognizers = []recognizer{
	{TriggerGlyph, parseAddressLine},
	{"┌", parseNameLine},
	{"├USD:", metricField(func(a *model.TokenAlert, v string) { a.Price = v })},
	{"├MC:", metricField(func(a *model.TokenAlert, v string) { a.MarketCap = v })},
	{"├Vol:", metricField(func(a *model.TokenAlert, v string) { a.Volume = v })},
	{"├Seen:", textField(func(a *model.TokenAlert, v string) { a.Age = v })},
	{"├Dex Paid:", flagField(func(a *model.TokenAlert, f model.Flag) { a.DexPaid = f })},
	{"├Dex:", textField(func(a *model.TokenAlert, v string) { a.Exchange = v })},
	{"├CA Verified:", flagField(func(a *model.TokenAlert, f model.Flag) { a.CAVerified = f })},
	{"├Tax:", textField(func(a *model.TokenAlert, v string) { a.Tax = v })},
	{"├Honeypot:", textField(func(a *model.TokenAlert, v string) { a.Honeypot = v })},
	{"├Holder:", parseHolderShareLine},
	{"└TH:", parseTopHoldersLine},
	{"📈", parseChartLine},
	{"🔥", parseExtraLine},
}

// ParseAlert extracts a TokenAlert from an alert card. It returns
// ErrNotApplicable when text does not start with the trigger glyph and a
// *StructuralMismatchError when a required line is missing or invalid.
// Unknown lines are ignored.
func ParseAlert(text string, links []model.LinkAnnotation) (*model.TokenAlert, error) {
	if !IsAlert(text) {
		return nil, appErrors.ErrNotApplicable
	}

	p := &alertParse{links: sortedLinks(links)}
	for _, ln := range splitLines(text) {
		for _, r := range recognizers {
			if strings.HasPrefix(ln.text, r.prefix) {
				// The trigger line is only the address line the first time.
				if r.prefix == TriggerGlyph && p.hasAddress {
					break
				}
				body := ln.text[len(r.prefix):]
				r.apply(p, body, ln.offset+len(r.prefix))
				break
			}
		}
		if p.err != nil {
			return nil, p.err
		}
	}

	if !p.hasAddress {
		return nil, appErrors.NewStructuralMismatch("address line missing")
	}
	if !p.hasName {
		return nil, appErrors.NewStructuralMismatch("name/symbol line missing")
	}
	if p.alert.Holders == nil {
		p.alert.Holders = padHolders(nil)
	}
	return &p.alert, nil
}

// ValidAddress reports whether s is an EVM address or a base58 token address.
func ValidAddress(s string) bool {
	if evmAddressRe.MatchString(s) {
		return true
	}
	if s == "" || len(s) > 44 || strings.HasPrefix(s, "0x") {
		return false
	}
	_, err := base58.Decode(s)
	return err == nil
}

func parseAddressLine(p *alertParse, body string, _ int) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		p.err = appErrors.NewStructuralMismatch("empty address line")
		return
	}
	if !ValidAddress(fields[0]) {
		p.err = appErrors.NewStructuralMismatch("invalid token address %q", fields[0])
		return
	}
	p.alert.Address = fields[0]
	p.hasAddress = true
}

func parseNameLine(p *alertParse, body string, bodyOffset int) {
	m := nameSymbolRe.FindStringSubmatch(strings.TrimSpace(body))
	if m == nil {
		return
	}
	p.alert.Name = strings.TrimSpace(m[1])
	p.alert.Symbol = strings.TrimSpace(m[2])
	p.hasName = true

	if l, ok := firstOverlap(p.links, bodyOffset, bodyOffset+len(body)); ok {
		p.alert.CanonicalLink = l.URL
	}
}

func metricField(set func(*model.TokenAlert, string)) func(*alertParse, string, int) {
	return func(p *alertParse, body string, _ int) {
		set(&p.alert, strings.TrimPrefix(strings.TrimSpace(body), "$"))
	}
}

func textField(set func(*model.TokenAlert, string)) func(*alertParse, string, int) {
	return func(p *alertParse, body string, _ int) {
		set(&p.alert, strings.TrimSpace(body))
	}
}

func flagField(set func(*model.TokenAlert, model.Flag)) func(*alertParse, string, int) {
	return func(p *alertParse, body string, _ int) {
		fields := strings.Fields(body)
		if len(fields) == 0 {
			return
		}
		set(&p.alert, model.ParseFlag(fields[0]))
	}
}

func parseHolderShareLine(p *alertParse, body string, _ int) {
	if m := holderShareRe.FindStringSubmatch(body); m != nil {
		p.alert.HolderFlag = model.ParseFlag(m[1])
		p.alert.HolderPercent = m[2]
	}
}

func parseTopHoldersLine(p *alertParse, body string, bodyOffset int) {
	p.alert.Holders = parseHolders(body, bodyOffset, p.links)
}

func parseChartLine(p *alertParse, body string, bodyOffset int) {
	if u := urlRe.FindString(body); u != "" {
		p.alert.ChartURL = u
		return
	}
	if l, ok := firstOverlap(p.links, bodyOffset, bodyOffset+len(body)); ok {
		p.alert.ChartURL = l.URL
	}
}

func parseExtraLine(p *alertParse, body string, _ int) {
	p.alert.ExtraInfo = strings.TrimSpace("🔥" + body)
}

// parseHolders resolves the top-holder values of the TH line. Inline link
// annotations over the line win, then "value(url)" pairs in the text, then
// bare values. The result always has exactly HolderSlots entries.
func parseHolders(body string, bodyOffset int, links []model.LinkAnnotation) []model.HolderPair {
	end := bodyOffset + len(body)
	if _, ok := firstOverlap(links, bodyOffset, end); ok {
		return padHolders(linkedSegments(body, bodyOffset, links))
	}

	if matches := linkedValueRe.FindAllStringSubmatch(body, -1); len(matches) > 0 {
		pairs := make([]model.HolderPair, 0, len(matches))
		for _, m := range matches {
			pairs = append(pairs, model.HolderPair{Value: m[1], URL: m[2]})
		}
		return padHolders(pairs)
	}

	var pairs []model.HolderPair
	for _, seg := range strings.Split(body, "|") {
		v := bareValueRe.FindString(seg)
		if v == "" {
			v = "0"
		}
		pairs = append(pairs, model.HolderPair{Value: v})
	}
	if len(pairs) == 1 && strings.TrimSpace(body) == "" {
		pairs = nil
	}
	return padHolders(pairs)
}

// linkedSegments splits the TH body on "|" and attaches to each segment the
// first link annotation overlapping it, left to right.
func linkedSegments(body string, bodyOffset int, links []model.LinkAnnotation) []model.HolderPair {
	var pairs []model.HolderPair
	start := 0
	for start <= len(body) {
		stop := strings.IndexByte(body[start:], '|')
		if stop < 0 {
			stop = len(body)
		} else {
			stop += start
		}

		seg := body[start:stop]
		v := bareValueRe.FindString(seg)
		if v == "" {
			v = strings.TrimSpace(seg)
		}
		if v == "" {
			v = "0"
		}
		pair := model.HolderPair{Value: v}
		if l, ok := firstOverlap(links, bodyOffset+start, bodyOffset+stop); ok {
			pair.URL = l.URL
		}
		pairs = append(pairs, pair)
		start = stop + 1
	}
	return pairs
}

func padHolders(pairs []model.HolderPair) []model.HolderPair {
	out := make([]model.HolderPair, model.HolderSlots)
	for i := range out {
		if i < len(pairs) {
			out[i] = pairs[i]
		} else {
			out[i] = model.HolderPair{Value: "0"}
		}
	}
	return out
}

func splitLines(text string) []line {
	var lines []line
	start := 0
	for start <= len(text) {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += start
		}
		raw := text[start:end]
		trimmed := strings.TrimLeft(raw, " \t")
		lead := len(raw) - len(trimmed)
		trimmed = strings.TrimRight(trimmed, " \t\r")
		if trimmed != "" {
			lines = append(lines, line{text: trimmed, offset: start + lead})
		}
		start = end + 1
	}
	return lines
}

func sortedLinks(links []model.LinkAnnotation) []model.LinkAnnotation {
	out := make([]model.LinkAnnotation, 0, len(links))
	for _, l := range links {
		if l.URL != "" && l.Length > 0 {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

func firstOverlap(links []model.LinkAnnotation, start, end int) (model.LinkAnnotation, bool) {
	for _, l := range links {
		if l.Overlaps(start, end) {
			return l, true
		}
	}
	return model.LinkAnnotation{}, false
}
