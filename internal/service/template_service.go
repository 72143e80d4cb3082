// internal/service/template_service.go
package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/unclebandit/alert-relay/internal/model"
	"github.com/unclebandit/alert-relay/internal/telegram"
)

const (
	// MaxMessageLength is the Telegram message limit in characters.
	MaxMessageLength = 4096
	// TruncationSuffix replaces the tail of an over-long message.
	TruncationSuffix = "..."
)

// LinkConfig holds the fixed URLs of the alert keyboard. Empty URLs drop
// their button.
type LinkConfig struct {
	GiftURL          string
	AxiomTutorialURL string
	SupportURL       string
}

// Renderer turns a parsed alert into outbound HTML text plus link
// annotations, and builds the inline keyboard. It holds no mutable state.
type Renderer struct {
	labels Labels
	links  LinkConfig
}

func NewRenderer(labels Labels, links LinkConfig) *Renderer {
	return &Renderer{labels: labels, links: links}
}

// Labels returns the renderer's locale strings.
func (r *Renderer) Labels() Labels {
	return r.labels
}

// Render lays out the alert. Link offsets are byte offsets into the
// returned text.
func (r *Renderer) Render(a *model.TokenAlert) model.Rendered {
	l := r.labels
	var b htmlBuilder

	b.raw("⚡️ <code>")
	b.text(a.Address)
	b.raw("</code>\n• ")
	b.link(fmt.Sprintf("%s (%s)", a.Name, a.Symbol), nameLink(a))
	b.raw("\n")

	b.field(l.Price, dollars(a.Price))
	b.field(l.MarketCap, dollars(a.MarketCap))
	b.field(l.Volume, dollars(a.Volume))
	b.field(l.Age, orDash(a.Age))
	b.field(l.Exchange, orDash(a.Exchange))
	b.field(l.DexPaid, a.DexPaid.Glyph())
	b.field(l.CAVerified, a.CAVerified.Glyph())
	b.field(l.Tax, orDash(a.Tax))
	b.field(l.Honeypot, orDash(a.Honeypot))
	b.field(l.Holders, strings.TrimSpace(fmt.Sprintf("Top 10: %s %s", a.HolderFlag.Glyph(), a.HolderPercent)))

	b.raw("• ")
	b.text(l.TopHolders)
	for i, h := range a.Holders {
		if i > 0 {
			b.raw("|")
		}
		if h.URL != "" && !zeroValue(h.Value) {
			b.link(h.Value, h.URL)
		} else {
			b.text(h.Value)
		}
	}

	if a.ExtraInfo != "" {
		b.raw("\n\n")
		b.text(a.ExtraInfo)
	}

	text, links := truncate(b.sb.String(), b.links, MaxMessageLength)
	return model.Rendered{
		Text:         text,
		Links:        links,
		ChartURL:     chartLink(a),
		Holders:      a.Holders,
		TokenAddress: a.Address,
	}
}

// Keyboard builds the inline controls of a delivered alert with the current tally.
func (r *Renderer) Keyboard(tokenAddress, chartURL string, tally model.Tally) model.Keyboard {
	l := r.labels
	if chartURL == "" {
		chartURL = explorerLink(tokenAddress)
	}

	kb := model.Keyboard{
		{{Text: l.ChartButton, URL: chartURL}},
		{{Text: l.AxiomButton, URL: axiomLink(tokenAddress)}},
	}
	if r.links.GiftURL != "" {
		kb = append(kb, []model.Button{{Text: l.GiftButton, URL: r.links.GiftURL}})
	}
	var help []model.Button
	if r.links.AxiomTutorialURL != "" {
		help = append(help, model.Button{Text: l.TutorialButton, URL: r.links.AxiomTutorialURL})
	}
	if r.links.SupportURL != "" {
		help = append(help, model.Button{Text: l.SupportButton, URL: r.links.SupportURL})
	}
	if len(help) > 0 {
		kb = append(kb, help)
	}
	return append(kb, []model.Button{
		{Text: fmt.Sprintf("🟢 (%d)", tally.Green), CallbackData: model.CallbackVoteGreen},
		{Text: fmt.Sprintf("🔴 (%d)", tally.Red), CallbackData: model.CallbackVoteRed},
	})
}

// htmlBuilder accumulates escaped HTML and records link annotations
// against the output as it is written.
type htmlBuilder struct {
	sb    strings.Builder
	links []model.LinkAnnotation
}

func (b *htmlBuilder) raw(s string) { b.sb.WriteString(s) }

func (b *htmlBuilder) text(s string) { b.sb.WriteString(telegram.EscapeHTML(s)) }

func (b *htmlBuilder) link(display, url string) {
	start := b.sb.Len()
	b.text(display)
	if url != "" && b.sb.Len() > start {
		b.links = append(b.links, model.LinkAnnotation{Offset: start, Length: b.sb.Len() - start, URL: url})
	}
}

func (b *htmlBuilder) field(label, value string) {
	b.raw("• ")
	b.text(label)
	b.text(value)
	b.raw("\n")
}

// truncate cuts text to at most max characters including the suffix. The
// cut never splits a character, an HTML entity or a tag, and link
// annotations are clipped to what remains.
func truncate(text string, links []model.LinkAnnotation, max int) (string, []model.LinkAnnotation) {
	if utf8.RuneCountInString(text) <= max {
		return text, links
	}

	keep := max - utf8.RuneCountInString(TruncationSuffix)
	cut := 0
	for i := 0; i < keep && cut < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[cut:])
		cut += size
	}
	cut = safeCut(text, cut)

	var clipped []model.LinkAnnotation
	for _, l := range links {
		if l.Offset >= cut {
			continue
		}
		if l.End() > cut {
			l.Length = cut - l.Offset
		}
		clipped = append(clipped, l)
	}
	return text[:cut] + TruncationSuffix, clipped
}

// safeCut moves cut back to before any entity or tag it would split.
func safeCut(text string, cut int) int {
	head := text[:cut]
	if amp := strings.LastIndexByte(head, '&'); amp >= 0 && !strings.Contains(head[amp:], ";") {
		cut = amp
		head = text[:cut]
	}
	if lt := strings.LastIndexByte(head, '<'); lt >= 0 && !strings.Contains(head[lt:], ">") {
		cut = lt
		head = text[:cut]
	}
	// An open <code> span would leave unbalanced markup.
	if open := strings.LastIndex(head, "<code>"); open >= 0 && !strings.Contains(head[open:], "</code>") {
		cut = open
	}
	return cut
}

func nameLink(a *model.TokenAlert) string {
	if a.CanonicalLink != "" {
		return a.CanonicalLink
	}
	return explorerLink(a.Address)
}

func chartLink(a *model.TokenAlert) string {
	if a.ChartURL != "" {
		return a.ChartURL
	}
	return explorerLink(a.Address)
}

// explorerLink derives a dexscreener page from the address format.
func explorerLink(address string) string {
	if strings.HasPrefix(address, "0x") {
		return "https://dexscreener.com/bsc/" + address
	}
	return "https://dexscreener.com/solana/" + address
}

func axiomLink(address string) string {
	return "https://axiom.app/contract/" + address
}

func dollars(v string) string {
	if v == "" {
		return "-"
	}
	return "$" + v
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func zeroValue(v string) bool {
	v = strings.TrimSuffix(v, "%")
	return strings.Trim(v, "0.") == ""
}
