package market

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// WearConditions are the five exterior suffixes a skin hash name can
// carry. A name without one is ambiguous and needs variant discovery.
var WearConditions = []string{
	"Factory New", "Minimal Wear", "Field-Tested", "Well-Worn", "Battle-Scarred",
}

// HasWearSuffix reports whether the hash name already names a concrete
// exterior variant.
func HasWearSuffix(name string) bool {
	for _, w := range WearConditions {
		if strings.HasSuffix(name, "("+w+")") {
			return true
		}
	}
	return false
}

var (
	inspectRe     = regexp.MustCompile(`csgo_econ_action_preview.*?M(\d+)A(\d+)D(\d+)`)
	listingInfoRe = regexp.MustCompile(`(?s)g_rgListingInfo\s*=\s*(\{.*?\});`)
	promoteSpanRe = regexp.MustCompile(`(?is)<span[^>]*class=["'][^"']*market_commodity_orders_header_promote[^"']*["'][^>]*>([^<]*)</span>`)
	showingRe     = regexp.MustCompile(`(?is)showing\s+[\d,]+\s*-\s*[\d,]+\s+of\s+(?:<[^>]*>\s*)*([\d,]+)`)
	moneyRe       = regexp.MustCompile(`[\d][\d.,]*`)
	placeholderRe = regexp.MustCompile(`%[a-z_]+%`)
)

// InspectRef is the parameter tuple of an in-game inspect link. The D
// component is an opaque signed value; the engine stores it untouched.
type InspectRef struct {
	ListingID string
	AssetID   string
	D         string
}

// ParseInspectLink pulls the M/A/D tuple out of a
// +csgo_econ_action_preview link.
func ParseInspectLink(link string) (InspectRef, bool) {
	m := inspectRe.FindStringSubmatch(link)
	if m == nil {
		return InspectRef{}, false
	}
	return InspectRef{ListingID: m[1], AssetID: m[2], D: m[3]}, true
}

// FillInspectPlaceholders substitutes the %listingid% and %assetid%
// placeholders market_actions links carry. Returns "" when the result
// still is not a concrete inspect link.
func FillInspectPlaceholders(link, listingID, assetID string) string {
	if !strings.Contains(link, "csgo_econ_action_preview") {
		return ""
	}
	link = strings.ReplaceAll(link, "%listingid%", listingID)
	link = strings.ReplaceAll(link, "%assetid%", assetID)
	if placeholderRe.MatchString(link) {
		return ""
	}
	return link
}

// ParseMoney extracts a price in major units from a display string such
// as "$14.93", "1,400.50 USD" or "14,93€".
func ParseMoney(s string) (float64, bool) {
	raw := moneyRe.FindString(s)
	if raw == "" {
		return 0, false
	}
	hasComma := strings.Contains(raw, ",")
	hasDot := strings.Contains(raw, ".")
	switch {
	case hasComma && hasDot:
		raw = strings.ReplaceAll(raw, ",", "")
	case hasComma:
		// A single trailing comma group of 1-2 digits is a decimal comma;
		// anything else is thousands separators.
		if i := strings.LastIndex(raw, ","); strings.Count(raw, ",") == 1 && len(raw)-i-1 <= 2 {
			raw = raw[:i] + "." + raw[i+1:]
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// TotalFromHTML recovers the result total from the "Showing X-Y of N"
// pager text when the JSON total_count is absent.
func TotalFromHTML(pageHTML string) (int, bool) {
	m := showingRe.FindStringSubmatch(pageHTML)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0, false
	}
	return n, true
}

// WearAndPattern extracts the float and paint seed of an asset. The
// float lives under propertyid 2, the seed under 1 for skins and 3 for
// charms; out-of-range values are dropped rather than clamped.
func (a Asset) WearAndPattern() (*float64, *int) {
	var floatVal *float64
	var pattern *int
	for _, p := range a.AssetProperties {
		switch p.PropertyID {
		case 2:
			if floatVal != nil {
				continue
			}
			if v, ok := p.FloatValue.Float(); ok && v >= 0 && v <= 1 {
				fv := v
				floatVal = &fv
			}
		case 1, 3:
			if pattern != nil {
				continue
			}
			if v, ok := p.IntValue.Int(); ok && v >= 0 && v <= 99999 {
				pv := v
				pattern = &pv
			}
		}
	}
	return floatVal, pattern
}

// StickerList parses the asset's sticker_info description block,
// preserving slot order and duplicates.
func (a Asset) StickerList() []domain.Sticker {
	for _, d := range a.Descriptions {
		if d.Name == "sticker_info" {
			return parseStickerInfo(d.Value)
		}
	}
	return nil
}

// parseStickerInfo extracts sticker names from the description HTML.
// Names come from <img title="Sticker: NAME">; a missing title falls
// back to the icon URL slug.
func parseStickerInfo(fragment string) []domain.Sticker {
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	var out []domain.Sticker
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "img" {
			return
		}
		name := ""
		if title := attrVal(n, "title"); strings.HasPrefix(title, "Sticker:") {
			name = strings.TrimSpace(strings.TrimPrefix(title, "Sticker:"))
		}
		if name == "" {
			name = slugFromIconURL(attrVal(n, "src"))
		}
		if name == "" {
			return
		}
		out = append(out, domain.Sticker{Position: len(out), Name: name})
	})
	return out
}

func slugFromIconURL(src string) string {
	if src == "" {
		return ""
	}
	seg := src
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	if i := strings.Index(seg, "."); i >= 0 {
		seg = seg[:i]
	}
	return strings.TrimSpace(strings.ReplaceAll(seg, "_", " "))
}

// listingRow is one market_listing_row div from results_html.
type listingRow struct {
	id          string
	priceText   string
	inspectHref string
}

// parseListingRows walks results_html for divs with id "listing_<N>",
// taking the buyer-side price text and any inspect anchor in the row.
func parseListingRows(fragment string) []listingRow {
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	var rows []listingRow
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "div" {
			return
		}
		id := attrVal(n, "id")
		if !strings.HasPrefix(id, "listing_") {
			return
		}
		row := listingRow{id: strings.TrimPrefix(id, "listing_")}
		walk(n, func(c *html.Node) {
			if c.Type != html.ElementNode {
				return
			}
			if row.priceText == "" && hasClass(c, "market_listing_price_with_fee") {
				row.priceText = textContent(c)
			}
			if row.inspectHref == "" && c.Data == "a" {
				if href := attrVal(c, "href"); strings.Contains(href, "csgo_econ_action_preview") {
					row.inspectHref = href
				}
			}
		})
		if row.priceText == "" {
			walk(n, func(c *html.Node) {
				if row.priceText == "" && c.Type == html.ElementNode && hasClass(c, "market_table_value") {
					row.priceText = textContent(c)
				}
			})
		}
		rows = append(rows, row)
	})
	return rows
}

// ParseRenderListings joins a render response's three parallel
// structures into parsed records. Rows whose price is not a positive
// finite number below 100000 are dropped.
func ParseRenderListings(rr *RenderResponse, appID int) []domain.ParsedListing {
	rows := parseListingRows(rr.ResultsHTML)
	assetIdx := map[string]Asset{}
	for _, contexts := range rr.Assets[strconv.Itoa(appID)] {
		for id, a := range contexts {
			assetIdx[id] = a
		}
	}

	out := make([]domain.ParsedListing, 0, len(rows))
	for _, row := range rows {
		li, hasInfo := rr.ListingInfo[row.id]

		price, ok := ParseMoney(row.priceText)
		if !ok {
			if hasInfo {
				price, ok = li.BuyerPrice()
			}
			if !ok {
				continue
			}
		}
		if price <= 0 || price >= 100000 {
			continue
		}

		pl := domain.ParsedListing{ListingID: row.id, Price: price, InspectLink: row.inspectHref}
		if hasInfo {
			if a, found := assetIdx[li.Asset.ID]; found {
				pl.MarketHashName = a.MarketHashName
				pl.Float, pl.Pattern = a.WearAndPattern()
				pl.Stickers = a.StickerList()
			}
			if pl.InspectLink == "" {
				for _, ma := range li.Asset.MarketActions {
					if link := FillInspectPlaceholders(ma.Link, row.id, li.Asset.ID); link != "" {
						pl.InspectLink = link
						break
					}
				}
			}
		}
		out = append(out, pl)
	}
	return out
}

// LowestPriceFromListingHTML extracts the "for sale starting at" figure
// of a full item page. The promoted spans are tried first: the page
// renders the listing count in the first span and the price in the
// last, so a single span is not trusted. The embedded g_rgListingInfo
// JSON is the fallback, reading only lowest_price fields; the price
// field there belongs to one arbitrary listing and misleads.
func LowestPriceFromListingHTML(pageHTML string) (float64, bool) {
	spans := promoteSpanRe.FindAllStringSubmatch(pageHTML, -1)
	if len(spans) >= 2 {
		for i := len(spans) - 1; i >= 1; i-- {
			if v, ok := ParseMoney(spans[i][1]); ok && v > 0 {
				return v, true
			}
		}
	}
	return lowestFromListingInfo(pageHTML)
}

func lowestFromListingInfo(pageHTML string) (float64, bool) {
	m := listingInfoRe.FindStringSubmatch(pageHTML)
	if m == nil {
		return 0, false
	}
	var infos map[string]struct {
		LowestPrice json.RawMessage `json:"lowest_price"`
	}
	if err := json.Unmarshal([]byte(m[1]), &infos); err != nil {
		return 0, false
	}
	for _, info := range infos {
		if len(info.LowestPrice) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(info.LowestPrice, &s); err == nil {
			if v, ok := ParseMoney(s); ok && v > 0 {
				return v, true
			}
			continue
		}
		var n float64
		if err := json.Unmarshal(info.LowestPrice, &n); err == nil && n > 0 {
			// Numeric values above 1000 are cents.
			if n > 1000 {
				n /= 100
			}
			return n, true
		}
	}
	return 0, false
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, token := range strings.Fields(attrVal(n, "class")) {
		if token == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})
	return strings.Join(strings.Fields(b.String()), " ")
}
