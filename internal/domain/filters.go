// Package domain holds the engine's plain records and ports. Nothing here
// talks to the network or the database.
package domain

import (
	"fmt"
	"strings"
)

// FilterSpec is the persisted filter set of a monitoring task. Every field is
// optional; an absent field never rejects a listing. Evaluation runs cheapest
// first, so sticker pricing is only paid for listings that survived the rest.
type FilterSpec struct {
	// Name must be contained in the listing's hash name, case-insensitively.
	Name     string   `json:"name,omitempty"`
	MaxPrice *float64 `json:"max_price,omitempty"`
	FloatMin *float64 `json:"float_min,omitempty"`
	FloatMax *float64 `json:"float_max,omitempty"`
	Patterns []int    `json:"patterns,omitempty"`
	// Variants is the resolved set of concrete wear variants enabled for an
	// ambiguous hash name. Empty enables every discovered variant.
	Variants []string       `json:"variants,omitempty"`
	Stickers *StickerFilter `json:"stickers,omitempty"`
}

// StickerFilter constrains the priced sticker set of a listing. Each bound
// applies only when set; all set bounds must hold.
type StickerFilter struct {
	MinTotalPrice  *float64 `json:"min_total_price,omitempty"`
	TotalPriceLow  *float64 `json:"total_price_low,omitempty"`
	TotalPriceHigh *float64 `json:"total_price_high,omitempty"`
	// MaxOverpay caps K = (listing price - base price) / total sticker price.
	MaxOverpay *float64 `json:"max_overpay,omitempty"`
	// BasePrice is the clean reference price for the overpay ratio. When nil
	// the pipeline derives it from the item's own price overview.
	BasePrice *float64 `json:"base_price,omitempty"`
}

// Sticker is one applied sticker in slot order. Price is nil until resolved.
type Sticker struct {
	Position int      `json:"position"`
	Name     string   `json:"name"`
	Price    *float64 `json:"price,omitempty"`
}

// ParsedListing is the normalized extraction of one market listing.
// Float is nil when the page carried no usable wear value, Pattern likewise.
// Stickers keep page order and retain duplicates.
type ParsedListing struct {
	ListingID          string    `json:"listing_id"`
	MarketHashName     string    `json:"market_hash_name"`
	Price              float64   `json:"price"`
	Float              *float64  `json:"float,omitempty"`
	Pattern            *int      `json:"pattern,omitempty"`
	Stickers           []Sticker `json:"stickers,omitempty"`
	InspectLink        string    `json:"inspect_link,omitempty"`
	TotalStickersPrice float64   `json:"total_stickers_price,omitempty"`
}

// Validate rejects specs that could never match or carry out-of-range bounds.
func (f FilterSpec) Validate() error {
	if f.MaxPrice != nil && *f.MaxPrice <= 0 {
		return fmt.Errorf("max_price must be positive: %w", ErrInvalidArgument)
	}
	if f.FloatMin != nil && (*f.FloatMin < 0 || *f.FloatMin > 1) {
		return fmt.Errorf("float_min outside [0,1]: %w", ErrInvalidArgument)
	}
	if f.FloatMax != nil && (*f.FloatMax < 0 || *f.FloatMax > 1) {
		return fmt.Errorf("float_max outside [0,1]: %w", ErrInvalidArgument)
	}
	if f.FloatMin != nil && f.FloatMax != nil && *f.FloatMin > *f.FloatMax {
		return fmt.Errorf("float_min above float_max: %w", ErrInvalidArgument)
	}
	for _, p := range f.Patterns {
		if p < 0 || p > 99999 {
			return fmt.Errorf("pattern %d outside [0,99999]: %w", p, ErrInvalidArgument)
		}
	}
	if s := f.Stickers; s != nil {
		if s.MinTotalPrice != nil && *s.MinTotalPrice < 0 {
			return fmt.Errorf("min_total_price negative: %w", ErrInvalidArgument)
		}
		if s.TotalPriceLow != nil && *s.TotalPriceLow < 0 {
			return fmt.Errorf("total_price_low negative: %w", ErrInvalidArgument)
		}
		if s.TotalPriceLow != nil && s.TotalPriceHigh != nil && *s.TotalPriceLow > *s.TotalPriceHigh {
			return fmt.Errorf("total_price_low above total_price_high: %w", ErrInvalidArgument)
		}
		if s.BasePrice != nil && *s.BasePrice <= 0 {
			return fmt.Errorf("base_price must be positive: %w", ErrInvalidArgument)
		}
	}
	return nil
}

// NeedsStickerPrices reports whether evaluation requires resolved sticker
// prices, which is the expensive tail of the pipeline.
func (f FilterSpec) NeedsStickerPrices() bool {
	return f.Stickers != nil
}

// MatchesName applies the substring name filter.
func (f FilterSpec) MatchesName(hashName string) bool {
	if f.Name == "" {
		return true
	}
	return strings.Contains(strings.ToLower(hashName), strings.ToLower(f.Name))
}

// VariantEnabled reports whether a discovered wear variant may be processed.
// An empty variant list enables every variant.
func (f FilterSpec) VariantEnabled(hashName string) bool {
	if len(f.Variants) == 0 {
		return true
	}
	for _, v := range f.Variants {
		if strings.EqualFold(v, hashName) {
			return true
		}
	}
	return false
}

// MatchesPrice applies the price ceiling.
func (f FilterSpec) MatchesPrice(price float64) bool {
	if f.MaxPrice == nil {
		return true
	}
	return price <= *f.MaxPrice
}

// MatchesFloat applies the inclusive wear range. A listing without a float
// value cannot satisfy a float filter.
func (f FilterSpec) MatchesFloat(fl *float64) bool {
	if f.FloatMin == nil && f.FloatMax == nil {
		return true
	}
	if fl == nil {
		return false
	}
	if f.FloatMin != nil && *fl < *f.FloatMin {
		return false
	}
	if f.FloatMax != nil && *fl > *f.FloatMax {
		return false
	}
	return true
}

// MatchesPattern applies the accepted pattern set. A listing without a
// pattern value cannot satisfy a pattern filter.
func (f FilterSpec) MatchesPattern(p *int) bool {
	if len(f.Patterns) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	for _, want := range f.Patterns {
		if *p == want {
			return true
		}
	}
	return false
}

// Overpay computes K = (listingPrice - basePrice) / totalStickers. The ratio
// is undefined when the sticker total is not positive.
func Overpay(listingPrice, basePrice, totalStickers float64) (float64, bool) {
	if totalStickers <= 0 {
		return 0, false
	}
	return (listingPrice - basePrice) / totalStickers, true
}

// Evaluate applies every set sticker bound to a resolved total and overpay.
// overpay is nil when the ratio was undefined, which fails a MaxOverpay bound.
func (s StickerFilter) Evaluate(total float64, overpay *float64) bool {
	if s.MinTotalPrice != nil && total < *s.MinTotalPrice {
		return false
	}
	if s.TotalPriceLow != nil && total < *s.TotalPriceLow {
		return false
	}
	if s.TotalPriceHigh != nil && total > *s.TotalPriceHigh {
		return false
	}
	if s.MaxOverpay != nil {
		if overpay == nil {
			return false
		}
		if *overpay > *s.MaxOverpay {
			return false
		}
	}
	return true
}
