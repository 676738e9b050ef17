package domain

import (
	"testing"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestMatchesFloatInclusiveBounds(t *testing.T) {
	tests := []struct {
		name   string
		min    *float64
		max    *float64
		value  *float64
		expect bool
	}{
		{"no filter passes nil", nil, nil, nil, true},
		{"no filter passes value", nil, nil, fptr(0.5), true},
		{"zero-width range accepts exact zero", fptr(0.0), fptr(0.0), fptr(0.0), true},
		{"zero-width range rejects epsilon", fptr(0.0), fptr(0.0), fptr(0.0000001), false},
		{"nil float fails active filter", fptr(0.0), fptr(0.5), nil, false},
		{"lower bound inclusive", fptr(0.15), fptr(0.38), fptr(0.15), true},
		{"upper bound inclusive", fptr(0.15), fptr(0.38), fptr(0.38), true},
		{"above upper bound", fptr(0.15), fptr(0.38), fptr(0.381), false},
		{"below lower bound", fptr(0.15), fptr(0.38), fptr(0.1499), false},
		{"min only", fptr(0.9), nil, fptr(0.95), true},
		{"max only", nil, fptr(0.07), fptr(0.08), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FilterSpec{FloatMin: tt.min, FloatMax: tt.max}
			if got := f.MatchesFloat(tt.value); got != tt.expect {
				t.Errorf("MatchesFloat() = %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestMatchesPatternSet(t *testing.T) {
	tests := []struct {
		name     string
		patterns []int
		value    *int
		expect   bool
	}{
		{"empty set passes nil", nil, nil, true},
		{"empty set passes value", nil, iptr(42), true},
		{"exact member", []int{999}, iptr(999), true},
		{"non-member", []int{999}, iptr(998), false},
		{"zero is a legal pattern", []int{0}, iptr(0), true},
		{"nil pattern fails active filter", []int{999}, nil, false},
		{"multiple members", []int{1, 387, 955}, iptr(387), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FilterSpec{Patterns: tt.patterns}
			if got := f.MatchesPattern(tt.value); got != tt.expect {
				t.Errorf("MatchesPattern() = %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestMatchesNameCaseInsensitive(t *testing.T) {
	f := FilterSpec{Name: "karambit"}
	if !f.MatchesName("★ Karambit | Doppler (Factory New)") {
		t.Error("expected case-insensitive substring match")
	}
	if f.MatchesName("★ Bayonet | Doppler (Factory New)") {
		t.Error("expected mismatch for different item")
	}
	if !(FilterSpec{}).MatchesName("anything") {
		t.Error("empty name filter must pass everything")
	}
}

func TestVariantEnabled(t *testing.T) {
	f := FilterSpec{Variants: []string{"AK-47 | Redline (Field-Tested)"}}
	if !f.VariantEnabled("ak-47 | redline (field-tested)") {
		t.Error("variant names compare case-insensitively")
	}
	if f.VariantEnabled("AK-47 | Redline (Factory New)") {
		t.Error("variants outside the list must stay disabled")
	}
	if !(FilterSpec{}).VariantEnabled("anything") {
		t.Error("an empty variant list enables every variant")
	}
}

func TestMatchesPriceCeiling(t *testing.T) {
	f := FilterSpec{MaxPrice: fptr(100)}
	if !f.MatchesPrice(100) {
		t.Error("ceiling is inclusive")
	}
	if f.MatchesPrice(100.01) {
		t.Error("above ceiling must fail")
	}
	if !(FilterSpec{}).MatchesPrice(1e6) {
		t.Error("absent ceiling must pass")
	}
}

func TestOverpayRatio(t *testing.T) {
	// K = (S - D) / P
	k, ok := Overpay(40, 10, 20)
	if !ok || k != 1.5 {
		t.Fatalf("Overpay(40,10,20) = %v, %v; want 1.5, true", k, ok)
	}
	if _, ok := Overpay(40, 10, 0); ok {
		t.Error("zero sticker total must leave the ratio undefined")
	}
	// Listing below base price yields a negative ratio, which is legal.
	k, ok = Overpay(5, 10, 20)
	if !ok || k != -0.25 {
		t.Fatalf("Overpay(5,10,20) = %v, %v; want -0.25, true", k, ok)
	}
}

func TestStickerFilterEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		filter  StickerFilter
		total   float64
		overpay *float64
		expect  bool
	}{
		{"no bounds", StickerFilter{}, 0, nil, true},
		{"min total met", StickerFilter{MinTotalPrice: fptr(50)}, 50, nil, true},
		{"min total missed", StickerFilter{MinTotalPrice: fptr(50)}, 49.99, nil, false},
		{"range inside", StickerFilter{TotalPriceLow: fptr(10), TotalPriceHigh: fptr(20)}, 15, nil, true},
		{"range below", StickerFilter{TotalPriceLow: fptr(10), TotalPriceHigh: fptr(20)}, 9, nil, false},
		{"range above", StickerFilter{TotalPriceLow: fptr(10), TotalPriceHigh: fptr(20)}, 21, nil, false},
		{"overpay at cap", StickerFilter{MaxOverpay: fptr(1.5)}, 20, fptr(1.5), true},
		{"overpay just above cap", StickerFilter{MaxOverpay: fptr(1.49)}, 20, fptr(1.5), false},
		{"overpay undefined fails cap", StickerFilter{MaxOverpay: fptr(1.5)}, 0, nil, false},
		{
			"all bounds together",
			StickerFilter{MinTotalPrice: fptr(10), TotalPriceLow: fptr(10), TotalPriceHigh: fptr(100), MaxOverpay: fptr(2)},
			50, fptr(0.4), true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Evaluate(tt.total, tt.overpay); got != tt.expect {
				t.Errorf("Evaluate(%v, %v) = %v, want %v", tt.total, tt.overpay, got, tt.expect)
			}
		})
	}
}

func TestFilterSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    FilterSpec
		wantErr bool
	}{
		{"empty spec", FilterSpec{}, false},
		{"good float range", FilterSpec{FloatMin: fptr(0.0), FloatMax: fptr(0.07)}, false},
		{"float above one", FilterSpec{FloatMax: fptr(1.01)}, true},
		{"negative float", FilterSpec{FloatMin: fptr(-0.1)}, true},
		{"inverted float range", FilterSpec{FloatMin: fptr(0.5), FloatMax: fptr(0.2)}, true},
		{"pattern too large", FilterSpec{Patterns: []int{100000}}, true},
		{"pattern upper bound", FilterSpec{Patterns: []int{99999}}, false},
		{"negative pattern", FilterSpec{Patterns: []int{-1}}, true},
		{"zero max price", FilterSpec{MaxPrice: fptr(0)}, true},
		{"inverted sticker range", FilterSpec{Stickers: &StickerFilter{TotalPriceLow: fptr(30), TotalPriceHigh: fptr(10)}}, true},
		{"zero base price", FilterSpec{Stickers: &StickerFilter{BasePrice: fptr(0)}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
