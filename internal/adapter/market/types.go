package market

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// flexString tolerates the marketplace's habit of emitting the same field
// as a JSON string on one page and a bare number on the next.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func (f flexString) Float() (float64, bool) {
	if f == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(f), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (f flexString) Int() (int, bool) {
	if f == "" {
		return 0, false
	}
	v, err := strconv.Atoi(string(f))
	if err != nil {
		// Some pages carry integral values with a decimal tail.
		fv, ferr := strconv.ParseFloat(string(f), 64)
		if ferr != nil {
			return 0, false
		}
		return int(fv), true
	}
	return v, true
}

// RenderResponse is the envelope of listings/<appid>/<hash>/render/.
// assets is keyed appid -> contextid -> assetid; listinginfo is keyed by
// listing id and joins the HTML rows to their asset records.
type RenderResponse struct {
	Success     bool                                   `json:"success"`
	Start       int                                    `json:"start"`
	PageSize    flexString                             `json:"pagesize"`
	TotalCount  int                                    `json:"total_count"`
	ResultsHTML string                                 `json:"results_html"`
	Assets      map[string]map[string]map[string]Asset `json:"assets"`
	ListingInfo map[string]ListingInfo                 `json:"listinginfo"`
}

type Asset struct {
	ID              string             `json:"id"`
	ClassID         string             `json:"classid"`
	InstanceID      string             `json:"instanceid"`
	MarketHashName  string             `json:"market_hash_name"`
	Descriptions    []AssetDescription `json:"descriptions"`
	AssetProperties []AssetProperty    `json:"asset_properties"`
}

type AssetDescription struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AssetProperty carries wear and pattern data. propertyid 2 holds the
// float; 1 holds the paint seed for skins, 3 for charms.
type AssetProperty struct {
	PropertyID int        `json:"propertyid"`
	IntValue   flexString `json:"int_value"`
	FloatValue flexString `json:"float_value"`
}

type ListingInfo struct {
	ListingID      string       `json:"listingid"`
	Price          int64        `json:"price"`
	Fee            int64        `json:"fee"`
	ConvertedPrice int64        `json:"converted_price"`
	ConvertedFee   int64        `json:"converted_fee"`
	Asset          ListingAsset `json:"asset"`
}

type ListingAsset struct {
	ID            string         `json:"id"`
	ContextID     string         `json:"contextid"`
	AppID         int            `json:"appid"`
	Amount        string         `json:"amount"`
	MarketActions []MarketAction `json:"market_actions"`
}

type MarketAction struct {
	Link string `json:"link"`
	Name string `json:"name"`
}

// BuyerPrice is the with-fee price in major units, preferring the
// converted figures when the response was localized.
func (li ListingInfo) BuyerPrice() (float64, bool) {
	if li.ConvertedPrice > 0 {
		return float64(li.ConvertedPrice+li.ConvertedFee) / 100, true
	}
	if li.Price > 0 {
		return float64(li.Price+li.Fee) / 100, true
	}
	return 0, false
}

// Suggestion is one row of searchsuggestionsresults. MinPrice is in
// integer cents.
type Suggestion struct {
	MarketHashName string     `json:"market_hash_name"`
	MinPrice       int64      `json:"min_price"`
	SellListings   flexString `json:"sell_listings"`
	AppID          flexString `json:"appid"`
	HashNameURL    string     `json:"market_hash_name_url"`
}

type suggestionsResponse struct {
	Results []Suggestion `json:"results"`
}

type priceOverviewResponse struct {
	Success     bool   `json:"success"`
	LowestPrice string `json:"lowest_price"`
	MedianPrice string `json:"median_price"`
	Volume      string `json:"volume"`
}
