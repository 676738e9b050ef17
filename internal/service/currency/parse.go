package currency

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// wrapperKeys are the envelope fields rate APIs have been seen nesting
// their payload under.
var wrapperKeys = []string{"currencies", "rates", "data", "result"}

var (
	numberRe    = regexp.MustCompile(`\d+\.?\d*`)
	scriptObjRe = regexp.MustCompile(`\{[^{}]*\}`)
)

// parseJSONRates handles the payload shapes the primary source has been
// seen serving: a flat {code: rate} object, the same nested under an
// envelope key, and arrays of {code, rate} pairs.
func (s *Service) parseJSONRates(body []byte) map[string]float64 {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	switch v := doc.(type) {
	case []any:
		return s.ratesFromPairs(v)
	case map[string]any:
		if rates := s.ratesFromMap(v); len(rates) > 0 {
			return rates
		}
		for _, key := range wrapperKeys {
			switch inner := v[key].(type) {
			case map[string]any:
				if rates := s.ratesFromMap(inner); len(rates) > 0 {
					return rates
				}
			case []any:
				if rates := s.ratesFromPairs(inner); len(rates) > 0 {
					return rates
				}
			}
		}
	}
	return nil
}

func (s *Service) ratesFromMap(m map[string]any) map[string]float64 {
	rates := map[string]float64{}
	for _, code := range s.codes {
		raw, ok := m[code]
		if !ok {
			continue
		}
		if rate, ok := asFloat(raw); ok && inRange(rate) {
			rates[code] = rate
		}
	}
	return rates
}

func (s *Service) ratesFromPairs(items []any) map[string]float64 {
	rates := map[string]float64{}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		code, rate, ok := ratePair(obj)
		if !ok {
			continue
		}
		for _, want := range s.codes {
			if code == want {
				rates[want] = rate
			}
		}
	}
	return rates
}

// ratePair reads one {code, rate} object, accepting the field aliases
// seen in the wild.
func ratePair(obj map[string]any) (string, float64, bool) {
	var code string
	for _, k := range []string{"code", "currency", "symbol"} {
		if v, ok := obj[k].(string); ok && v != "" {
			code = strings.ToUpper(strings.TrimSpace(v))
			break
		}
	}
	if code == "" {
		return "", 0, false
	}
	for _, k := range []string{"rate", "value", "price"} {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		if rate, ok := asFloat(raw); ok && inRange(rate) {
			return code, rate, true
		}
	}
	return "", 0, false
}

// parseHTMLRates works through three extraction tiers: numbers adjacent
// to a code mention in the page text, table rows naming the code, and
// JSON objects embedded in inline scripts. Later tiers only fill codes
// the earlier ones missed.
func (s *Service) parseHTMLRates(pageHTML string) map[string]float64 {
	root, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}
	rates := map[string]float64{}
	for _, code := range s.codes {
		if rate, ok := rateNearText(root, code); ok {
			rates[code] = rate
		}
	}
	if len(rates) < len(s.codes) {
		s.ratesFromTables(root, rates)
	}
	if len(rates) < len(s.codes) {
		s.ratesFromScripts(root, rates)
	}
	if len(rates) == 0 {
		return nil
	}
	return rates
}

// rateNearText finds the first plausible number next to a mention of
// code, scanning the text of the mentioning node's parent so "THB:
// 35.5" split across inline tags still matches.
func rateNearText(root *html.Node, code string) (float64, bool) {
	quoted := regexp.QuoteMeta(code)
	patterns := []*regexp.Regexp{
		regexp.MustCompile(`(?i)` + quoted + `\s*[:\-]?\s*(\d+\.?\d*)`),
		regexp.MustCompile(`(?i)(\d+\.?\d*)\s*` + quoted),
	}
	var rate float64
	var found bool
	walk(root, func(n *html.Node) {
		if found || n.Type != html.TextNode || !strings.Contains(n.Data, code) {
			return
		}
		scope := n.Data
		if n.Parent != nil {
			scope = textContent(n.Parent)
		}
		for _, re := range patterns {
			m := re.FindStringSubmatch(scope)
			if m == nil {
				continue
			}
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && inRange(v) {
				rate, found = v, true
				return
			}
		}
	})
	return rate, found
}

// ratesFromTables scans table rows for the codes still missing, taking
// the first plausible number in any row that mentions the code.
func (s *Service) ratesFromTables(root *html.Node, rates map[string]float64) {
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "tr" {
			return
		}
		var cells []string
		walk(n, func(c *html.Node) {
			if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
				cells = append(cells, textContent(c))
			}
		})
		if len(cells) < 2 {
			return
		}
		rowText := strings.Join(cells, " ")
		for _, code := range s.codes {
			if _, ok := rates[code]; ok {
				continue
			}
			if !strings.Contains(rowText, code) {
				continue
			}
			for _, numStr := range numberRe.FindAllString(rowText, -1) {
				if v, err := strconv.ParseFloat(numStr, 64); err == nil && inRange(v) {
					rates[code] = v
					break
				}
			}
		}
	})
}

// ratesFromScripts digs the remaining codes out of inline script JSON.
// Matching is bracket-shallow, so only flat object literals are seen.
func (s *Service) ratesFromScripts(root *html.Node, rates map[string]float64) {
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "script" {
			return
		}
		text := scriptText(n)
		lower := strings.ToLower(text)
		if !strings.Contains(lower, "currency") && !strings.Contains(lower, "rate") {
			return
		}
		for _, objText := range scriptObjRe.FindAllString(text, -1) {
			var obj map[string]any
			if err := json.Unmarshal([]byte(objText), &obj); err != nil {
				continue
			}
			for _, code := range s.codes {
				if _, ok := rates[code]; ok {
					continue
				}
				if raw, ok := obj[code]; ok {
					if v, ok := asFloat(raw); ok && inRange(v) {
						rates[code] = v
						continue
					}
				}
				if pairCode, v, ok := ratePair(obj); ok && pairCode == code {
					rates[code] = v
				}
			}
		}
	})
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
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

// scriptText keeps the raw text of a script element, whitespace intact,
// so embedded JSON is not reflowed before matching.
func scriptText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
