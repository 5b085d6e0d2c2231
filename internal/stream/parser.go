package stream

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Tick is one decoded quote update off the venue stream.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
}

// The gateways emit several frame shapes depending on dialect and
// firmware: Data as a nested object, Data as a stringified JSON blob
// (sometimes with trailing commas), the fields inlined at the top
// level, or a whole batch as an array. ParseFrame tries each shape in
// turn and finally falls back to plucking the fields out of the raw
// text, so one malformed frame never kills the stream.

type rawFrame struct {
	Type   string          `json:"Type"`
	Data   json.RawMessage `json:"Data"`
	Symbol string          `json:"Symbol"`
	Bid    json.RawMessage `json:"Bid"`
	Ask    json.RawMessage `json:"Ask"`
}

type rawTick struct {
	Symbol string          `json:"Symbol"`
	Bid    json.RawMessage `json:"Bid"`
	Ask    json.RawMessage `json:"Ask"`
}

// ParseFrame decodes a websocket frame into zero or more ticks. A
// frame that cannot be decoded at all returns nil; the caller logs and
// moves on.
func ParseFrame(data []byte) []Tick {
	var frame rawFrame
	if err := json.Unmarshal(data, &frame); err == nil {
		// Fields inlined at the top level.
		if frame.Symbol != "" {
			if t, ok := tickFrom(rawTick{Symbol: frame.Symbol, Bid: frame.Bid, Ask: frame.Ask}); ok {
				return []Tick{t}
			}
		}
		if len(frame.Data) > 0 {
			if ticks := parseData(frame.Data); len(ticks) > 0 {
				return ticks
			}
		}
	} else if ticks := parseData(data); len(ticks) > 0 {
		// Not an envelope at all; try the payload shapes directly.
		return ticks
	}

	// Last resort: rescue the fields from the raw text.
	if t, ok := rescueFields(string(data)); ok {
		return []Tick{t}
	}
	return nil
}

func parseData(data json.RawMessage) []Tick {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	switch trimmed[0] {
	case '{':
		var rt rawTick
		if err := json.Unmarshal([]byte(trimmed), &rt); err == nil {
			if t, ok := tickFrom(rt); ok {
				return []Tick{t}
			}
		}
	case '[':
		var raws []rawTick
		if err := json.Unmarshal([]byte(trimmed), &raws); err == nil {
			var ticks []Tick
			for _, rt := range raws {
				if t, ok := tickFrom(rt); ok {
					ticks = append(ticks, t)
				}
			}
			return ticks
		}
	case '"':
		// Stringified JSON, occasionally with trailing commas.
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			return parseData(json.RawMessage(repairJSON(inner)))
		}
	}
	return nil
}

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// repairJSON removes trailing commas before a closing brace or bracket.
func repairJSON(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

var (
	symbolPattern = regexp.MustCompile(`"Symbol"\s*:\s*"([^"]+)"`)
	bidPattern    = regexp.MustCompile(`"Bid"\s*:\s*"?([0-9]+\.?[0-9]*)`)
	askPattern    = regexp.MustCompile(`"Ask"\s*:\s*"?([0-9]+\.?[0-9]*)`)
)

func rescueFields(s string) (Tick, bool) {
	sym := symbolPattern.FindStringSubmatch(s)
	bid := bidPattern.FindStringSubmatch(s)
	ask := askPattern.FindStringSubmatch(s)
	if sym == nil || bid == nil || ask == nil {
		return Tick{}, false
	}
	b, err1 := strconv.ParseFloat(bid[1], 64)
	a, err2 := strconv.ParseFloat(ask[1], 64)
	if err1 != nil || err2 != nil || b <= 0 || a <= 0 {
		return Tick{}, false
	}
	return Tick{Symbol: sym[1], Bid: b, Ask: a}, true
}

func tickFrom(rt rawTick) (Tick, bool) {
	if rt.Symbol == "" {
		return Tick{}, false
	}
	bid, ok1 := toFloat(rt.Bid)
	ask, ok2 := toFloat(rt.Ask)
	if !ok1 || !ok2 || bid <= 0 || ask <= 0 {
		return Tick{}, false
	}
	return Tick{Symbol: rt.Symbol, Bid: bid, Ask: ask}, true
}

// toFloat accepts both JSON numbers and numbers sent as strings.
func toFloat(raw json.RawMessage) (float64, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false
	}
	s = strings.Trim(s, `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
