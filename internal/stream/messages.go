package stream

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
)

const (
	eventBook           = "book"
	eventPriceChange    = "price_change"
	eventBestBidAsk     = "best_bid_ask"
	eventLastTradePrice = "last_trade_price"
)

type subscribeMessage struct {
	AssetIDs  []string `json:"assets_ids"`
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wirePriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type wireEvent struct {
	EventType    string            `json:"event_type"`
	AssetID      string            `json:"asset_id"`
	Bids         []wireLevel       `json:"bids"`
	Asks         []wireLevel       `json:"asks"`
	Buys         []wireLevel       `json:"buys"`
	Sells        []wireLevel       `json:"sells"`
	BestBid      string            `json:"best_bid"`
	BestAsk      string            `json:"best_ask"`
	Price        string            `json:"price"`
	PriceChanges []wirePriceChange `json:"price_changes"`
}

// quote is one decoded top-of-book observation.
type quote struct {
	tokenID   string
	bid, ask  decimal.Decimal
	lastTrade decimal.Decimal
	// authoritative quotes overwrite bid/ask; trade prints only seed them.
	authoritative bool
	hasTrade      bool
}

// decodeFrame accepts a single event object or an array of them.
func decodeFrame(data []byte) ([]wireEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var events []wireEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return []wireEvent{ev}, nil
}

func quotesFromEvent(ev wireEvent) []quote {
	switch ev.EventType {
	case eventBook:
		bids, asks := ev.Bids, ev.Asks
		if len(bids) == 0 && len(asks) == 0 {
			bids, asks = ev.Buys, ev.Sells
		}
		book := core.OrderBook{Bids: parseLevels(bids), Asks: parseLevels(asks)}
		return []quote{{
			tokenID:       ev.AssetID,
			bid:           book.BestBid(),
			ask:           book.BestAsk(),
			authoritative: true,
		}}
	case eventPriceChange:
		var out []quote
		for _, ch := range ev.PriceChanges {
			id := ch.AssetID
			if id == "" {
				id = ev.AssetID
			}
			if q, ok := bestQuote(id, ch.BestBid, ch.BestAsk); ok {
				out = append(out, q)
			}
		}
		if len(out) == 0 {
			if q, ok := bestQuote(ev.AssetID, ev.BestBid, ev.BestAsk); ok {
				out = append(out, q)
			}
		}
		return out
	case eventBestBidAsk:
		if q, ok := bestQuote(ev.AssetID, ev.BestBid, ev.BestAsk); ok {
			return []quote{q}
		}
	case eventLastTradePrice:
		price, err := decimal.NewFromString(ev.Price)
		if err != nil || !price.IsPositive() || ev.AssetID == "" {
			return nil
		}
		return []quote{{tokenID: ev.AssetID, lastTrade: price, hasTrade: true}}
	}
	return nil
}

func bestQuote(tokenID, rawBid, rawAsk string) (quote, bool) {
	if tokenID == "" || (rawBid == "" && rawAsk == "") {
		return quote{}, false
	}
	bid, err := decimal.NewFromString(rawBid)
	if err != nil {
		bid = decimal.Zero
	}
	ask, err := decimal.NewFromString(rawAsk)
	if err != nil {
		ask = decimal.Zero
	}
	return quote{tokenID: tokenID, bid: bid, ask: ask, authoritative: true}, true
}

func parseLevels(src []wireLevel) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(src))
	for _, lvl := range src {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		size, _ := decimal.NewFromString(lvl.Size)
		if size.IsZero() && lvl.Size != "" {
			continue
		}
		out = append(out, core.PriceLevel{Price: price, Size: size})
	}
	return out
}
