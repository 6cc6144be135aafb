package clob

import (
	"strconv"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
)

// Balances for collateral and conditional tokens are reported in 6-decimal base units.
var balanceUnit = decimal.New(1, 6)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type APIError struct {
	Status int
	Msg    string
}

func (e APIError) Error() string {
	return "clob api error " + strconv.Itoa(e.Status) + ": " + e.Msg
}

type balanceAllowanceResponse struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Bids         []bookLevel `json:"bids"`
	Asks         []bookLevel `json:"asks"`
	MinOrderSize string      `json:"min_order_size"`
	TickSize     string      `json:"tick_size"`
}

type orderPayload struct {
	Salt    string `json:"salt"`
	Maker   string `json:"maker"`
	TokenID string `json:"tokenId"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Size    string `json:"size"`
}

type postOrderRequest struct {
	Order     orderPayload `json:"order"`
	Owner     string       `json:"owner"`
	OrderType string       `json:"orderType"`
}

type postOrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

type orderResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

func parseBook(src bookResponse) core.OrderBook {
	book := core.OrderBook{
		TokenID:  src.AssetID,
		Bids:     parseLevels(src.Bids),
		Asks:     parseLevels(src.Asks),
		MinSize:  decimal.Zero,
		TickSize: decimal.Zero,
	}
	if v, err := decimal.NewFromString(src.MinOrderSize); err == nil {
		book.MinSize = v
	}
	if v, err := decimal.NewFromString(src.TickSize); err == nil {
		book.TickSize = v
	}
	return book
}

func parseLevels(src []bookLevel) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(src))
	for _, lvl := range src {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			continue
		}
		out = append(out, core.PriceLevel{Price: price, Size: size})
	}
	return out
}

func parseOrder(src orderResponse) core.OrderState {
	price, _ := decimal.NewFromString(src.Price)
	original, _ := decimal.NewFromString(src.OriginalSize)
	matched, _ := decimal.NewFromString(src.SizeMatched)
	return core.OrderState{
		OrderID:      src.ID,
		TokenID:      src.AssetID,
		Side:         core.Side(src.Side),
		Status:       normalizeStatus(src.Status),
		Price:        price,
		OriginalSize: original,
		SizeMatched:  matched,
	}
}

func parseBaseUnits(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Div(balanceUnit), nil
}
