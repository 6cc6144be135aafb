package clob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"updown-trader/internal/config"
	"updown-trader/internal/core"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthL2
)

// Client talks to a CLOB REST API using level-2 (api key) authentication.
type Client struct {
	apiKey     string
	apiSecret  string
	passphrase string
	address    string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

type Options struct {
	APIKey         string
	APISecret      string
	Passphrase     string
	Address        string
	RestBaseURL    string
	HTTPTimeoutSec int64
}

func NewClient(cfg config.ExchangeConfig) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" || cfg.Passphrase == "" {
		return nil, core.Fatal("clob client", fmt.Errorf("%w: api_key/api_secret/passphrase required", core.ErrUnauthorized))
	}
	return NewClientWithOptions(Options{
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		Passphrase:     cfg.Passphrase,
		Address:        cfg.Address,
		RestBaseURL:    cfg.RestBaseURL,
		HTTPTimeoutSec: cfg.HTTPTimeoutSec,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		passphrase: opts.Passphrase,
		address:    opts.Address,
		baseURL:    strings.TrimRight(opts.RestBaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (c *Client) Name() string { return "clob" }

func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("asset_type", "COLLATERAL")
	return c.balanceAllowance(ctx, params)
}

func (c *Client) TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if tokenID == "" {
		return decimal.Zero, core.Validation("token balance", errors.New("token id required"))
	}
	params := url.Values{}
	params.Set("asset_type", "CONDITIONAL")
	params.Set("token_id", tokenID)
	return c.balanceAllowance(ctx, params)
}

func (c *Client) balanceAllowance(ctx context.Context, params url.Values) (decimal.Decimal, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/balance-allowance", params, nil, AuthL2)
	if err != nil {
		return decimal.Zero, err
	}
	var resp balanceAllowanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}
	return parseBaseUnits(resp.Balance)
}

func (c *Client) OrderBook(ctx context.Context, tokenID string) (core.OrderBook, error) {
	if tokenID == "" {
		return core.OrderBook{}, core.Validation("order book", errors.New("token id required"))
	}
	params := url.Values{}
	params.Set("token_id", tokenID)
	body, err := c.doRequest(ctx, http.MethodGet, "/book", params, nil, AuthNone)
	if err != nil {
		return core.OrderBook{}, err
	}
	var resp bookResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderBook{}, err
	}
	book := parseBook(resp)
	if book.TokenID == "" {
		book.TokenID = tokenID
	}
	return book, nil
}

func (c *Client) PlaceLimitOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	return c.postOrder(ctx, req, core.GTC)
}

func (c *Client) PlaceMarketOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	switch req.Type {
	case core.FOK, core.FAK:
	default:
		return core.OrderAck{}, core.Validationf("place market order", core.ErrOrderRejected, "order type %q must be FOK or FAK", req.Type)
	}
	return c.postOrder(ctx, req, req.Type)
}

func (c *Client) postOrder(ctx context.Context, req core.OrderRequest, orderType core.OrderType) (core.OrderAck, error) {
	if req.TokenID == "" {
		return core.OrderAck{}, core.Validation("place order", errors.New("token id required"))
	}
	if req.Side != core.Buy && req.Side != core.Sell {
		return core.OrderAck{}, core.Validationf("place order", core.ErrOrderRejected, "unknown side %q", req.Side)
	}
	payload := postOrderRequest{
		Order: orderPayload{
			Salt:    uuid.NewString(),
			Maker:   c.address,
			TokenID: req.TokenID,
			Side:    string(req.Side),
			Price:   req.Price.String(),
			Size:    req.Size.String(),
		},
		Owner:     c.apiKey,
		OrderType: string(orderType),
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/order", nil, payload, AuthL2)
	if err != nil {
		return core.OrderAck{}, err
	}
	var resp postOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderAck{}, err
	}
	if !resp.Success || resp.OrderID == "" {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = "order not accepted"
		}
		return core.OrderAck{}, wrapAPIError(http.StatusBadRequest, msg)
	}
	return core.OrderAck{
		OrderID: resp.OrderID,
		Status:  normalizeStatus(resp.Status),
	}, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (core.OrderState, error) {
	if orderID == "" {
		return core.OrderState{}, core.Validation("get order", errors.New("order id required"))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil, nil, AuthL2)
	if err != nil {
		return core.OrderState{}, err
	}
	if len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "null" {
		return core.OrderState{}, wrapAPIError(http.StatusNotFound, "order not found")
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderState{}, err
	}
	state := parseOrder(resp)
	if state.OrderID == "" {
		state.OrderID = orderID
	}
	return state, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return core.Validation("cancel order", errors.New("order id required"))
	}
	body, err := c.doRequest(ctx, http.MethodDelete, "/order", nil, map[string]string{"orderID": orderID}, AuthL2)
	if err != nil {
		return err
	}
	return cancelOutcome(body, orderID)
}

func (c *Client) CancelToken(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return core.Validation("cancel token orders", errors.New("token id required"))
	}
	body, err := c.doRequest(ctx, http.MethodDelete, "/cancel-market-orders", nil, map[string]string{"asset_id": tokenID}, AuthL2)
	if err != nil {
		return err
	}
	return cancelOutcome(body, "")
}

func (c *Client) CancelAll(ctx context.Context) error {
	body, err := c.doRequest(ctx, http.MethodDelete, "/cancel-all", nil, nil, AuthL2)
	if err != nil {
		return err
	}
	return cancelOutcome(body, "")
}

// cancelOutcome reports the first refusal in not_canceled. When orderID is set only that id counts.
func cancelOutcome(body []byte, orderID string) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var resp cancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	if orderID != "" {
		if reason, ok := resp.NotCanceled[orderID]; ok {
			return wrapAPIError(http.StatusBadRequest, reason)
		}
		return nil
	}
	for id, reason := range resp.NotCanceled {
		err := wrapAPIError(http.StatusBadRequest, reason)
		if errors.Is(err, core.ErrOrderNotFound) {
			continue
		}
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, payload any, auth AuthType) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyBytes = encoded
	}
	urlStr := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	var reader io.Reader
	if bodyBytes != nil {
		reader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, err
	}
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth == AuthL2 {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		sig, err := sign(c.apiSecret, ts+method+path+string(bodyBytes))
		if err != nil {
			return nil, core.Fatal("sign request", fmt.Errorf("%w: %v", core.ErrUnauthorized, err))
		}
		req.Header.Set("POLY_ADDRESS", c.address)
		req.Header.Set("POLY_API_KEY", c.apiKey)
		req.Header.Set("POLY_PASSPHRASE", c.passphrase)
		req.Header.Set("POLY_TIMESTAMP", ts)
		req.Header.Set("POLY_SIGNATURE", sig)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil {
		msg := apiErr.Error
		if msg == "" {
			msg = apiErr.Message
		}
		if msg != "" {
			return wrapAPIError(status, msg)
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return wrapAPIError(status, msg)
}

// sign is base64url(HMAC-SHA256(base64url-decoded secret, message)).
func sign(secret, message string) (string, error) {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return "", err
		}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func normalizeStatus(raw string) core.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "live":
		return core.OrderLive
	case "matched":
		return core.OrderMatched
	case "delayed":
		return core.OrderDelayed
	case "canceled", "cancelled":
		return core.OrderCancelled
	case "unmatched":
		return core.OrderUnmatched
	default:
		return core.OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	}
}
