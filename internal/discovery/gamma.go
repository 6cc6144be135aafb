package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
	"updown-trader/internal/exchange"
)

const defaultPageLimit = 100

type Options struct {
	BaseURL    string
	SlugPrefix string
	Timeout    time.Duration
	PageLimit  int
	// Limiter is optional; when set every request acquires a slot first.
	Limiter exchange.Acquirer
}

// Client lists open binary markets from a Gamma-style markets API.
type Client struct {
	baseURL    string
	slugPrefix string
	pageLimit  int
	limiter    exchange.Acquirer
	httpClient *http.Client
	now        func() time.Time
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := opts.PageLimit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		slugPrefix: strings.TrimSpace(opts.SlugPrefix),
		pageLimit:  limit,
		limiter:    opts.Limiter,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Markets returns active markets that still accept orders, have exactly two
// outcome tokens, end in the future and match the slug prefix.
func (c *Client) Markets(ctx context.Context) ([]core.Market, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("order", "endDate")
	params.Set("ascending", "true")
	params.Set("limit", strconv.Itoa(c.pageLimit))
	params.Set("end_date_min", c.now().UTC().Format(time.RFC3339))

	body, err := c.get(ctx, "/markets", params)
	if err != nil {
		return nil, err
	}
	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, core.Transient("decode markets", err)
	}

	now := c.now()
	markets := make([]core.Market, 0, len(raw))
	for _, gm := range raw {
		m, ok := gm.toMarket()
		if !ok {
			continue
		}
		if c.slugPrefix != "" && !strings.HasPrefix(m.Slug, c.slugPrefix) {
			continue
		}
		if !m.AcceptsOn || !m.EndTime.After(now) {
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		release, err := c.limiter.Acquire(ctx)
		if err != nil {
			return nil, core.Transient("discovery rate limit", err)
		}
		defer release()
	}
	urlStr := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.Transient("list markets", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, core.Transient("read markets", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, core.Transient("list markets", core.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, core.Transient("list markets", fmt.Errorf("%w: status=%d", core.ErrExchangeUnavailable, resp.StatusCode))
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("list markets: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

type gammaMarket struct {
	ID              string     `json:"id"`
	Slug            string     `json:"slug"`
	Question        string     `json:"question"`
	EndDate         string     `json:"endDate"`
	Active          bool       `json:"active"`
	Closed          bool       `json:"closed"`
	AcceptingOrders bool       `json:"acceptingOrders"`
	EnableOrderBook bool       `json:"enableOrderBook"`
	Outcomes        stringList `json:"outcomes"`
	OutcomePrices   stringList `json:"outcomePrices"`
	ClobTokenIDs    stringList `json:"clobTokenIds"`
}

func (g gammaMarket) toMarket() (core.Market, bool) {
	if g.ID == "" || g.Closed || !g.EnableOrderBook {
		return core.Market{}, false
	}
	if len(g.ClobTokenIDs) != 2 || len(g.Outcomes) != len(g.ClobTokenIDs) {
		return core.Market{}, false
	}
	end, err := time.Parse(time.RFC3339, g.EndDate)
	if err != nil {
		return core.Market{}, false
	}
	tokens := make([]core.Token, 0, len(g.ClobTokenIDs))
	for i, id := range g.ClobTokenIDs {
		tok := core.Token{ID: id, Outcome: g.Outcomes[i]}
		if i < len(g.OutcomePrices) {
			if p, err := decimal.NewFromString(g.OutcomePrices[i]); err == nil {
				tok.Price = p
			}
		}
		tokens = append(tokens, tok)
	}
	return core.Market{
		ID:        g.ID,
		Slug:      g.Slug,
		Question:  g.Question,
		EndTime:   end.UTC(),
		Tokens:    tokens,
		AcceptsOn: g.Active && g.AcceptingOrders,
	}, true
}

// stringList accepts both a JSON array and a JSON string holding an array,
// which is how the markets API encodes outcomes and token ids.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*s = nil
			return nil
		}
		data = []byte(inner)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*s = out
	return nil
}
