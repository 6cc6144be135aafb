package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"updown-trader/internal/core"
)

const marketsPayload = `[
  {
    "id": "101",
    "slug": "btc-updown-15m-1700000900",
    "question": "Bitcoin Up or Down?",
    "endDate": "2023-11-14T22:28:20Z",
    "active": true,
    "closed": false,
    "acceptingOrders": true,
    "enableOrderBook": true,
    "outcomes": "[\"Up\", \"Down\"]",
    "outcomePrices": "[\"0.81\", \"0.19\"]",
    "clobTokenIds": "[\"tok-up\", \"tok-down\"]"
  },
  {
    "id": "102",
    "slug": "eth-updown-15m-1700000900",
    "endDate": "2023-11-14T22:28:20Z",
    "active": true,
    "acceptingOrders": true,
    "enableOrderBook": true,
    "outcomes": ["Up", "Down"],
    "clobTokenIds": ["e-up", "e-down"]
  },
  {
    "id": "103",
    "slug": "btc-updown-15m-expired",
    "endDate": "2023-11-14T22:00:00Z",
    "active": true,
    "acceptingOrders": true,
    "enableOrderBook": true,
    "outcomes": "[\"Up\", \"Down\"]",
    "clobTokenIds": "[\"x-up\", \"x-down\"]"
  },
  {
    "id": "104",
    "slug": "btc-updown-15m-paused",
    "endDate": "2023-11-14T22:28:20Z",
    "active": true,
    "acceptingOrders": false,
    "enableOrderBook": true,
    "outcomes": "[\"Up\", \"Down\"]",
    "clobTokenIds": "[\"p-up\", \"p-down\"]"
  },
  {
    "id": "105",
    "slug": "btc-updown-15m-three",
    "endDate": "2023-11-14T22:28:20Z",
    "active": true,
    "acceptingOrders": true,
    "enableOrderBook": true,
    "outcomes": "[\"A\", \"B\", \"C\"]",
    "clobTokenIds": "[\"a\", \"b\", \"c\"]"
  }
]`

func newTestClient(url, prefix string) *Client {
	c := New(Options{BaseURL: url, SlugPrefix: prefix})
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestMarketsFiltersAndParses(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(marketsPayload))
	}))
	defer srv.Close()

	markets, err := newTestClient(srv.URL, "btc-updown-15m").Markets(context.Background())
	if err != nil {
		t.Fatalf("Markets() error = %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("Markets() len = %d, want 1: %+v", len(markets), markets)
	}
	m := markets[0]
	if m.ID != "101" || len(m.Tokens) != 2 {
		t.Fatalf("market = %+v", m)
	}
	if m.Tokens[0].ID != "tok-up" || m.Tokens[0].Outcome != "Up" || m.Tokens[0].Price.String() != "0.81" {
		t.Fatalf("first token = %+v", m.Tokens[0])
	}
	if got := m.TimeLeft(time.Unix(1700000000, 0)); got != 15*time.Minute {
		t.Fatalf("TimeLeft() = %s, want 15m", got)
	}
	if query == "" {
		t.Fatalf("no query sent")
	}
}

func TestMarketsWithoutPrefixAcceptsArrayEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(marketsPayload))
	}))
	defer srv.Close()

	markets, err := newTestClient(srv.URL, "").Markets(context.Background())
	if err != nil {
		t.Fatalf("Markets() error = %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("Markets() len = %d, want 2", len(markets))
	}
	if markets[1].Tokens[1].ID != "e-down" {
		t.Fatalf("second market tokens = %+v", markets[1].Tokens)
	}
}

func TestMarketsClassifiesServerErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: core.ErrRateLimited},
		{name: "unavailable", status: http.StatusBadGateway, want: core.ErrExchangeUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, "").Markets(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("Markets() error = %v, want %v", err, tc.want)
			}
			if !core.IsTransient(err) {
				t.Fatalf("Markets() error kind = %v, want transient", core.KindOf(err))
			}
		})
	}
}

func TestMarketsUsesLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	lim := &countingLimiter{}
	c := New(Options{BaseURL: srv.URL, Limiter: lim})
	if _, err := c.Markets(context.Background()); err != nil {
		t.Fatalf("Markets() error = %v", err)
	}
	if lim.acquired != 1 || lim.released != 1 {
		t.Fatalf("limiter acquired=%d released=%d, want 1/1", lim.acquired, lim.released)
	}
}

type countingLimiter struct {
	acquired int
	released int
}

func (l *countingLimiter) Acquire(context.Context) (func(), error) {
	l.acquired++
	return func() { l.released++ }, nil
}
