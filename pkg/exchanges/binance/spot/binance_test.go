package spot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"execution-core/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL}, nil)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		want       common.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`, "7", common.KindRateLimit},
		{"banned", http.StatusTeapot, `{"code":-1003,"msg":"IP banned"}`, "", common.KindRateLimit},
		{"unauthorized", http.StatusUnauthorized, `{"code":-2015,"msg":"Invalid API-key"}`, "", common.KindAuthentication},
		{"insufficient", http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, "", common.KindInsufficientFunds},
		{"invalid qty", http.StatusBadRequest, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`, "", common.KindInvalidOrder},
		{"upstream timeout", http.StatusBadRequest, `{"code":-1007,"msg":"Timeout waiting for response"}`, "", common.KindTimeout},
		{"unavailable", http.StatusServiceUnavailable, `oops`, "", common.KindConnection},
		{"other", http.StatusInternalServerError, `{"code":-1000,"msg":"unknown"}`, "", common.KindExchange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.CreateOrder(context.Background(), common.OrderRequest{
				Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
			})
			if got := common.KindOf(err); got != tt.want {
				t.Fatalf("kind=%q, expected %q (err=%v)", got, tt.want, err)
			}
			if tt.retryAfter == "7" && common.RetryAfterOf(err) != 7*time.Second {
				t.Fatalf("RetryAfter=%v, expected 7s", common.RetryAfterOf(err))
			}
		})
	}
}

func TestGetOrderStatusDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "k" {
			t.Errorf("missing api key header")
		}
		if r.URL.Query().Get("signature") == "" {
			t.Errorf("missing signature")
		}
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"side":"BUY","type":"LIMIT",
			"price":"100","origQty":"2","executedQty":"1","cummulativeQuoteQty":"99",
			"status":"PARTIALLY_FILLED","time":1700000000000,"updateTime":1700000001000}`))
	})

	rec, err := c.GetOrderStatus(context.Background(), "42", "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if rec.ID != "42" || rec.Status != common.StatusPartiallyFilled {
		t.Fatalf("record=%+v", rec)
	}
	if rec.FilledQty != 1 || rec.AvgPrice != 99 {
		t.Fatalf("FilledQty=%v AvgPrice=%v, expected 1 and 99", rec.FilledQty, rec.AvgPrice)
	}
}

func TestCancelUnknownOrderIsNotAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	})
	ok, err := c.CancelOrder(context.Background(), "1", "BTCUSDT")
	if err != nil || ok {
		t.Fatalf("CancelOrder=(%v, %v), expected (false, nil)", ok, err)
	}
}

func TestMissingCredentials(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.GetBalances(context.Background())
	if common.KindOf(err) != common.KindAuthentication {
		t.Fatalf("kind=%q, expected authentication", common.KindOf(err))
	}
}
