package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/transport"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClient struct {
	mu sync.Mutex

	top               transport.OrderBookTop
	postOnlyRejectN   int // number of leading PlaceOrder calls that report PostOnlyRejected
	placeCalls        int
	orderStatuses     map[string]transport.OrderStatus
	cancelledOrderIDs []string
	nextOrderID       int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		top:           transport.OrderBookTop{BestBid: dec("100"), BestAsk: dec("101")},
		orderStatuses: make(map[string]transport.OrderStatus),
	}
}

func (f *fakeClient) GetOrderBookTop(ctx context.Context, symbol string) (transport.OrderBookTop, error) {
	return f.top, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, params transport.PlaceOrderParams) (transport.PlaceOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.placeCalls <= f.postOnlyRejectN {
		return transport.PlaceOrderResult{PostOnlyRejected: true}, nil
	}
	f.nextOrderID++
	id := string(rune('A' + f.nextOrderID))
	f.orderStatuses[id] = transport.OrderStatusFilled
	return transport.PlaceOrderResult{OrderID: id}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledOrderIDs = append(f.cancelledOrderIDs, orderID)
	return nil
}

func (f *fakeClient) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (f *fakeClient) GetOpenOrders(ctx context.Context, symbol string) ([]transport.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.OpenOrder
	for id, status := range f.orderStatuses {
		if status == transport.OrderStatusFilled {
			// Filled orders disappear from the open-orders list.
			continue
		}
		out = append(out, transport.OpenOrder{OrderID: id, Status: status})
	}
	return out, nil
}

func (f *fakeClient) SetLeverage(ctx context.Context, symbol string, leverage int64) error { return nil }
func (f *fakeClient) SetStopLoss(ctx context.Context, symbol string, slPrice decimal.Decimal) error {
	return nil
}
func (f *fakeClient) ClosePositionMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) error {
	return nil
}
func (f *fakeClient) GetOpenPositions(ctx context.Context) ([]transport.PositionInfo, error) {
	return nil, nil
}
func (f *fakeClient) GetSymbolInfo(ctx context.Context, symbol string) (domain.CoinInfo, error) {
	return domain.CoinInfo{}, nil
}
func (f *fakeClient) GetTopSymbolsByVolume(ctx context.Context, limit int) ([]domain.CoinInfo, error) {
	return nil, nil
}
func (f *fakeClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return nil, nil
}

func testCoin() domain.CoinInfo {
	return domain.CoinInfo{
		Symbol:   "BTCUSDT",
		MinQty:   dec("0.001"),
		QtyStep:  dec("0.001"),
		TickSize: dec("0.1"),
	}
}

func TestExecuteEntryFillsOnFirstAttempt(t *testing.T) {
	client := newFakeClient()
	exec := NewExecutor(client, Config{FillTimeout: time.Second, MaxFillRetries: 3, PostOnlyRetries: 2, PollInterval: time.Millisecond}, zerolog.Nop())

	result, err := exec.ExecuteEntry(context.Background(), "BTCUSDT", domain.Long, testCoin(), dec("800"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Filled {
		t.Fatalf("expected fill on first attempt")
	}
	if result.Tier != 1 {
		t.Fatalf("expected tier 1, got %d", result.Tier)
	}
	if !result.EntryPrice.Equal(dec("100")) {
		t.Fatalf("expected entry price 100 (best bid for LONG), got %s", result.EntryPrice)
	}
}

func TestExecuteEntryEscalatesThroughPostOnlyRejections(t *testing.T) {
	client := newFakeClient()
	client.postOnlyRejectN = 2 // first two attempts rejected as would-cross

	exec := NewExecutor(client, Config{FillTimeout: time.Second, MaxFillRetries: 3, PostOnlyRetries: 2, PollInterval: time.Millisecond}, zerolog.Nop())

	result, err := exec.ExecuteEntry(context.Background(), "BTCUSDT", domain.Long, testCoin(), dec("800"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Filled {
		t.Fatalf("expected eventual fill on tier 3 (GTC)")
	}
	if result.Tier != 3 {
		t.Fatalf("expected tier 3 after two PostOnly rejections, got %d", result.Tier)
	}
	if result.FillAttempts != 3 {
		t.Fatalf("expected 3 attempts consumed (rejections count as attempts), got %d", result.FillAttempts)
	}
}

func TestExecuteEntryRejectsQtyBelowMinimum(t *testing.T) {
	client := newFakeClient()
	exec := NewExecutor(client, Config{FillTimeout: time.Second, MaxFillRetries: 3, PostOnlyRetries: 2, PollInterval: time.Millisecond}, zerolog.Nop())

	coin := testCoin()
	coin.MinQty = dec("1000") // impossible to reach with this position size

	result, err := exec.ExecuteEntry(context.Background(), "BTCUSDT", domain.Long, coin, dec("800"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Filled {
		t.Fatalf("expected no fill when qty below minimum")
	}
}

func TestExecuteEntryShortUsesBestAskAndCeilRounding(t *testing.T) {
	client := newFakeClient()
	client.top = transport.OrderBookTop{BestBid: dec("100.23"), BestAsk: dec("100.27")}
	exec := NewExecutor(client, Config{FillTimeout: time.Second, MaxFillRetries: 3, PostOnlyRetries: 2, PollInterval: time.Millisecond}, zerolog.Nop())

	coin := testCoin()
	coin.TickSize = dec("0.1")

	result, err := exec.ExecuteEntry(context.Background(), "BTCUSDT", domain.Short, coin, dec("800"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Filled {
		t.Fatalf("expected fill")
	}
	if !result.EntryPrice.Equal(dec("100.3")) {
		t.Fatalf("expected SHORT price ceil-rounded to 100.3, got %s", result.EntryPrice)
	}
}
