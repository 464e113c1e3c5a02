package killswitch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/notify"
	"haflip-engine/internal/transport"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeBalance struct {
	total decimal.Decimal
}

func (f *fakeBalance) GetTotalBalanceWithPositions(unrealizedPnL decimal.Decimal) decimal.Decimal {
	return f.total.Add(unrealizedPnL)
}

type fakeTradeCloser struct {
	mu     sync.Mutex
	trades []domain.Trade
	closed []domain.ExitReason
}

func (f *fakeTradeCloser) GetAllActiveTrades() []domain.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Trade{}, f.trades...)
}

func (f *fakeTradeCloser) HandleTradeClosed(ctx context.Context, trade *domain.Trade, reason domain.ExitReason, pnl, fees decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, reason)
	return nil
}

type fakeClient struct {
	mu             sync.Mutex
	positions      []transport.PositionInfo
	cancelled      bool
	closedSymbols  []string
}

func (f *fakeClient) GetOrderBookTop(ctx context.Context, symbol string) (transport.OrderBookTop, error) {
	return transport.OrderBookTop{}, nil
}
func (f *fakeClient) PlaceOrder(ctx context.Context, params transport.PlaceOrderParams) (transport.PlaceOrderResult, error) {
	return transport.PlaceOrderResult{}, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeClient) CancelAllOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}
func (f *fakeClient) GetOpenOrders(ctx context.Context, symbol string) ([]transport.OpenOrder, error) {
	return nil, nil
}
func (f *fakeClient) SetLeverage(ctx context.Context, symbol string, leverage int64) error { return nil }
func (f *fakeClient) SetStopLoss(ctx context.Context, symbol string, slPrice decimal.Decimal) error {
	return nil
}
func (f *fakeClient) ClosePositionMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedSymbols = append(f.closedSymbols, symbol)
	return nil
}
func (f *fakeClient) GetOpenPositions(ctx context.Context) ([]transport.PositionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
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

type fakeStateStore struct {
	mu    sync.Mutex
	state map[string]string
}

func newFakeStateStore() *fakeStateStore { return &fakeStateStore{state: make(map[string]string)} }

func (f *fakeStateStore) SetState(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[key] = value
	return nil
}

func TestCheckDoesNotTripAboveThreshold(t *testing.T) {
	balance := &fakeBalance{total: dec("100")}
	trades := &fakeTradeCloser{}
	client := &fakeClient{}
	state := newFakeStateStore()

	sw := NewSwitch(Config{Threshold: dec("30")}, balance, trades, client, state, notify.NewManager(), zerolog.Nop())
	sw.check(context.Background())

	if sw.IsTriggered() {
		t.Fatalf("should not trip when total balance is above threshold")
	}
}

func TestCheckTripsBelowThresholdAndIsPermanent(t *testing.T) {
	balance := &fakeBalance{total: dec("20")}
	trades := &fakeTradeCloser{trades: []domain.Trade{{ID: "t1", Symbol: "BTCUSDT"}}}
	client := &fakeClient{positions: []transport.PositionInfo{{Symbol: "BTCUSDT", Qty: dec("1"), UnrealizedPnL: dec("-5")}}}
	state := newFakeStateStore()

	tripped := false
	sw := NewSwitch(Config{Threshold: dec("30")}, balance, trades, client, state, notify.NewManager(), zerolog.Nop())
	sw.OnTrip(func() { tripped = true })

	sw.check(context.Background())

	if !sw.IsTriggered() {
		t.Fatalf("expected kill switch to trip below threshold")
	}
	if !tripped {
		t.Fatalf("expected OnTrip callback to fire")
	}
	if !client.cancelled {
		t.Fatalf("expected all orders cancelled during shutdown")
	}
	if len(client.closedSymbols) != 1 || client.closedSymbols[0] != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT position closed, got %v", client.closedSymbols)
	}
	if len(trades.closed) != 1 || trades.closed[0] != domain.ExitReasonKillSwitch {
		t.Fatalf("expected trade closed with KILL_SWITCH reason, got %v", trades.closed)
	}
	if state.state["kill_switch_triggered"] != "true" {
		t.Fatalf("expected kill_switch_triggered persisted as true")
	}

	// Balance recovers above threshold — must stay tripped regardless.
	balance.total = dec("1000")
	sw.check(context.Background())
	if !sw.IsTriggered() {
		t.Fatalf("kill switch must remain tripped even if balance recovers")
	}
}

func TestStartStopDoesNotLeak(t *testing.T) {
	balance := &fakeBalance{total: dec("100")}
	trades := &fakeTradeCloser{}
	client := &fakeClient{}
	state := newFakeStateStore()

	sw := NewSwitch(Config{Threshold: dec("30"), CheckInterval: time.Millisecond}, balance, trades, client, state, notify.NewManager(), zerolog.Nop())

	done := make(chan struct{})
	go func() {
		sw.Start(context.Background())
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	sw.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Start did not return after Stop")
	}
}
