package riskmanager

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/atr"
	"haflip-engine/internal/domain"
	"haflip-engine/internal/transport"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClient struct {
	mu       sync.Mutex
	slCalls  []decimal.Decimal
	failNext bool
}

func (f *fakeClient) GetOrderBookTop(ctx context.Context, symbol string) (transport.OrderBookTop, error) {
	return transport.OrderBookTop{}, nil
}
func (f *fakeClient) PlaceOrder(ctx context.Context, params transport.PlaceOrderParams) (transport.PlaceOrderResult, error) {
	return transport.PlaceOrderResult{}, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeClient) CancelAllOrders(ctx context.Context, symbol string) error      { return nil }
func (f *fakeClient) GetOpenOrders(ctx context.Context, symbol string) ([]transport.OpenOrder, error) {
	return nil, nil
}
func (f *fakeClient) SetLeverage(ctx context.Context, symbol string, leverage int64) error { return nil }
func (f *fakeClient) SetStopLoss(ctx context.Context, symbol string, slPrice decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errFake
	}
	f.slCalls = append(f.slCalls, slPrice)
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

type errString string

func (e errString) Error() string { return string(e) }

const errFake = errString("fake SL failure")

type fakeRepo struct {
	mu     sync.Mutex
	trades map[string]domain.Trade
}

func newFakeRepo() *fakeRepo { return &fakeRepo{trades: make(map[string]domain.Trade)} }

func (r *fakeRepo) UpdateTrade(ctx context.Context, trade domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades[trade.ID] = trade
	return nil
}

func testCoin() domain.CoinInfo {
	return domain.CoinInfo{Symbol: "BTCUSDT", TickSize: dec("0.1")}
}

func newTestManager() (*Manager, *fakeClient) {
	client := &fakeClient{}
	atrEng := atr.NewEngine(14)
	repo := newFakeRepo()
	cfg := Config{InitialSLPct: dec("0.025"), TPLevels: 10}
	return NewManager(client, cfg, atrEng, repo, zerolog.Nop()), client
}

func TestSetupTradeRiskLongWithATRFallback(t *testing.T) {
	m, client := newTestManager()
	entry := dec("1000")
	trade := &domain.Trade{ID: "t1", Symbol: "BTCUSDT", Side: domain.Long, EntryPrice: &entry}

	ok, err := m.SetupTradeRisk(context.Background(), trade, testCoin())
	if err != nil || !ok {
		t.Fatalf("expected success, ok=%v err=%v", ok, err)
	}
	if len(trade.TPLevels) != 10 {
		t.Fatalf("expected 10 TP levels, got %d", len(trade.TPLevels))
	}
	// No ATR available -> fallback to 1% of entry = 10.
	if !trade.TPLevels[0].Price.Equal(dec("1010")) {
		t.Fatalf("expected TP1=1010 using fallback ATR, got %s", trade.TPLevels[0].Price)
	}
	expectedSL := dec("975") // 1000 * (1 - 0.025)
	if !trade.CurrentSLPrice.Equal(expectedSL) {
		t.Fatalf("expected SL %s, got %s", expectedSL, trade.CurrentSLPrice)
	}
	if len(client.slCalls) != 1 {
		t.Fatalf("expected 1 SetStopLoss call, got %d", len(client.slCalls))
	}
}

func TestSetupTradeRiskFailsWhenExchangeRejectsSL(t *testing.T) {
	m, client := newTestManager()
	client.failNext = true
	entry := dec("1000")
	trade := &domain.Trade{ID: "t1", Symbol: "BTCUSDT", Side: domain.Long, EntryPrice: &entry}

	ok, err := m.SetupTradeRisk(context.Background(), trade, testCoin())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected failure when exchange rejects SL placement")
	}
}

func TestTrailingSLMovesOnlyForward(t *testing.T) {
	m, client := newTestManager()
	entry := dec("1000")
	trade := &domain.Trade{ID: "t1", Symbol: "BTCUSDT", Side: domain.Long, EntryPrice: &entry}
	m.SetupTradeRisk(context.Background(), trade, testCoin())
	trade.Status = domain.TradeStatusOpen

	// TP1 hit: SL should stay at initial (975), not move.
	m.CheckPrice(context.Background(), "BTCUSDT", trade.TPLevels[0].Price)
	if len(client.slCalls) != 1 {
		t.Fatalf("TP1 hit must not move SL, calls=%d", len(client.slCalls))
	}
	if trade.HighestTPReached != 1 {
		t.Fatalf("expected highest TP reached = 1, got %d", trade.HighestTPReached)
	}

	// TP2 hit: SL should move to TP1 price.
	m.CheckPrice(context.Background(), "BTCUSDT", trade.TPLevels[1].Price)
	if len(client.slCalls) != 2 {
		t.Fatalf("TP2 hit must trail SL to TP1, calls=%d", len(client.slCalls))
	}
	if !trade.CurrentSLPrice.Equal(trade.TPLevels[0].Price) {
		t.Fatalf("expected SL at TP1 price %s, got %s", trade.TPLevels[0].Price, trade.CurrentSLPrice)
	}

	// Price retreats below TP1 again: re-checking lower price must not regress SL.
	low := dec("900")
	m.CheckPrice(context.Background(), "BTCUSDT", low)
	if !trade.CurrentSLPrice.Equal(trade.TPLevels[0].Price) {
		t.Fatalf("SL must never regress, got %s", trade.CurrentSLPrice)
	}
}

func TestHandleTradeClosedRemovesFromActive(t *testing.T) {
	m, _ := newTestManager()
	entry := dec("1000")
	trade := &domain.Trade{ID: "t1", Symbol: "BTCUSDT", Side: domain.Long, EntryPrice: &entry}
	m.SetupTradeRisk(context.Background(), trade, testCoin())

	if err := m.HandleTradeClosed(context.Background(), trade, domain.ExitReasonSLHit, dec("-5"), dec("0.1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.GetActiveTrade("t1"); ok {
		t.Fatalf("expected trade removed from active set after close")
	}
	if trade.Status != domain.TradeStatusClosed {
		t.Fatalf("expected trade status CLOSED, got %s", trade.Status)
	}
}
