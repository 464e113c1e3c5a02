package dashboardapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/killswitch"
	"haflip-engine/internal/notify"
	"haflip-engine/internal/riskmanager"
	"haflip-engine/internal/slotmanager"
	"haflip-engine/internal/transport"
)

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(ctx context.Context) error { return f.err }

type fakeTradeStore struct {
	trades []domain.Trade
	err    error
}

func (f fakeTradeStore) GetOpenTrades(ctx context.Context) ([]domain.Trade, error) {
	return f.trades, f.err
}

type fakeEngineStatus struct{ t time.Time }

func (f fakeEngineStatus) LastDataTime() time.Time { return f.t }

type fakeSlotRepo struct{}

func (fakeSlotRepo) InitializeSlots(ctx context.Context, numSlots int, initialBalance decimal.Decimal) error {
	return nil
}
func (fakeSlotRepo) GetAllSlots(ctx context.Context) ([]domain.Slot, error) {
	return []domain.Slot{{ID: 1, Balance: decimal.RequireFromString("100"), State: domain.SlotAvailable}}, nil
}
func (fakeSlotRepo) UpdateSlot(ctx context.Context, slot domain.Slot) error { return nil }

type fakeRiskRepo struct{}

func (fakeRiskRepo) UpdateTrade(ctx context.Context, trade domain.Trade) error { return nil }

type fakeKillClient struct{}

func (fakeKillClient) GetOrderBookTop(ctx context.Context, symbol string) (transport.OrderBookTop, error) {
	return transport.OrderBookTop{}, nil
}
func (fakeKillClient) PlaceOrder(ctx context.Context, params transport.PlaceOrderParams) (transport.PlaceOrderResult, error) {
	return transport.PlaceOrderResult{}, nil
}
func (fakeKillClient) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (fakeKillClient) CancelAllOrders(ctx context.Context, symbol string) error      { return nil }
func (fakeKillClient) GetOpenOrders(ctx context.Context, symbol string) ([]transport.OpenOrder, error) {
	return nil, nil
}
func (fakeKillClient) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	return nil
}
func (fakeKillClient) SetStopLoss(ctx context.Context, symbol string, slPrice decimal.Decimal) error {
	return nil
}
func (fakeKillClient) ClosePositionMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) error {
	return nil
}
func (fakeKillClient) GetOpenPositions(ctx context.Context) ([]transport.PositionInfo, error) {
	return nil, nil
}
func (fakeKillClient) GetSymbolInfo(ctx context.Context, symbol string) (domain.CoinInfo, error) {
	return domain.CoinInfo{}, nil
}
func (fakeKillClient) GetTopSymbolsByVolume(ctx context.Context, limit int) ([]domain.CoinInfo, error) {
	return nil, nil
}
func (fakeKillClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return nil, nil
}

type fakeStateStore struct{}

func (fakeStateStore) SetState(ctx context.Context, key, value string) error { return nil }

func newTestServer(t *testing.T, db HealthChecker, trades TradeStore, engine EngineStatus) *Server {
	t.Helper()
	logger := zerolog.Nop()

	slots := slotmanager.NewManager(slotmanager.Config{NumSlots: 1, InitialBalance: decimal.RequireFromString("100"), MinBalance: decimal.RequireFromString("10"), Leverage: 5}, fakeSlotRepo{}, logger)
	if err := slots.Initialize(context.Background()); err != nil {
		t.Fatalf("init slots: %v", err)
	}

	risk := riskmanager.NewManager(fakeKillClient{}, riskmanager.Config{InitialSLPct: decimal.RequireFromString("0.02"), TPLevels: 5}, nil, fakeRiskRepo{}, logger)

	kill := killswitch.NewSwitch(killswitch.Config{Threshold: decimal.RequireFromString("100"), CheckInterval: time.Minute}, slots, risk, fakeKillClient{}, fakeStateStore{}, notify.NewManager(), logger)

	return NewServer(Config{Host: "127.0.0.1", Port: 0, StaleAfter: time.Minute}, db, trades, slots, risk, kill, engine, logger)
}

func TestHealthzHealthy(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeTradeStore{}, fakeEngineStatus{t: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthzUnhealthyOnStaleData(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeTradeStore{}, fakeEngineStatus{t: time.Now().Add(-time.Hour)})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on stale data, got %d", w.Code)
	}
}

func TestHealthzUnhealthyOnDBFailure(t *testing.T) {
	s := newTestServer(t, fakeDB{err: errors.New("connection refused")}, fakeTradeStore{}, fakeEngineStatus{t: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on db failure, got %d", w.Code)
	}
}

func TestSlotsEndpoint(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeTradeStore{}, fakeEngineStatus{t: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/slots", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Slots []domain.Slot `json:"slots"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if !body.Success || len(body.Data.Slots) != 1 {
		t.Fatalf("expected one slot in response, got %+v", body)
	}
}

func TestOpenTradesEndpointPropagatesStoreError(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeTradeStore{err: errors.New("db down")}, fakeEngineStatus{t: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/trades", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when trade store fails, got %d", w.Code)
	}
}

func TestKillSwitchStatusEndpoint(t *testing.T) {
	s := newTestServer(t, fakeDB{}, fakeTradeStore{}, fakeEngineStatus{t: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/killswitch", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
