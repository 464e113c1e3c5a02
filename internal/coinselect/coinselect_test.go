package coinselect

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/transport"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubClient struct {
	coins []domain.CoinInfo
}

func (s *stubClient) GetOrderBookTop(ctx context.Context, symbol string) (transport.OrderBookTop, error) {
	return transport.OrderBookTop{}, nil
}
func (s *stubClient) PlaceOrder(ctx context.Context, params transport.PlaceOrderParams) (transport.PlaceOrderResult, error) {
	return transport.PlaceOrderResult{}, nil
}
func (s *stubClient) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (s *stubClient) CancelAllOrders(ctx context.Context, symbol string) error      { return nil }
func (s *stubClient) GetOpenOrders(ctx context.Context, symbol string) ([]transport.OpenOrder, error) {
	return nil, nil
}
func (s *stubClient) SetLeverage(ctx context.Context, symbol string, leverage int64) error { return nil }
func (s *stubClient) SetStopLoss(ctx context.Context, symbol string, slPrice decimal.Decimal) error {
	return nil
}
func (s *stubClient) ClosePositionMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) error {
	return nil
}
func (s *stubClient) GetOpenPositions(ctx context.Context) ([]transport.PositionInfo, error) {
	return nil, nil
}
func (s *stubClient) GetSymbolInfo(ctx context.Context, symbol string) (domain.CoinInfo, error) {
	return domain.CoinInfo{}, nil
}
func (s *stubClient) GetTopSymbolsByVolume(ctx context.Context, limit int) ([]domain.CoinInfo, error) {
	return s.coins, nil
}
func (s *stubClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return nil, nil
}

func TestRefreshFiltersSortsAndLimits(t *testing.T) {
	client := &stubClient{
		coins: []domain.CoinInfo{
			{Symbol: "BTCUSDT", BaseAsset: "BTC", Volume24h: dec("300")},
			{Symbol: "USDCUSDT", BaseAsset: "USDC", Volume24h: dec("500")},
			{Symbol: "ETHUSDT", BaseAsset: "ETH", Volume24h: dec("200")},
			{Symbol: "SOLUSDT", BaseAsset: "SOL", Volume24h: dec("400")},
		},
	}
	cfg := Config{NumCoins: 2, ExcludedStablecoins: map[string]struct{}{"USDC": {}}, RefreshInterval: time.Hour}
	sel := NewSelector(client, cfg, zerolog.Nop())

	added, removed, err := sel.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected no removed on first refresh, got %v", removed)
	}
	if len(added) != 2 {
		t.Fatalf("expected 2 added (top 2 by volume, stablecoin excluded), got %v", added)
	}

	if _, ok := sel.GetCoin("USDCUSDT"); ok {
		t.Fatalf("expected stablecoin excluded from universe")
	}
	if _, ok := sel.GetCoin("BTCUSDT"); !ok {
		t.Fatalf("expected BTCUSDT (vol 300) in top 2")
	}
	if _, ok := sel.GetCoin("ETHUSDT"); ok {
		t.Fatalf("expected ETHUSDT (lowest volume) excluded from top 2")
	}
}

func TestRefreshPreservesInTradeFlag(t *testing.T) {
	client := &stubClient{
		coins: []domain.CoinInfo{
			{Symbol: "BTCUSDT", BaseAsset: "BTC", Volume24h: dec("300")},
		},
	}
	cfg := Config{NumCoins: 5, RefreshInterval: time.Hour}
	sel := NewSelector(client, cfg, zerolog.Nop())
	sel.Refresh(context.Background())
	sel.SetInTrade("BTCUSDT", true)

	sel.Refresh(context.Background())
	if !sel.IsInTrade("BTCUSDT") {
		t.Fatalf("expected in-trade flag preserved across refresh")
	}
}

func TestRefreshReportsRemoved(t *testing.T) {
	client := &stubClient{
		coins: []domain.CoinInfo{
			{Symbol: "BTCUSDT", BaseAsset: "BTC", Volume24h: dec("300")},
			{Symbol: "ETHUSDT", BaseAsset: "ETH", Volume24h: dec("200")},
		},
	}
	cfg := Config{NumCoins: 5, RefreshInterval: time.Hour}
	sel := NewSelector(client, cfg, zerolog.Nop())
	sel.Refresh(context.Background())

	client.coins = []domain.CoinInfo{
		{Symbol: "BTCUSDT", BaseAsset: "BTC", Volume24h: dec("300")},
	}
	_, removed, err := sel.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(removed) != 1 || removed[0] != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT reported removed, got %v", removed)
	}
}
