// Package riskmanager arms a freshly filled trade with an initial stop
// loss and an ATR-spaced take-profit ladder, then trails the stop as
// take-profit levels are hit. The stop only ever moves in the
// profitable direction.
package riskmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/atr"
	"haflip-engine/internal/domain"
	"haflip-engine/internal/moneymath"
	"haflip-engine/internal/transport"
)

var percentFallback = decimal.RequireFromString("0.01")

// Config controls the risk ladder shape.
type Config struct {
	InitialSLPct decimal.Decimal
	TPLevels     int
}

// Repository persists trade state mutated by the risk manager.
type Repository interface {
	UpdateTrade(ctx context.Context, trade domain.Trade) error
}

// Manager monitors open trades and adjusts their stop loss as price
// advances through the TP ladder.
type Manager struct {
	client transport.RestClient
	cfg    Config
	atrEng *atr.Engine
	repo   Repository
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*domain.Trade // keyed by trade ID
}

func NewManager(client transport.RestClient, cfg Config, atrEng *atr.Engine, repo Repository, logger zerolog.Logger) *Manager {
	return &Manager{
		client: client,
		cfg:    cfg,
		atrEng: atrEng,
		repo:   repo,
		logger: logger.With().Str("component", "RiskManager").Logger(),
		active: make(map[string]*domain.Trade),
	}
}

// LoadActiveTrades seeds the in-memory monitoring set from persisted
// OPEN trades at startup.
func (m *Manager) LoadActiveTrades(trades []domain.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range trades {
		t := trades[i]
		if t.Status == domain.TradeStatusOpen {
			m.active[t.ID] = &t
		}
	}
	m.logger.Info().Int("count", len(m.active)).Msg("loaded active trades")
}

// SetupTradeRisk computes the initial SL and ATR TP ladder for a newly
// filled trade and arms the SL on the exchange. Returns false if the
// exchange SL placement failed — the caller must market-close the
// position in that case, since an unprotected fill is unacceptable.
func (m *Manager) SetupTradeRisk(ctx context.Context, trade *domain.Trade, coin domain.CoinInfo) (bool, error) {
	if trade.EntryPrice == nil {
		return false, fmt.Errorf("riskmanager: trade %s has no entry price", trade.ID)
	}
	entry := *trade.EntryPrice

	var slRaw decimal.Decimal
	if trade.Side == domain.Long {
		slRaw = entry.Mul(decimal.NewFromInt(1).Sub(m.cfg.InitialSLPct))
	} else {
		slRaw = entry.Mul(decimal.NewFromInt(1).Add(m.cfg.InitialSLPct))
	}
	slPrice := moneymath.RoundStopLoss(trade.Side, slRaw, coin.TickSize)

	atrVal, ok := m.atrEng.GetATR(trade.Symbol)
	if !ok || atrVal.IsZero() {
		m.logger.Warn().Str("symbol", trade.Symbol).Msg("no ATR available, falling back to 1% of entry")
		atrVal = entry.Mul(percentFallback)
	}

	tpLevels := make([]domain.TPLevel, 0, m.cfg.TPLevels)
	for n := 1; n <= m.cfg.TPLevels; n++ {
		mult := decimal.NewFromInt(int64(n)).Mul(atrVal)
		var tpRaw decimal.Decimal
		if trade.Side == domain.Long {
			tpRaw = entry.Add(mult)
		} else {
			tpRaw = entry.Sub(mult)
		}
		tpLevels = append(tpLevels, domain.TPLevel{
			Level: n,
			Price: moneymath.RoundTakeProfit(trade.Side, tpRaw, coin.TickSize),
		})
	}

	if err := m.client.SetStopLoss(ctx, trade.Symbol, slPrice); err != nil {
		m.logger.Error().Err(err).Str("symbol", trade.Symbol).Msg("failed to set initial stop loss")
		return false, nil
	}

	trade.InitialSLPrice = &slPrice
	trade.CurrentSLPrice = &slPrice
	trade.TPLevels = tpLevels
	trade.ATRValue = &atrVal
	trade.HighestTPReached = 0

	if err := m.repo.UpdateTrade(ctx, *trade); err != nil {
		return true, fmt.Errorf("riskmanager: persist trade risk: %w", err)
	}

	m.mu.Lock()
	m.active[trade.ID] = trade
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", trade.Symbol).
		Str("sl", slPrice.String()).
		Str("atr", atrVal.String()).
		Str("tp1", tpLevels[0].Price.String()).
		Str("tp_last", tpLevels[len(tpLevels)-1].Price.String()).
		Msg("trade risk armed")
	return true, nil
}

// CheckPrice evaluates every OPEN trade on symbol against a new mark
// price, marking any newly reached TP levels and trailing the SL.
func (m *Manager) CheckPrice(ctx context.Context, symbol string, price decimal.Decimal) {
	m.mu.Lock()
	var candidates []*domain.Trade
	for _, t := range m.active {
		if t.Symbol == symbol && t.Status == domain.TradeStatusOpen && len(t.TPLevels) > 0 {
			candidates = append(candidates, t)
		}
	}
	m.mu.Unlock()

	for _, t := range candidates {
		m.checkTPLevels(ctx, t, price)
	}
}

func (m *Manager) checkTPLevels(ctx context.Context, trade *domain.Trade, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newHighest := trade.HighestTPReached
	now := time.Now().UTC()

	for i := range trade.TPLevels {
		tp := &trade.TPLevels[i]
		if tp.Hit {
			continue
		}

		hit := false
		if trade.Side == domain.Long && price.GreaterThanOrEqual(tp.Price) {
			hit = true
		} else if trade.Side == domain.Short && price.LessThanOrEqual(tp.Price) {
			hit = true
		}

		if hit {
			tp.Hit = true
			tp.HitTime = &now
			if tp.Level > newHighest {
				newHighest = tp.Level
			}
			m.logger.Info().Str("symbol", trade.Symbol).Int("tp_level", tp.Level).Str("price", price.String()).Msg("take profit hit")
		}
	}

	if newHighest <= trade.HighestTPReached {
		return
	}
	trade.HighestTPReached = newHighest

	// TP1 -> SL stays at initial. TP(n>=2) -> SL moves to TP(n-1).
	if newHighest >= 2 {
		if newSL, ok := tpPriceByLevel(trade.TPLevels, newHighest-1); ok {
			m.updateSL(ctx, trade, newSL)
		}
	}

	if err := m.repo.UpdateTrade(ctx, *trade); err != nil {
		m.logger.Error().Err(err).Str("symbol", trade.Symbol).Msg("failed to persist TP progress")
	}
}

// updateSL enforces I-SL-MONO: the stop may only move in the profitable
// direction. Caller holds m.mu.
func (m *Manager) updateSL(ctx context.Context, trade *domain.Trade, newSL decimal.Decimal) {
	current := trade.CurrentSLPrice
	if current != nil {
		if trade.Side == domain.Long && newSL.LessThanOrEqual(*current) {
			m.logger.Warn().Str("symbol", trade.Symbol).Str("current", current.String()).Str("attempted", newSL.String()).Msg("SL regression blocked")
			return
		}
		if trade.Side == domain.Short && newSL.GreaterThanOrEqual(*current) {
			m.logger.Warn().Str("symbol", trade.Symbol).Str("current", current.String()).Str("attempted", newSL.String()).Msg("SL regression blocked")
			return
		}
	}

	if err := m.client.SetStopLoss(ctx, trade.Symbol, newSL); err != nil {
		m.logger.Error().Err(err).Str("symbol", trade.Symbol).Msg("failed to trail stop loss")
		return
	}
	trade.CurrentSLPrice = &newSL
	m.logger.Info().Str("symbol", trade.Symbol).Str("new_sl", newSL.String()).Int("highest_tp", trade.HighestTPReached).Msg("stop loss trailed")
}

// HandleTradeClosed marks a trade CLOSED with the given reason/PnL and
// drops it from active monitoring.
func (m *Manager) HandleTradeClosed(ctx context.Context, trade *domain.Trade, reason domain.ExitReason, pnl, fees decimal.Decimal) error {
	now := time.Now().UTC()
	trade.Status = domain.TradeStatusClosed
	trade.ExitTime = &now
	trade.ExitReason = &reason
	trade.PnL = &pnl
	trade.Fees = fees

	if err := m.repo.UpdateTrade(ctx, *trade); err != nil {
		return fmt.Errorf("riskmanager: persist trade close: %w", err)
	}

	m.mu.Lock()
	delete(m.active, trade.ID)
	m.mu.Unlock()

	m.logger.Info().Str("symbol", trade.Symbol).Str("reason", string(reason)).Str("pnl", pnl.String()).Str("fees", fees.String()).Msg("trade closed")
	return nil
}

// CloseManually closes a trade with ExitReasonManual, for operator-
// initiated closes that don't originate from an exchange SL/TP fill.
func (m *Manager) CloseManually(ctx context.Context, trade *domain.Trade, pnl, fees decimal.Decimal) error {
	return m.HandleTradeClosed(ctx, trade, domain.ExitReasonManual, pnl, fees)
}

func (m *Manager) GetActiveTrade(tradeID string) (*domain.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[tradeID]
	return t, ok
}

func (m *Manager) GetActiveTradeBySymbol(symbol string) (*domain.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.active {
		if t.Symbol == symbol && t.Status == domain.TradeStatusOpen {
			return t, true
		}
	}
	return nil, false
}

// GetActiveTradeByOrderID finds the trade whose entry order matches
// orderID, used to attribute fill fees reported on the execution stream.
func (m *Manager) GetActiveTradeByOrderID(orderID string) (*domain.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.active {
		if t.EntryOrderID == orderID {
			return t, true
		}
	}
	return nil, false
}

// AddFees accumulates exchange-reported fill fees onto a trade and
// persists the update.
func (m *Manager) AddFees(ctx context.Context, trade *domain.Trade, fee decimal.Decimal) error {
	m.mu.Lock()
	trade.Fees = trade.Fees.Add(fee.Abs())
	snapshot := *trade
	m.mu.Unlock()

	if err := m.repo.UpdateTrade(ctx, snapshot); err != nil {
		return fmt.Errorf("riskmanager: persist fee accrual: %w", err)
	}
	return nil
}

func (m *Manager) GetAllActiveTrades() []domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Trade, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, *t)
	}
	return out
}

func (m *Manager) RemoveTrade(tradeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, tradeID)
}

func tpPriceByLevel(levels []domain.TPLevel, level int) (decimal.Decimal, bool) {
	for _, tp := range levels {
		if tp.Level == level {
			return tp.Price, true
		}
	}
	return decimal.Zero, false
}
