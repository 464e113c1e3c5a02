// Package signalengine is the top-level orchestrator: it receives
// exchange events, drives the HA/ATR engines, and runs the gated
// signal-to-trade pipeline (cooldown check -> in-trade check -> slot
// availability check -> universe membership check) before handing off to
// the executor and risk manager. Grounded on
// original_source/core/signal_engine.py's SignalEngine class and the
// teacher's internal/autopilot controller shape (config + wired
// components + a single coordinating mutex).
package signalengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/atr"
	"haflip-engine/internal/coinselect"
	"haflip-engine/internal/domain"
	"haflip-engine/internal/execution"
	"haflip-engine/internal/ha"
	"haflip-engine/internal/notify"
	"haflip-engine/internal/riskmanager"
	"haflip-engine/internal/slotmanager"
	"haflip-engine/internal/transport"
)

// TradeStore persists a trade's full lifecycle, from creation through
// every risk-manager mutation. Implemented by internal/storage.
type TradeStore interface {
	CreateTrade(ctx context.Context, trade domain.Trade) error
	UpdateTrade(ctx context.Context, trade domain.Trade) error
}

// CooldownTracker records a slot's post-trade cooldown deadline so it
// survives a restart. Implemented by storage.CooldownWheel.
type CooldownTracker interface {
	TrackCooldown(ctx context.Context, slotID int, symbol string, until time.Time) error
}

// Config controls dry-run mode, cooldown length and position leverage.
type Config struct {
	DryRun           bool
	CooldownDuration time.Duration
	Leverage         int64
}

// Engine wires every subsystem together and dispatches incoming exchange
// events to the right handler.
type Engine struct {
	cfg      Config
	ha       *ha.Engine
	atrEng   *atr.Engine
	coins    *coinselect.Selector
	slots    *slotmanager.Manager
	executor *execution.Executor
	risk     *riskmanager.Manager
	trades   TradeStore
	cooldown CooldownTracker
	notifier *notify.Manager
	logger   zerolog.Logger

	signalMu sync.Mutex

	cooldownMu      sync.Mutex
	cooldowns       map[string]time.Time
	flipActedWindow map[string]int64
	live4h          map[string]domain.Candle

	healthMu     sync.Mutex
	lastDataTime time.Time
}

func NewEngine(
	cfg Config,
	haEngine *ha.Engine,
	atrEng *atr.Engine,
	coins *coinselect.Selector,
	slots *slotmanager.Manager,
	executor *execution.Executor,
	risk *riskmanager.Manager,
	trades TradeStore,
	cooldown CooldownTracker,
	notifier *notify.Manager,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:             cfg,
		ha:              haEngine,
		atrEng:          atrEng,
		coins:           coins,
		slots:           slots,
		executor:        executor,
		risk:            risk,
		trades:          trades,
		cooldown:        cooldown,
		notifier:        notifier,
		logger:          logger.With().Str("component", "SignalEngine").Logger(),
		cooldowns:       make(map[string]time.Time),
		flipActedWindow: make(map[string]int64),
		live4h:          make(map[string]domain.Candle),
		lastDataTime:    time.Now().UTC(),
	}
}

// LastDataTime reports the time of the last event of any kind received,
// used by the dashboard's liveness probe.
func (e *Engine) LastDataTime() time.Time {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	return e.lastDataTime
}

func (e *Engine) touchHealth() {
	e.healthMu.Lock()
	e.lastDataTime = time.Now().UTC()
	e.healthMu.Unlock()
}

// Dispatch routes a single exchange event to its handler. The tagged
// EventKind replaces topic-string prefix matching entirely.
func (e *Engine) Dispatch(ctx context.Context, evt transport.Event) {
	e.touchHealth()

	switch evt.Kind {
	case transport.EventKindKline240:
		e.handleKline240(ctx, evt.Kline)
	case transport.EventKindKline5:
		e.handleKline5(ctx, evt.Kline)
	case transport.EventKindKline15:
		e.handleKline15(evt.Kline)
	case transport.EventKindTicker:
		e.handleTicker(ctx, evt.Ticker)
	case transport.EventKindPositionUpdate:
		e.handlePositionUpdate(ctx, evt.PositionUpdate)
	case transport.EventKindExecution:
		e.handleExecution(ctx, evt.Execution)
	}
}

// handleKline240 caches the live 4H candle on an unconfirmed tick, and on
// confirm stores it in the HA chain and resets the per-window flip
// debounce marker for the new window. The marker is deliberately reset
// only here, not on every live tick — matches signal_engine.py exactly.
func (e *Engine) handleKline240(ctx context.Context, k *transport.KlineEvent) {
	if k == nil {
		return
	}

	if k.Candle.Confirmed {
		e.ha.Update(k.Symbol, k.Candle)

		e.cooldownMu.Lock()
		delete(e.flipActedWindow, k.Symbol)
		delete(e.live4h, k.Symbol)
		e.cooldownMu.Unlock()

		e.logger.Info().Str("symbol", k.Symbol).Str("close", k.Candle.Close.String()).Msg("4h candle confirmed")
	} else {
		e.cooldownMu.Lock()
		e.live4h[k.Symbol] = k.Candle
		e.cooldownMu.Unlock()
	}
}

// handleKline5 is the flip trigger: on every confirmed 5m close it
// recomputes HA live off the cached 4h candle and acts on the first flip
// per 4h window.
func (e *Engine) handleKline5(ctx context.Context, k *transport.KlineEvent) {
	if k == nil || !k.Candle.Confirmed {
		return
	}

	e.cooldownMu.Lock()
	live4h, ok := e.live4h[k.Symbol]
	e.cooldownMu.Unlock()
	if !ok {
		return
	}

	_, signal := e.ha.CalcLive(k.Symbol, live4h)
	if signal == nil {
		return
	}

	e.cooldownMu.Lock()
	if e.flipActedWindow[k.Symbol] == live4h.TimestampMs {
		e.cooldownMu.Unlock()
		return
	}
	e.flipActedWindow[k.Symbol] = live4h.TimestampMs
	e.cooldownMu.Unlock()

	e.logger.Info().Str("symbol", k.Symbol).Str("side", string(signal.Side)).Msg("flip detected on 5m close")
	e.processSignal(ctx, *signal)
}

func (e *Engine) handleKline15(k *transport.KlineEvent) {
	if k == nil || !k.Candle.Confirmed {
		return
	}
	e.atrEng.Update(k.Symbol, k.Candle)
}

func (e *Engine) handleTicker(ctx context.Context, t *transport.TickerEvent) {
	if t == nil {
		return
	}
	e.risk.CheckPrice(ctx, t.Symbol, t.Price)
}

// handlePositionUpdate detects an exchange-side position close (size
// dropped to zero) that didn't go through our own close path — an SL or
// final TP fill — and reconciles the trade.
func (e *Engine) handlePositionUpdate(ctx context.Context, p *transport.PositionUpdateEvent) {
	if p == nil || !p.Size.IsZero() {
		return
	}

	trade, ok := e.risk.GetActiveTradeBySymbol(p.Symbol)
	if !ok || trade.Status != domain.TradeStatusOpen {
		return
	}

	exitReason := domain.ExitReasonSLHit
	if trade.HighestTPReached >= 2 {
		exitReason = domain.ExitReasonTrailingSL
	}
	e.handleTradeClosed(ctx, trade, exitReason, p.PnL)
}

// handleExecution accumulates a reported fill fee onto the trade that
// placed the order.
func (e *Engine) handleExecution(ctx context.Context, ex *transport.ExecutionEvent) {
	if ex == nil {
		return
	}
	trade, ok := e.risk.GetActiveTradeByOrderID(ex.OrderID)
	if !ok {
		return
	}
	if err := e.risk.AddFees(ctx, trade, ex.Fee); err != nil {
		e.logger.Error().Err(err).Str("symbol", trade.Symbol).Msg("failed to accrue fill fee")
	}
}

// processSignal runs the full gated pipeline for a detected flip:
// cooldown -> in-trade -> slot availability -> universe membership,
// then either logs a dry-run notice or executes a live entry. The whole
// body runs under signalMu, matching spec.md's single global critical
// section for signal processing.
func (e *Engine) processSignal(ctx context.Context, signal domain.Signal) {
	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	symbol := signal.Symbol
	side := signal.Side

	if e.isInCooldown(symbol) {
		e.logger.Info().Str("symbol", symbol).Msg("symbol in cooldown, ignoring signal")
		return
	}
	if e.coins.IsInTrade(symbol) {
		e.logger.Info().Str("symbol", symbol).Msg("symbol already in active trade, ignoring signal")
		return
	}
	slot, ok := e.slots.GetAvailableSlot()
	if !ok {
		e.logger.Info().Str("symbol", symbol).Msg("no available slots, ignoring signal")
		return
	}
	coin, ok := e.coins.GetCoin(symbol)
	if !ok {
		e.logger.Warn().Str("symbol", symbol).Msg("symbol not in tracked universe, ignoring signal")
		return
	}

	positionSize, err := e.slots.CalculatePositionSize(slot.ID)
	if err != nil {
		e.logger.Error().Err(err).Int("slot_id", slot.ID).Msg("failed to size position")
		return
	}

	if e.cfg.DryRun {
		atrVal, _ := e.atrEng.GetATR(symbol)
		e.logger.Info().
			Str("symbol", symbol).
			Str("side", string(side)).
			Int("slot_id", slot.ID).
			Str("size", positionSize.String()).
			Str("atr", atrVal.String()).
			Msg("dry run: would execute")
		if err := e.notifier.SendDryRunSignal(symbol, string(side), decimal.Zero); err != nil {
			e.logger.Warn().Err(err).Msg("failed to send dry-run notification")
		}
		return
	}

	e.executeLive(ctx, symbol, side, slot, coin, positionSize)
}

func (e *Engine) executeLive(ctx context.Context, symbol string, side domain.Side, slot domain.Slot, coin domain.CoinInfo, positionSize decimal.Decimal) {
	trade := domain.Trade{
		ID:        uuid.NewString(),
		SlotID:    slot.ID,
		Symbol:    symbol,
		Side:      side,
		Status:    domain.TradeStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.trades.CreateTrade(ctx, trade); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist pending trade")
		return
	}

	assigned, err := e.slots.Assign(ctx, slot.ID, symbol, trade.ID)
	if err != nil || !assigned {
		e.logger.Error().Err(err).Int("slot_id", slot.ID).Msg("failed to assign slot")
		return
	}
	e.coins.SetInTrade(symbol, true)

	if err := e.executor.SetLeverage(ctx, symbol, e.cfg.Leverage); err != nil {
		e.logger.Debug().Err(err).Str("symbol", symbol).Msg("set leverage result (may already be set)")
	}

	result, err := e.executor.ExecuteEntry(ctx, symbol, side, coin, positionSize)
	if err != nil || !result.Filled {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("fill failed, releasing slot")
		e.releaseFailedEntry(ctx, slot.ID, symbol, &trade)
		return
	}

	trade.Status = domain.TradeStatusOpen
	trade.EntryPrice = &result.EntryPrice
	trade.Qty = &result.Qty
	trade.EntryOrderID = result.OrderID
	trade.FillAttempts = result.FillAttempts
	now := time.Now().UTC()
	trade.EntryTime = &now

	if err := e.slots.MarkInTrade(ctx, slot.ID); err != nil {
		e.logger.Error().Err(err).Int("slot_id", slot.ID).Msg("failed to mark slot in-trade")
	}
	if err := e.trades.UpdateTrade(ctx, trade); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist filled trade")
	}

	armed, err := e.risk.SetupTradeRisk(ctx, &trade, coin)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("error arming trade risk")
	}
	if !armed {
		e.logger.Error().Str("symbol", symbol).Msg("critical: failed to set stop loss, closing position immediately")
		if err := e.executor.ClosePositionMarket(ctx, symbol, side, *trade.Qty); err != nil {
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to market-close unprotected position")
		}
		e.releaseFailedEntry(ctx, slot.ID, symbol, &trade)
		return
	}

	if err := e.notifier.SendTradeOpen(symbol, string(side), *trade.EntryPrice, *trade.Qty); err != nil {
		e.logger.Warn().Err(err).Msg("failed to send trade-open notification")
	}
	e.logger.Info().Str("symbol", symbol).Str("trade_id", trade.ID).Str("entry", trade.EntryPrice.String()).Msg("trade fully armed")
}

func (e *Engine) releaseFailedEntry(ctx context.Context, slotID int, symbol string, trade *domain.Trade) {
	if err := e.slots.ReleaseSlot(ctx, slotID); err != nil {
		e.logger.Error().Err(err).Int("slot_id", slotID).Msg("failed to release slot after fill failure")
	}
	e.coins.SetInTrade(symbol, false)

	trade.Status = domain.TradeStatusCancelled
	reason := domain.ExitReasonFillFailed
	trade.ExitReason = &reason
	if err := e.trades.UpdateTrade(ctx, *trade); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist cancelled trade")
	}
}

// handleTradeClosed finalizes a trade closed by an exchange-side SL/TP
// fill: marks it closed in the risk manager, applies P&L to the slot,
// starts the cooldown timer, and notifies.
func (e *Engine) handleTradeClosed(ctx context.Context, trade *domain.Trade, reason domain.ExitReason, pnl decimal.Decimal) {
	symbol := trade.Symbol

	if err := e.risk.HandleTradeClosed(ctx, trade, reason, pnl, trade.Fees); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to finalize trade close")
	}

	until := time.Now().UTC().Add(e.cfg.CooldownDuration)
	slot, err := e.slots.CompleteTrade(ctx, trade.SlotID, *trade, until)
	if err != nil {
		e.logger.Error().Err(err).Int("slot_id", trade.SlotID).Msg("failed to complete slot trade")
	} else if slot.State == domain.SlotCooldown {
		e.setCooldown(symbol)
		if err := e.cooldown.TrackCooldown(ctx, slot.ID, symbol, until); err != nil {
			e.logger.Error().Err(err).Int("slot_id", slot.ID).Msg("failed to persist cooldown deadline")
		}
	}

	pnlOut := decimal.Zero
	if trade.PnL != nil {
		pnlOut = *trade.PnL
	}
	if err := e.notifier.SendTradeClose(symbol, decimal.Zero, pnlOut, string(reason)); err != nil {
		e.logger.Warn().Err(err).Msg("failed to send trade-close notification")
	}

	e.coins.SetInTrade(symbol, false)
}

// ReleaseFromCooldown is called by the cooldown wheel's monitor loop when
// a tracked deadline elapses.
func (e *Engine) ReleaseFromCooldown(ctx context.Context, slotID int) {
	if err := e.slots.ReleaseFromCooldown(ctx, slotID); err != nil {
		e.logger.Error().Err(err).Int("slot_id", slotID).Msg("failed to release slot from cooldown")
	}
}

func (e *Engine) isInCooldown(symbol string) bool {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	until, ok := e.cooldowns[symbol]
	return ok && time.Now().UTC().Before(until)
}

func (e *Engine) setCooldown(symbol string) {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	e.cooldowns[symbol] = time.Now().UTC().Add(e.cfg.CooldownDuration)
}
