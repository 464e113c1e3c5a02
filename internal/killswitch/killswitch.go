// Package killswitch monitors total portfolio equity and triggers a
// permanent emergency shutdown — cancel every order, market-close every
// position, mark every active trade closed — if balance drops below a
// configured threshold. Once tripped, the switch stays tripped until an
// operator clears it; structure adapted from the teacher's
// internal/circuit breaker state machine.
package killswitch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/notify"
	"haflip-engine/internal/transport"
)

// Config controls the equity threshold and sampling cadence.
type Config struct {
	Threshold     decimal.Decimal
	CheckInterval time.Duration
}

// BalanceSource reports realized slot balance, used to compute total
// equity alongside exchange unrealized P&L.
type BalanceSource interface {
	GetTotalBalanceWithPositions(unrealizedPnL decimal.Decimal) decimal.Decimal
}

// TradeCloser closes out every actively monitored trade, used during
// shutdown to mark them KILL_SWITCH.
type TradeCloser interface {
	GetAllActiveTrades() []domain.Trade
	HandleTradeClosed(ctx context.Context, trade *domain.Trade, reason domain.ExitReason, pnl, fees decimal.Decimal) error
}

// StateStore persists the kill switch's tripped flag so it survives a
// restart and refuses to resume trading without an operator clearing it.
type StateStore interface {
	SetState(ctx context.Context, key, value string) error
}

// Switch is the kill switch state machine.
type Switch struct {
	cfg     Config
	balance BalanceSource
	trades  TradeCloser
	client  transport.RestClient
	state   StateStore
	notifier *notify.Manager
	logger  zerolog.Logger

	mu        sync.Mutex
	triggered bool
	running   bool
	stopCh    chan struct{}

	onTrip []func()
}

func NewSwitch(cfg Config, balance BalanceSource, trades TradeCloser, client transport.RestClient, state StateStore, notifier *notify.Manager, logger zerolog.Logger) *Switch {
	return &Switch{
		cfg:      cfg,
		balance:  balance,
		trades:   trades,
		client:   client,
		state:    state,
		notifier: notifier,
		logger:   logger.With().Str("component", "KillSwitch").Logger(),
	}
}

// OnTrip registers a callback invoked after a successful shutdown, e.g.
// to stop the signal engine from accepting new entries.
func (s *Switch) OnTrip(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrip = append(s.onTrip, fn)
}

// IsTriggered reports whether the kill switch has tripped. Once true it
// never reverts on its own.
func (s *Switch) IsTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}

// SetTriggered seeds the in-memory flag from persisted state at
// startup, so a restart after a trip does not silently resume trading.
func (s *Switch) SetTriggered(triggered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered = triggered
}

// Start runs the periodic equity check loop until ctx is cancelled or
// Stop is called.
func (s *Switch) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().Str("threshold", s.cfg.Threshold.String()).Dur("interval", s.cfg.CheckInterval).Msg("kill switch active")

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *Switch) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.stopCh)
		s.running = false
	}
}

func (s *Switch) check(ctx context.Context) {
	if s.IsTriggered() {
		return
	}

	unrealized := decimal.Zero
	positions, err := s.client.GetOpenPositions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to fetch positions for equity check")
	} else {
		for _, p := range positions {
			if p.Qty.IsPositive() {
				unrealized = unrealized.Add(p.UnrealizedPnL)
			}
		}
	}

	total := s.balance.GetTotalBalanceWithPositions(unrealized)
	if total.GreaterThanOrEqual(s.cfg.Threshold) {
		return
	}

	s.logger.Error().Str("total", total.String()).Str("threshold", s.cfg.Threshold.String()).Msg("kill switch triggered")
	s.executeShutdown(ctx, total)
}

func (s *Switch) executeShutdown(ctx context.Context, total decimal.Decimal) {
	s.mu.Lock()
	s.triggered = true
	s.mu.Unlock()

	if err := s.state.SetState(ctx, "kill_switch_triggered", "true"); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist kill switch state")
	}

	if err := s.client.CancelAllOrders(ctx, ""); err != nil {
		s.logger.Error().Err(err).Msg("error cancelling open orders during shutdown")
	}

	positions, err := s.client.GetOpenPositions(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("error fetching positions during shutdown")
	} else {
		for _, p := range positions {
			if !p.Qty.IsPositive() {
				continue
			}
			if err := s.client.ClosePositionMarket(ctx, p.Symbol, p.Side, p.Qty); err != nil {
				s.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("error closing position during shutdown")
				continue
			}
			s.logger.Info().Str("symbol", p.Symbol).Msg("position closed by kill switch")
		}
	}

	for _, trade := range s.trades.GetAllActiveTrades() {
		t := trade
		if err := s.trades.HandleTradeClosed(ctx, &t, domain.ExitReasonKillSwitch, decimal.Zero, decimal.Zero); err != nil {
			s.logger.Error().Err(err).Str("symbol", t.Symbol).Msg("error marking trade closed during shutdown")
		}
	}

	if s.notifier != nil {
		if err := s.notifier.SendKillSwitchTriggered(total, s.cfg.Threshold); err != nil {
			s.logger.Error().Err(err).Msg("failed to send kill switch notification")
		}
	}

	s.mu.Lock()
	callbacks := append([]func(){}, s.onTrip...)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}

	s.logger.Error().Msg("shutdown complete, bot paused, manual restart required")
}
