// Package slotmanager manages the fixed pool of independent capital
// slots. Each slot compounds its own balance and moves through
// AVAILABLE -> ASSIGNED -> IN_TRADE -> COOLDOWN/FROZEN -> AVAILABLE on
// its own schedule, isolated from every other slot.
package slotmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
)

// Repository persists slot state. Implemented by internal/storage.
type Repository interface {
	InitializeSlots(ctx context.Context, numSlots int, initialBalance decimal.Decimal) error
	GetAllSlots(ctx context.Context) ([]domain.Slot, error)
	UpdateSlot(ctx context.Context, slot domain.Slot) error
}

// Config controls slot sizing and risk limits.
type Config struct {
	NumSlots       int
	InitialBalance decimal.Decimal
	MinBalance     decimal.Decimal
	Leverage       int64
}

// Manager owns the in-memory slot table, backed by Repository for
// durability across restarts.
type Manager struct {
	cfg    Config
	repo   Repository
	logger zerolog.Logger

	mu    sync.Mutex
	slots map[int]domain.Slot
}

func NewManager(cfg Config, repo Repository, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		repo:   repo,
		logger: logger.With().Str("component", "SlotManager").Logger(),
		slots:  make(map[int]domain.Slot),
	}
}

// Initialize loads or creates the configured number of slots and logs
// their starting state.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.repo.InitializeSlots(ctx, m.cfg.NumSlots, m.cfg.InitialBalance); err != nil {
		return fmt.Errorf("slotmanager: initialize slots: %w", err)
	}

	slots, err := m.repo.GetAllSlots(ctx)
	if err != nil {
		return fmt.Errorf("slotmanager: load slots: %w", err)
	}

	m.mu.Lock()
	for _, s := range slots {
		m.slots[s.ID] = s
	}
	m.mu.Unlock()

	for _, s := range slots {
		m.logger.Info().
			Int("slot_id", s.ID).
			Str("balance", s.Balance.String()).
			Str("state", string(s.State)).
			Int("total_trades", s.TotalTrades).
			Str("total_pnl", s.TotalPnL.String()).
			Msg("slot loaded")
	}
	return nil
}

func (m *Manager) GetSlot(id int) (domain.Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	return s, ok
}

func (m *Manager) GetAllSlots() []domain.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAvailableSlot returns the lowest-ID AVAILABLE slot, or false if
// none are free.
func (m *Manager) GetAvailableSlot() (domain.Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if m.slots[id].State == domain.SlotAvailable {
			return m.slots[id], true
		}
	}
	return domain.Slot{}, false
}

func (m *Manager) CountAvailable() int {
	return m.countState(domain.SlotAvailable)
}

func (m *Manager) CountInTrade() int {
	return m.countState(domain.SlotInTrade)
}

func (m *Manager) countState(state domain.SlotState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.State == state {
			n++
		}
	}
	return n
}

// Assign reserves an AVAILABLE slot for a trade. Returns false if the
// slot is no longer available (lost a race, already assigned).
func (m *Manager) Assign(ctx context.Context, slotID int, symbol, tradeID string) (bool, error) {
	m.mu.Lock()
	slot, ok := m.slots[slotID]
	if !ok || slot.State != domain.SlotAvailable {
		m.mu.Unlock()
		m.logger.Warn().Int("slot_id", slotID).Str("state", string(slot.State)).Msg("cannot assign slot, not available")
		return false, nil
	}
	slot.State = domain.SlotAssigned
	slot.CurrentSymbol = &symbol
	slot.CurrentTradeID = &tradeID
	slot.UpdatedAt = time.Now().UTC()
	m.slots[slotID] = slot
	m.mu.Unlock()

	if err := m.repo.UpdateSlot(ctx, slot); err != nil {
		return false, fmt.Errorf("slotmanager: persist assign: %w", err)
	}
	m.logger.Info().Int("slot_id", slotID).Str("symbol", symbol).Str("trade_id", tradeID).Msg("slot assigned")
	return true, nil
}

// MarkInTrade transitions an ASSIGNED slot to IN_TRADE once the entry
// order has filled.
func (m *Manager) MarkInTrade(ctx context.Context, slotID int) error {
	m.mu.Lock()
	slot, ok := m.slots[slotID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("slotmanager: unknown slot %d", slotID)
	}
	slot.State = domain.SlotInTrade
	slot.UpdatedAt = time.Now().UTC()
	m.slots[slotID] = slot
	m.mu.Unlock()

	return m.repo.UpdateSlot(ctx, slot)
}

// CompleteTrade applies a trade's net P&L to its slot balance, then
// freezes the slot if the new balance is below the configured minimum,
// otherwise starts its cooldown until cooldownUntil (ignored when the
// slot freezes instead).
func (m *Manager) CompleteTrade(ctx context.Context, slotID int, trade domain.Trade, cooldownUntil time.Time) (domain.Slot, error) {
	m.mu.Lock()
	slot, ok := m.slots[slotID]
	if !ok {
		m.mu.Unlock()
		return domain.Slot{}, fmt.Errorf("slotmanager: unknown slot %d", slotID)
	}

	pnl := decimal.Zero
	if trade.PnL != nil {
		pnl = *trade.PnL
	}
	netPnL := pnl.Sub(trade.Fees)

	oldBalance := slot.Balance
	newBalance := oldBalance.Add(netPnL)

	slot.Balance = newBalance
	slot.TotalTrades++
	slot.TotalPnL = slot.TotalPnL.Add(netPnL)
	slot.CurrentSymbol = nil
	slot.CurrentTradeID = nil
	slot.UpdatedAt = time.Now().UTC()

	if newBalance.LessThan(m.cfg.MinBalance) {
		slot.State = domain.SlotFrozen
		slot.CooldownUntil = nil
		m.logger.Warn().
			Int("slot_id", slotID).
			Str("balance", newBalance.String()).
			Str("min_balance", m.cfg.MinBalance.String()).
			Msg("slot frozen, balance below minimum")
	} else {
		slot.State = domain.SlotCooldown
		until := cooldownUntil
		slot.CooldownUntil = &until
		m.logger.Info().
			Int("slot_id", slotID).
			Str("net_pnl", netPnL.String()).
			Str("old_balance", oldBalance.String()).
			Str("new_balance", newBalance.String()).
			Time("cooldown_until", until).
			Msg("trade complete, slot entering cooldown")
	}

	m.slots[slotID] = slot
	m.mu.Unlock()

	if err := m.repo.UpdateSlot(ctx, slot); err != nil {
		return slot, fmt.Errorf("slotmanager: persist complete: %w", err)
	}
	return slot, nil
}

// ReleaseFromCooldown returns a COOLDOWN slot to AVAILABLE. No-op for
// any other state.
func (m *Manager) ReleaseFromCooldown(ctx context.Context, slotID int) error {
	m.mu.Lock()
	slot, ok := m.slots[slotID]
	if !ok || slot.State != domain.SlotCooldown {
		m.mu.Unlock()
		return nil
	}
	slot.State = domain.SlotAvailable
	slot.CooldownUntil = nil
	slot.UpdatedAt = time.Now().UTC()
	m.slots[slotID] = slot
	m.mu.Unlock()

	if err := m.repo.UpdateSlot(ctx, slot); err != nil {
		return err
	}
	m.logger.Info().Int("slot_id", slotID).Str("balance", slot.Balance.String()).Msg("slot released from cooldown")
	return nil
}

// ReleaseSlot immediately frees a slot with no balance change — used
// when order fill fails before a position ever opens.
func (m *Manager) ReleaseSlot(ctx context.Context, slotID int) error {
	m.mu.Lock()
	slot, ok := m.slots[slotID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("slotmanager: unknown slot %d", slotID)
	}
	slot.State = domain.SlotAvailable
	slot.CurrentSymbol = nil
	slot.CurrentTradeID = nil
	slot.UpdatedAt = time.Now().UTC()
	m.slots[slotID] = slot
	m.mu.Unlock()

	if err := m.repo.UpdateSlot(ctx, slot); err != nil {
		return err
	}
	m.logger.Info().Int("slot_id", slotID).Msg("slot released, no trade executed")
	return nil
}

// GetTotalBalance sums all slot balances, excluding unrealized P&L.
func (m *Manager) GetTotalBalance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, s := range m.slots {
		total = total.Add(s.Balance)
	}
	return total
}

// GetTotalBalanceWithPositions adds unrealized P&L from open positions
// to the realized slot total — the figure the kill switch samples.
func (m *Manager) GetTotalBalanceWithPositions(unrealizedPnL decimal.Decimal) decimal.Decimal {
	return m.GetTotalBalance().Add(unrealizedPnL)
}

// CalculatePositionSize returns slot balance times configured leverage.
func (m *Manager) CalculatePositionSize(slotID int) (decimal.Decimal, error) {
	m.mu.Lock()
	slot, ok := m.slots[slotID]
	m.mu.Unlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("slotmanager: unknown slot %d", slotID)
	}
	return slot.Balance.Mul(decimal.NewFromInt(m.cfg.Leverage)), nil
}

// GetStatusSummary renders a human-readable snapshot of every slot, used
// by the dashboard API's /slots route.
func (m *Manager) GetStatusSummary() string {
	slots := m.GetAllSlots()
	summary := "=== SLOT STATUS ===\n"
	total := decimal.Zero
	for _, s := range slots {
		sym := ""
		if s.CurrentSymbol != nil {
			sym = fmt.Sprintf(" (%s)", *s.CurrentSymbol)
		}
		summary += fmt.Sprintf("Slot %d: $%s [%s]%s\n", s.ID, s.Balance.StringFixed(2), s.State, sym)
		total = total.Add(s.Balance)
	}
	summary += fmt.Sprintf("=== TOTAL: $%s ===", total.StringFixed(2))
	return summary
}
