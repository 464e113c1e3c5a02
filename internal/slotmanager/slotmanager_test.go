package slotmanager

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
)

type fakeRepo struct {
	slots map[int]domain.Slot
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{slots: make(map[int]domain.Slot)}
}

func (f *fakeRepo) InitializeSlots(ctx context.Context, numSlots int, initialBalance decimal.Decimal) error {
	for i := 1; i <= numSlots; i++ {
		if _, ok := f.slots[i]; !ok {
			f.slots[i] = domain.Slot{ID: i, Balance: initialBalance, State: domain.SlotAvailable}
		}
	}
	return nil
}

func (f *fakeRepo) GetAllSlots(ctx context.Context) ([]domain.Slot, error) {
	out := make([]domain.Slot, 0, len(f.slots))
	for _, s := range f.slots {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeRepo) UpdateSlot(ctx context.Context, slot domain.Slot) error {
	f.slots[slot.ID] = slot
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := Config{NumSlots: 8, InitialBalance: dec("10"), MinBalance: dec("5"), Leverage: 8}
	m := NewManager(cfg, newFakeRepo(), zerolog.Nop())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m
}

func TestGetAvailableSlotReturnsLowestID(t *testing.T) {
	m := newTestManager(t)
	slot, ok := m.GetAvailableSlot()
	if !ok || slot.ID != 1 {
		t.Fatalf("expected slot 1 available, got %+v ok=%v", slot, ok)
	}
}

func TestAssignRejectsUnavailableSlot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Assign(ctx, 1, "BTCUSDT", "trade-1")
	if err != nil || !ok {
		t.Fatalf("expected first assign to succeed: ok=%v err=%v", ok, err)
	}

	ok, err = m.Assign(ctx, 1, "ETHUSDT", "trade-2")
	if err != nil || ok {
		t.Fatalf("expected second assign on same slot to fail: ok=%v err=%v", ok, err)
	}
}

func TestCompleteTradeFreezesBelowMinBalance(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.Assign(ctx, 1, "BTCUSDT", "trade-1")
	m.MarkInTrade(ctx, 1)

	loss := dec("-6")
	trade := domain.Trade{PnL: &loss, Fees: dec("0")}
	slot, err := m.CompleteTrade(ctx, 1, trade, time.Now().UTC().Add(30*time.Minute))
	if err != nil {
		t.Fatalf("complete trade: %v", err)
	}
	if slot.State != domain.SlotFrozen {
		t.Fatalf("expected slot frozen, got %s", slot.State)
	}
	if !slot.Balance.Equal(dec("4")) {
		t.Fatalf("expected balance 4, got %s", slot.Balance)
	}
	if slot.CooldownUntil != nil {
		t.Fatalf("expected no cooldown deadline on a frozen slot, got %v", slot.CooldownUntil)
	}
}

func TestCompleteTradeEntersCooldownAboveMinBalance(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.Assign(ctx, 1, "BTCUSDT", "trade-1")
	m.MarkInTrade(ctx, 1)

	profit := dec("2")
	trade := domain.Trade{PnL: &profit, Fees: dec("0.5")}
	until := time.Now().UTC().Add(30 * time.Minute)
	slot, err := m.CompleteTrade(ctx, 1, trade, until)
	if err != nil {
		t.Fatalf("complete trade: %v", err)
	}
	if slot.State != domain.SlotCooldown {
		t.Fatalf("expected slot in cooldown, got %s", slot.State)
	}
	if !slot.Balance.Equal(dec("11.5")) {
		t.Fatalf("expected balance 11.5, got %s", slot.Balance)
	}
	if slot.CooldownUntil == nil || !slot.CooldownUntil.Equal(until) {
		t.Fatalf("expected cooldown deadline %v persisted on the slot, got %v", until, slot.CooldownUntil)
	}
}

func TestReleaseFromCooldownOnlyAffectsCooldownSlots(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.ReleaseFromCooldown(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slot, _ := m.GetSlot(1)
	if slot.State != domain.SlotAvailable {
		t.Fatalf("expected no-op on already-available slot, got %s", slot.State)
	}
}

func TestReleaseSlotNoBalanceChange(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.Assign(ctx, 1, "BTCUSDT", "trade-1")
	before, _ := m.GetSlot(1)

	if err := m.ReleaseSlot(ctx, 1); err != nil {
		t.Fatalf("release slot: %v", err)
	}
	after, _ := m.GetSlot(1)
	if after.State != domain.SlotAvailable {
		t.Fatalf("expected slot available after release, got %s", after.State)
	}
	if !after.Balance.Equal(before.Balance) {
		t.Fatalf("expected balance unchanged by release, before=%s after=%s", before.Balance, after.Balance)
	}
}

func TestCalculatePositionSize(t *testing.T) {
	m := newTestManager(t)
	size, err := m.CalculatePositionSize(1)
	if err != nil {
		t.Fatalf("calculate position size: %v", err)
	}
	if !size.Equal(dec("80")) {
		t.Fatalf("expected size 80 (10 balance * 8 leverage), got %s", size)
	}
}

func TestGetTotalBalanceWithPositions(t *testing.T) {
	m := newTestManager(t)
	total := m.GetTotalBalanceWithPositions(dec("5"))
	if !total.Equal(dec("85")) {
		t.Fatalf("expected 8 slots * 10 + 5 unrealized = 85, got %s", total)
	}
}
