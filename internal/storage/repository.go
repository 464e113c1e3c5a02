package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
)

// Repository implements slotmanager.Repository, riskmanager.Repository and
// killswitch.StateStore against the Postgres schema created by
// RunMigrations. Decimal columns round-trip as text so no precision is
// lost to float conversion.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// InitializeSlots inserts NumSlots rows seeded at initialBalance if the
// slots table is empty. Existing rows (a restart) are left untouched.
func (r *Repository) InitializeSlots(ctx context.Context, numSlots int, initialBalance decimal.Decimal) error {
	var count int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM slots`).Scan(&count); err != nil {
		return fmt.Errorf("storage: count slots: %w", err)
	}
	if count > 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for id := 1; id <= numSlots; id++ {
		batch.Queue(
			`INSERT INTO slots (id, balance, state, total_pnl, updated_at) VALUES ($1, $2, $3, 0, $4)`,
			id, initialBalance.String(), domain.SlotAvailable, time.Now().UTC(),
		)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < numSlots; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: insert slot %d: %w", i+1, err)
		}
	}
	return nil
}

func (r *Repository) GetAllSlots(ctx context.Context) ([]domain.Slot, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, balance, state, current_symbol, current_trade_id, total_trades, total_pnl, cooldown_until, updated_at
		FROM slots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query slots: %w", err)
	}
	defer rows.Close()

	var slots []domain.Slot
	for rows.Next() {
		var s domain.Slot
		var balanceStr, pnlStr string
		if err := rows.Scan(&s.ID, &balanceStr, &s.State, &s.CurrentSymbol, &s.CurrentTradeID, &s.TotalTrades, &pnlStr, &s.CooldownUntil, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan slot: %w", err)
		}
		s.Balance, err = decimal.NewFromString(balanceStr)
		if err != nil {
			return nil, fmt.Errorf("storage: parse slot %d balance: %w", s.ID, err)
		}
		s.TotalPnL, err = decimal.NewFromString(pnlStr)
		if err != nil {
			return nil, fmt.Errorf("storage: parse slot %d total_pnl: %w", s.ID, err)
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

func (r *Repository) UpdateSlot(ctx context.Context, slot domain.Slot) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE slots SET balance = $2, state = $3, current_symbol = $4, current_trade_id = $5,
			total_trades = $6, total_pnl = $7, cooldown_until = $8, updated_at = $9
		WHERE id = $1`,
		slot.ID, slot.Balance.String(), slot.State, slot.CurrentSymbol, slot.CurrentTradeID,
		slot.TotalTrades, slot.TotalPnL.String(), slot.CooldownUntil, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: update slot %d: %w", slot.ID, err)
	}
	return nil
}

// CreateTrade inserts a new trade row, typically at PENDING status right
// after a slot is assigned.
func (r *Repository) CreateTrade(ctx context.Context, trade domain.Trade) error {
	tpLevels, err := json.Marshal(trade.TPLevels)
	if err != nil {
		return fmt.Errorf("storage: marshal tp levels: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO trades (
			id, slot_id, symbol, side, entry_price, qty, entry_order_id,
			initial_sl_price, current_sl_price, tp_levels, highest_tp_reached,
			atr_value, status, pnl, fees, entry_time, exit_time, exit_reason,
			fill_attempts, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		trade.ID, trade.SlotID, trade.Symbol, trade.Side,
		decimalStrPtr(trade.EntryPrice), decimalStrPtr(trade.Qty), trade.EntryOrderID,
		decimalStrPtr(trade.InitialSLPrice), decimalStrPtr(trade.CurrentSLPrice), tpLevels, trade.HighestTPReached,
		decimalStrPtr(trade.ATRValue), trade.Status, decimalStrPtr(trade.PnL), trade.Fees.String(),
		trade.EntryTime, trade.ExitTime, trade.ExitReason, trade.FillAttempts, trade.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create trade %s: %w", trade.ID, err)
	}
	return nil
}

// UpdateTrade persists the full current state of a trade, called by
// riskmanager whenever SL trails or a trade closes.
func (r *Repository) UpdateTrade(ctx context.Context, trade domain.Trade) error {
	tpLevels, err := json.Marshal(trade.TPLevels)
	if err != nil {
		return fmt.Errorf("storage: marshal tp levels: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		UPDATE trades SET
			entry_price = $2, qty = $3, entry_order_id = $4, initial_sl_price = $5,
			current_sl_price = $6, tp_levels = $7, highest_tp_reached = $8, atr_value = $9,
			status = $10, pnl = $11, fees = $12, entry_time = $13, exit_time = $14,
			exit_reason = $15, fill_attempts = $16
		WHERE id = $1`,
		trade.ID, decimalStrPtr(trade.EntryPrice), decimalStrPtr(trade.Qty), trade.EntryOrderID,
		decimalStrPtr(trade.InitialSLPrice), decimalStrPtr(trade.CurrentSLPrice), tpLevels, trade.HighestTPReached,
		decimalStrPtr(trade.ATRValue), trade.Status, decimalStrPtr(trade.PnL), trade.Fees.String(),
		trade.EntryTime, trade.ExitTime, trade.ExitReason, trade.FillAttempts,
	)
	if err != nil {
		return fmt.Errorf("storage: update trade %s: %w", trade.ID, err)
	}
	return nil
}

// GetOpenTrades returns every trade not yet CLOSED or CANCELLED, used to
// seed riskmanager.LoadActiveTrades at startup.
func (r *Repository) GetOpenTrades(ctx context.Context) ([]domain.Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, slot_id, symbol, side, entry_price, qty, COALESCE(entry_order_id, ''),
			initial_sl_price, current_sl_price, tp_levels, highest_tp_reached,
			atr_value, status, pnl, fees, entry_time, exit_time, exit_reason,
			fill_attempts, created_at
		FROM trades WHERE status NOT IN ('CLOSED', 'CANCELLED') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: query open trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func scanTrade(rows pgx.Rows) (domain.Trade, error) {
	var t domain.Trade
	var entryPrice, qty, initialSL, currentSL, atrValue, pnl *string
	var feesStr string
	var tpLevels []byte

	err := rows.Scan(
		&t.ID, &t.SlotID, &t.Symbol, &t.Side, &entryPrice, &qty, &t.EntryOrderID,
		&initialSL, &currentSL, &tpLevels, &t.HighestTPReached,
		&atrValue, &t.Status, &pnl, &feesStr, &t.EntryTime, &t.ExitTime, &t.ExitReason,
		&t.FillAttempts, &t.CreatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("storage: scan trade: %w", err)
	}

	if t.EntryPrice, err = strPtrToDecimal(entryPrice); err != nil {
		return t, err
	}
	if t.Qty, err = strPtrToDecimal(qty); err != nil {
		return t, err
	}
	if t.InitialSLPrice, err = strPtrToDecimal(initialSL); err != nil {
		return t, err
	}
	if t.CurrentSLPrice, err = strPtrToDecimal(currentSL); err != nil {
		return t, err
	}
	if t.ATRValue, err = strPtrToDecimal(atrValue); err != nil {
		return t, err
	}
	if t.PnL, err = strPtrToDecimal(pnl); err != nil {
		return t, err
	}
	t.Fees, err = decimal.NewFromString(feesStr)
	if err != nil {
		return t, fmt.Errorf("storage: parse fees: %w", err)
	}
	if len(tpLevels) > 0 {
		if err := json.Unmarshal(tpLevels, &t.TPLevels); err != nil {
			return t, fmt.Errorf("storage: unmarshal tp levels: %w", err)
		}
	}
	return t, nil
}

// SetState persists a bot-level key/value, used by the kill switch to
// record its tripped flag across restarts.
func (r *Repository) SetState(ctx context.Context, key, value string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO bot_state (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: set state %s: %w", key, err)
	}
	return nil
}

func (r *Repository) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM bot_state WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get state %s: %w", key, err)
	}
	return value, true, nil
}

func decimalStrPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func strPtrToDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("storage: parse decimal %q: %w", *s, err)
	}
	return &d, nil
}
