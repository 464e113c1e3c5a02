// Package atr computes a rolling Average True Range over 15-minute
// candles per symbol and derives the ATR-spaced take-profit ladder used
// to arm a trade's risk management.
package atr

import (
	"sync"

	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
)

const defaultPeriod = 14

// Engine maintains a rolling candle buffer and the latest ATR value per
// symbol.
type Engine struct {
	mu     sync.Mutex
	period int
	buffer map[string][]domain.Candle
	values map[string]decimal.Decimal
}

func NewEngine(period int) *Engine {
	if period <= 0 {
		period = defaultPeriod
	}
	return &Engine{
		period: period,
		buffer: make(map[string][]domain.Candle),
		values: make(map[string]decimal.Decimal),
	}
}

// Initialize seeds the buffer with historical 15m candles, oldest first,
// keeping period+10 of them, and computes the initial ATR if enough
// history is present.
func (e *Engine) Initialize(symbol string, candles []domain.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keep := e.period + 10
	if len(candles) > keep {
		candles = candles[len(candles)-keep:]
	}
	e.buffer[symbol] = append([]domain.Candle(nil), candles...)
	e.recalculate(symbol)
}

// Update appends a newly confirmed 15m candle and recomputes ATR.
func (e *Engine) Update(symbol string, candle domain.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffer[symbol] = append(e.buffer[symbol], candle)
	maxBuffer := e.period + 20
	if len(e.buffer[symbol]) > maxBuffer {
		e.buffer[symbol] = e.buffer[symbol][len(e.buffer[symbol])-maxBuffer:]
	}
	e.recalculate(symbol)
}

// GetATR returns the current ATR value for a symbol, or false if not
// enough history has accumulated yet.
func (e *Engine) GetATR(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[symbol]
	return v, ok
}

// CalculateTPLevels builds the ATR-spaced TP ladder: TP_n = entry + n*ATR
// for LONG, entry - n*ATR for SHORT. Returns an empty slice if ATR is
// not yet available or is zero — callers must fall back per their own
// policy (the risk manager falls back to a fixed percent of entry).
func (e *Engine) CalculateTPLevels(symbol string, entryPrice decimal.Decimal, side domain.Side, numLevels int) []decimal.Decimal {
	atrVal, ok := e.GetATR(symbol)
	if !ok || atrVal.IsZero() {
		return nil
	}

	levels := make([]decimal.Decimal, 0, numLevels)
	for n := 1; n <= numLevels; n++ {
		mult := decimal.NewFromInt(int64(n)).Mul(atrVal)
		var tp decimal.Decimal
		if side == domain.Long {
			tp = entryPrice.Add(mult)
		} else {
			tp = entryPrice.Sub(mult)
		}
		levels = append(levels, tp)
	}
	return levels
}

// RemoveSymbol drops all tracked buffer/ATR state for a symbol.
func (e *Engine) RemoveSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.buffer, symbol)
	delete(e.values, symbol)
}

// recalculate computes ATR as an SMA of True Range over the trailing
// period candles. Caller must hold e.mu.
func (e *Engine) recalculate(symbol string) {
	candles := e.buffer[symbol]
	if len(candles) < e.period+1 {
		return
	}

	trueRanges := make([]decimal.Decimal, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		curr := candles[i]
		prevClose := candles[i-1].Close

		hl := curr.High.Sub(curr.Low)
		hc := curr.High.Sub(prevClose).Abs()
		lc := curr.Low.Sub(prevClose).Abs()

		tr := decimal.Max(hl, hc, lc)
		trueRanges = append(trueRanges, tr)
	}

	if len(trueRanges) < e.period {
		return
	}

	recent := trueRanges[len(trueRanges)-e.period:]
	sum := decimal.Zero
	for _, tr := range recent {
		sum = sum.Add(tr)
	}
	e.values[symbol] = sum.Div(decimal.NewFromInt(int64(e.period)))
}
