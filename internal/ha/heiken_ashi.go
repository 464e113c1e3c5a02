// Package ha computes Heiken Ashi candles incrementally per symbol and
// detects bullish/bearish flips between consecutive confirmed candles.
package ha

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
)

const maxSeriesLen = 50

var (
	two  = decimal.NewFromInt(2)
	four = decimal.NewFromInt(4)
)

// Engine maintains per-symbol HA state for incremental updates.
type Engine struct {
	mu     sync.Mutex
	series map[string][]domain.HACandle
	prev   map[string]*domain.HACandle
}

func NewEngine() *Engine {
	return &Engine{
		series: make(map[string][]domain.HACandle),
		prev:   make(map[string]*domain.HACandle),
	}
}

// BuildFromHistory seeds a symbol's HA series from sorted oldest-first
// candles. Called once at startup per tracked symbol.
func (e *Engine) BuildFromHistory(symbol string, candles []domain.Candle) []domain.HACandle {
	if len(candles) == 0 {
		return nil
	}

	series := make([]domain.HACandle, 0, len(candles))
	var prev *domain.HACandle
	for _, c := range candles {
		h := calcSingle(c, prev)
		series = append(series, h)
		prev = &series[len(series)-1]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.series[symbol] = series
	last := series[len(series)-1]
	e.prev[symbol] = &last
	return series
}

// Update processes a new confirmed candle and returns the derived HA
// candle plus a Signal if a flip occurred relative to the prior HA
// candle. Mutates the engine's per-symbol state.
func (e *Engine) Update(symbol string, candle domain.Candle) (domain.HACandle, *domain.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prevHA := e.prev[symbol]
	newHA := calcSingle(candle, prevHA)

	e.series[symbol] = append(e.series[symbol], newHA)
	if len(e.series[symbol]) > maxSeriesLen {
		e.series[symbol] = e.series[symbol][len(e.series[symbol])-maxSeriesLen:]
	}

	var signal *domain.Signal
	if prevHA != nil {
		signal = detectFlip(symbol, *prevHA, newHA)
	}

	stored := newHA
	e.prev[symbol] = &stored
	return newHA, signal
}

// CalcLive computes the HA candle for an in-progress (unconfirmed)
// candle without mutating stored state, chaining off the last confirmed
// HA candle. Used to evaluate a flip intrabar before the 4h candle
// closes.
func (e *Engine) CalcLive(symbol string, live domain.Candle) (domain.HACandle, *domain.Signal) {
	e.mu.Lock()
	prevHA := e.prev[symbol]
	e.mu.Unlock()

	liveHA := calcSingle(live, prevHA)
	var signal *domain.Signal
	if prevHA != nil {
		signal = detectFlip(symbol, *prevHA, liveHA)
	}
	return liveHA, signal
}

// GetLatest returns the most recent confirmed HA candle for a symbol.
func (e *Engine) GetLatest(symbol string) *domain.HACandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prev[symbol]
}

// GetPrevious returns the second-to-last confirmed HA candle.
func (e *Engine) GetPrevious(symbol string) *domain.HACandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	series := e.series[symbol]
	if len(series) >= 2 {
		c := series[len(series)-2]
		return &c
	}
	return nil
}

// RemoveSymbol drops all tracked state for a symbol, e.g. when it falls
// out of the trading universe.
func (e *Engine) RemoveSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.series, symbol)
	delete(e.prev, symbol)
}

func calcSingle(c domain.Candle, prevHA *domain.HACandle) domain.HACandle {
	haClose := c.Open.Add(c.High).Add(c.Low).Add(c.Close).Div(four)

	var haOpen decimal.Decimal
	if prevHA == nil {
		haOpen = c.Open.Add(c.Close).Div(two)
	} else {
		haOpen = prevHA.HAOpen.Add(prevHA.HAClose).Div(two)
	}

	haHigh := decimal.Max(c.High, haOpen, haClose)
	haLow := decimal.Min(c.Low, haOpen, haClose)

	return domain.HACandle{
		TimestampMs: c.TimestampMs,
		HAOpen:      haOpen,
		HAClose:     haClose,
		HAHigh:      haHigh,
		HALow:       haLow,
	}
}

// detectFlip implements: bearish→bullish yields LONG, bullish→bearish
// yields SHORT. A doji on either side (neither bullish nor bearish)
// never triggers a flip.
func detectFlip(symbol string, prevHA, currHA domain.HACandle) *domain.Signal {
	switch {
	case prevHA.IsBearish() && currHA.IsBullish():
		return &domain.Signal{Symbol: symbol, Side: domain.Long, DetectedAt: time.Now().UTC(), HACandle: currHA}
	case prevHA.IsBullish() && currHA.IsBearish():
		return &domain.Signal{Symbol: symbol, Side: domain.Short, DetectedAt: time.Now().UTC(), HACandle: currHA}
	default:
		return nil
	}
}
