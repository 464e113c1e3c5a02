// Package coinselect maintains the trading universe: the top N symbols
// by 24h volume, periodically refreshed from the exchange, excluding
// configured stablecoins. State (in-trade flag) is preserved across
// refreshes for symbols that stay in the universe.
package coinselect

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/transport"
)

// Config controls universe size and refresh cadence.
type Config struct {
	NumCoins             int
	ExcludedStablecoins  map[string]struct{}
	RefreshInterval      time.Duration
}

// Selector tracks the current trading universe and refreshes it
// periodically from the exchange.
type Selector struct {
	client transport.RestClient
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	coins    map[string]domain.CoinInfo
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewSelector(client transport.RestClient, cfg Config, logger zerolog.Logger) *Selector {
	return &Selector{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "CoinSelector").Logger(),
		coins:  make(map[string]domain.CoinInfo),
	}
}

// Start begins the periodic refresh loop, running an immediate refresh
// first.
func (s *Selector) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.runRefreshLoop(ctx)
}

func (s *Selector) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
	}
	s.wg.Wait()
}

func (s *Selector) runRefreshLoop(ctx context.Context) {
	defer s.wg.Done()

	if _, _, err := s.Refresh(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial coin universe refresh failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, _, err := s.Refresh(ctx); err != nil {
				s.logger.Error().Err(err).Msg("coin universe refresh failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh pulls the current top-N-by-volume symbols from the exchange,
// excluding configured stablecoins, and returns the added/removed
// symbol diff so callers can update stream subscriptions and HA/ATR
// engine state. In-trade flags carry over for symbols that remain in
// the universe.
func (s *Selector) Refresh(ctx context.Context) (added, removed []string, err error) {
	candidates, err := s.client.GetTopSymbolsByVolume(ctx, s.cfg.NumCoins*2)
	if err != nil {
		return nil, nil, err
	}

	filtered := make([]domain.CoinInfo, 0, len(candidates))
	for _, c := range candidates {
		if _, excluded := s.cfg.ExcludedStablecoins[c.BaseAsset]; excluded {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Volume24h.GreaterThan(filtered[j].Volume24h)
	})
	if len(filtered) > s.cfg.NumCoins {
		filtered = filtered[:s.cfg.NumCoins]
	}

	s.mu.Lock()
	oldSymbols := make(map[string]struct{}, len(s.coins))
	for sym := range s.coins {
		oldSymbols[sym] = struct{}{}
	}

	newCoins := make(map[string]domain.CoinInfo, len(filtered))
	for _, c := range filtered {
		if old, ok := s.coins[c.Symbol]; ok {
			c.InActiveTrade = old.InActiveTrade
		}
		newCoins[c.Symbol] = c
	}
	s.coins = newCoins
	s.mu.Unlock()

	for sym := range newCoins {
		if _, ok := oldSymbols[sym]; !ok {
			added = append(added, sym)
		}
	}
	for sym := range oldSymbols {
		if _, ok := newCoins[sym]; !ok {
			removed = append(removed, sym)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		s.logger.Info().Strs("added", added).Strs("removed", removed).Int("total", len(newCoins)).Msg("coin universe refreshed")
	}
	return added, removed, nil
}

func (s *Selector) GetCoin(symbol string) (domain.CoinInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coins[symbol]
	return c, ok
}

func (s *Selector) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.coins))
	for sym := range s.coins {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Selector) SetInTrade(symbol string, inTrade bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.coins[symbol]; ok {
		c.InActiveTrade = inTrade
		s.coins[symbol] = c
	}
}

func (s *Selector) IsInTrade(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coins[symbol]
	return ok && c.InActiveTrade
}
