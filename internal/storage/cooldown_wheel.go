package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key prefixes for cooldown tracking.
const (
	cooldownKeyPrefix = "haflip:cooldown"
	cooldownListKey   = "haflip:cooldowns:list"
)

// CooldownInfo describes a slot waiting out its post-trade cooldown.
type CooldownInfo struct {
	SlotID    int       `json:"slot_id"`
	Symbol    string    `json:"symbol"`
	StartedAt time.Time `json:"started_at"`
	UntilAt   time.Time `json:"until_at"`
}

// ReleaseFunc is invoked when a tracked cooldown expires.
type ReleaseFunc func(slotID int)

// CooldownWheel tracks per-slot cooldown deadlines in Redis so a restart
// does not lose a slot's release time. Adapted from the teacher's
// RedisOrderTracker: same TTL-keyed-set-plus-monitor-loop shape, retargeted
// at slot cooldowns instead of pending orders.
type CooldownWheel struct {
	client        *redis.Client
	logger        zerolog.Logger
	checkInterval time.Duration

	mu          sync.RWMutex
	releaseFunc ReleaseFunc
	stopCh      chan struct{}
	wg          sync.WaitGroup
	running     bool
}

func NewCooldownWheel(client *redis.Client, logger zerolog.Logger) *CooldownWheel {
	return &CooldownWheel{
		client:        client,
		logger:        logger.With().Str("component", "CooldownWheel").Logger(),
		checkInterval: 10 * time.Second,
	}
}

func (w *CooldownWheel) SetReleaseFunc(fn ReleaseFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseFunc = fn
}

// Track records a slot's cooldown deadline, replacing any existing entry
// for the same slot.
func (w *CooldownWheel) Track(ctx context.Context, info CooldownInfo) error {
	key := fmt.Sprintf("%s:%d", cooldownKeyPrefix, info.SlotID)

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("storage: marshal cooldown info: %w", err)
	}

	ttl := ttlFor(info.UntilAt)
	if err := w.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("storage: store cooldown: %w", err)
	}
	if err := w.client.SAdd(ctx, cooldownListKey, key).Err(); err != nil {
		w.logger.Warn().Err(err).Msg("failed to add cooldown to tracking list")
	}
	return nil
}

// TrackCooldown is a convenience wrapper over Track for callers that only
// have the slot ID, symbol and deadline on hand.
func (w *CooldownWheel) TrackCooldown(ctx context.Context, slotID int, symbol string, until time.Time) error {
	return w.Track(ctx, CooldownInfo{SlotID: slotID, Symbol: symbol, StartedAt: time.Now().UTC(), UntilAt: until})
}

// Remove clears a slot's tracked cooldown, called by the monitor loop
// right after the release callback has run for that slot.
func (w *CooldownWheel) Remove(ctx context.Context, slotID int) error {
	key := fmt.Sprintf("%s:%d", cooldownKeyPrefix, slotID)
	if err := w.client.Del(ctx, key).Err(); err != nil {
		w.logger.Warn().Err(err).Int("slot", slotID).Msg("failed to remove cooldown key")
	}
	if err := w.client.SRem(ctx, cooldownListKey, key).Err(); err != nil {
		w.logger.Warn().Err(err).Int("slot", slotID).Msg("failed to remove cooldown from list")
	}
	return nil
}

// Pending returns every currently tracked cooldown.
func (w *CooldownWheel) Pending(ctx context.Context) ([]CooldownInfo, error) {
	keys, err := w.client.SMembers(ctx, cooldownListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: list cooldown keys: %w", err)
	}

	var infos []CooldownInfo
	for _, key := range keys {
		data, err := w.client.Get(ctx, key).Result()
		if err == redis.Nil {
			w.client.SRem(ctx, cooldownListKey, key)
			continue
		}
		if err != nil {
			w.logger.Warn().Err(err).Str("key", key).Msg("failed to read cooldown entry")
			continue
		}
		var info CooldownInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			w.logger.Warn().Err(err).Str("key", key).Msg("failed to unmarshal cooldown entry")
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// StartMonitor runs the background loop releasing slots whose cooldown
// has elapsed.
func (w *CooldownWheel) StartMonitor(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.monitorLoop(ctx)
}

func (w *CooldownWheel) StopMonitor() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *CooldownWheel) monitorLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkAndReleaseExpired(ctx)
		}
	}
}

// ttlFor computes the Redis TTL for a cooldown expiring at until, with a
// minute of buffer past expiry so the monitor loop still sees it once.
func ttlFor(until time.Time) time.Duration {
	ttl := time.Until(until) + time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

func (w *CooldownWheel) checkAndReleaseExpired(ctx context.Context) {
	pending, err := w.Pending(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list pending cooldowns")
		return
	}

	now := time.Now()
	w.mu.RLock()
	releaseFunc := w.releaseFunc
	w.mu.RUnlock()

	for _, info := range pending {
		if now.Before(info.UntilAt) {
			continue
		}
		if releaseFunc != nil {
			releaseFunc(info.SlotID)
		}
		w.Remove(ctx, info.SlotID)
	}
}
