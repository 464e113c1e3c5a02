package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/transport"
)

// StreamConfig controls the public/private WS endpoints and the topic
// subscription list.
type StreamConfig struct {
	WSURL   string
	Symbols []string
}

// Stream implements transport.Stream against a Bybit V5-shaped public
// WebSocket: kline/ticker topics per symbol, reconnecting with a fixed
// backoff. Reconnect shape is adapted from the teacher's
// internal/binance/user_data_stream.go connect/readLoop pair.
type Stream struct {
	cfg    StreamConfig
	logger zerolog.Logger
}

func NewStream(cfg StreamConfig, logger zerolog.Logger) *Stream {
	return &Stream{cfg: cfg, logger: logger.With().Str("component", "ExchangeStream").Logger()}
}

var _ transport.Stream = (*Stream)(nil)

// Run dials the exchange WS endpoint, subscribes to every configured
// symbol's kline/ticker/position/execution topics, and decodes incoming
// frames into transport.Event. It reconnects on any read error until ctx
// is cancelled.
func (s *Stream) Run(ctx context.Context) (<-chan transport.Event, <-chan error) {
	events := make(chan transport.Event, 256)
	errs := make(chan error, 8)

	go s.connectLoop(ctx, events, errs)

	return events, errs
}

func (s *Stream) connectLoop(ctx context.Context, events chan<- transport.Event, errs chan<- error) {
	defer close(events)
	defer close(errs)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("exchange stream dial failed, retrying in 5s")
			select {
			case errs <- fmt.Errorf("exchange: dial: %w", err):
			default:
			}
			if !sleepOrDone(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if err := s.subscribe(conn); err != nil {
			s.logger.Warn().Err(err).Msg("exchange stream subscribe failed")
			conn.Close()
			if !sleepOrDone(ctx, 5*time.Second) {
				return
			}
			continue
		}

		s.logger.Info().Str("url", s.cfg.WSURL).Msg("exchange stream connected")
		s.readLoop(ctx, conn, events, errs)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
		s.logger.Warn().Msg("exchange stream disconnected, reconnecting in 3s")
		if !sleepOrDone(ctx, 3*time.Second) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Stream) subscribe(conn *websocket.Conn) error {
	topics := make([]string, 0, len(s.cfg.Symbols)*4)
	for _, symbol := range s.cfg.Symbols {
		topics = append(topics,
			"kline.240."+symbol,
			"kline.15."+symbol,
			"kline.5."+symbol,
			"tickers."+symbol,
		)
	}
	topics = append(topics, "position", "execution")

	msg := map[string]interface{}{"op": "subscribe", "args": topics}
	return conn.WriteJSON(msg)
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- transport.Event, errs chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case errs <- fmt.Errorf("exchange: read: %w", err):
			default:
			}
			return
		}

		event, ok, err := decodeFrame(message)
		if err != nil {
			s.logger.Warn().Err(err).Msg("exchange stream: dropping undecodable frame")
			continue
		}
		if !ok {
			continue
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// frame is the generic topic + data envelope every push message shares.
type frame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func decodeFrame(message []byte) (transport.Event, bool, error) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		return transport.Event{}, false, fmt.Errorf("decode frame envelope: %w", err)
	}
	if f.Topic == "" {
		return transport.Event{}, false, nil
	}

	switch {
	case strings.HasPrefix(f.Topic, "kline.240."):
		return decodeKlineEvent(f, transport.EventKindKline240, strings.TrimPrefix(f.Topic, "kline.240."))
	case strings.HasPrefix(f.Topic, "kline.15."):
		return decodeKlineEvent(f, transport.EventKindKline15, strings.TrimPrefix(f.Topic, "kline.15."))
	case strings.HasPrefix(f.Topic, "kline.5."):
		return decodeKlineEvent(f, transport.EventKindKline5, strings.TrimPrefix(f.Topic, "kline.5."))
	case strings.HasPrefix(f.Topic, "tickers."):
		return decodeTickerEvent(f, strings.TrimPrefix(f.Topic, "tickers."))
	case f.Topic == "position":
		return decodePositionEvent(f)
	case f.Topic == "execution":
		return decodeExecutionEvent(f)
	default:
		return transport.Event{}, false, nil
	}
}

func decodeKlineEvent(f frame, kind transport.EventKind, symbol string) (transport.Event, bool, error) {
	var rows []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	}
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return transport.Event{}, false, fmt.Errorf("decode kline data: %w", err)
	}
	if len(rows) == 0 {
		return transport.Event{}, false, nil
	}
	r := rows[0]

	open, _ := decimal.NewFromString(r.Open)
	high, _ := decimal.NewFromString(r.High)
	low, _ := decimal.NewFromString(r.Low)
	closePrice, _ := decimal.NewFromString(r.Close)
	volume, _ := decimal.NewFromString(r.Volume)

	return transport.Event{
		Kind: kind,
		Kline: &transport.KlineEvent{
			Symbol: symbol,
			Candle: domain.Candle{
				TimestampMs: r.Start,
				Open:        open,
				High:        high,
				Low:         low,
				Close:       closePrice,
				Volume:      volume,
				Confirmed:   r.Confirm,
			},
		},
	}, true, nil
}

func decodeTickerEvent(f frame, symbol string) (transport.Event, bool, error) {
	var d struct {
		MarkPrice string `json:"markPrice"`
		LastPrice string `json:"lastPrice"`
	}
	if err := json.Unmarshal(f.Data, &d); err != nil {
		return transport.Event{}, false, fmt.Errorf("decode ticker data: %w", err)
	}

	priceStr := d.MarkPrice
	if priceStr == "" {
		priceStr = d.LastPrice
	}
	if priceStr == "" {
		return transport.Event{}, false, nil
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return transport.Event{}, false, fmt.Errorf("parse ticker price: %w", err)
	}

	return transport.Event{
		Kind:   transport.EventKindTicker,
		Ticker: &transport.TickerEvent{Symbol: symbol, Price: price},
	}, true, nil
}

func decodePositionEvent(f frame) (transport.Event, bool, error) {
	var rows []struct {
		Symbol         string `json:"symbol"`
		Size           string `json:"size"`
		CumRealisedPnl string `json:"cumRealisedPnl"`
	}
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return transport.Event{}, false, fmt.Errorf("decode position data: %w", err)
	}
	if len(rows) == 0 {
		return transport.Event{}, false, nil
	}
	r := rows[0]
	size, err := decimal.NewFromString(r.Size)
	if err != nil {
		return transport.Event{}, false, fmt.Errorf("parse position size: %w", err)
	}

	pnl := decimal.Zero
	if r.CumRealisedPnl != "" {
		pnl, err = decimal.NewFromString(r.CumRealisedPnl)
		if err != nil {
			return transport.Event{}, false, fmt.Errorf("parse position cumRealisedPnl: %w", err)
		}
	}

	return transport.Event{
		Kind:           transport.EventKindPositionUpdate,
		PositionUpdate: &transport.PositionUpdateEvent{Symbol: r.Symbol, Size: size, PnL: pnl},
	}, true, nil
}

func decodeExecutionEvent(f frame) (transport.Event, bool, error) {
	var rows []struct {
		Symbol  string `json:"symbol"`
		OrderID string `json:"orderId"`
		ExecFee string `json:"execFee"`
	}
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return transport.Event{}, false, fmt.Errorf("decode execution data: %w", err)
	}
	if len(rows) == 0 {
		return transport.Event{}, false, nil
	}
	r := rows[0]
	fee, err := decimal.NewFromString(r.ExecFee)
	if err != nil {
		return transport.Event{}, false, fmt.Errorf("parse execution fee: %w", err)
	}

	return transport.Event{
		Kind: transport.EventKindExecution,
		Execution: &transport.ExecutionEvent{
			Symbol:  r.Symbol,
			OrderID: r.OrderID,
			Fee:     fee,
		},
	}, true, nil
}
