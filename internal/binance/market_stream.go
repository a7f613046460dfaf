package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// MarketSink receives validated market data ticks
type MarketSink interface {
	UpdateKline(k Kline)
	UpdateMark(symbol string, price float64, ts int64)
}

// MarketStream subscribes to combined kline + markPrice websocket streams.
// Out-of-order or duplicate ticks are dropped: a tick is accepted only when
// its timestamp is strictly greater than the last accepted one for its key.
type MarketStream struct {
	wsBaseURL string
	symbols   []string
	intervals []string
	sink      MarketSink
	logger    zerolog.Logger

	mu        sync.Mutex
	lastKline map[string]int64 // symbol:interval -> openTime
	lastMark  map[string]int64 // symbol -> event time

	done chan struct{}
}

// NewMarketStream creates a market data stream for the given universe
func NewMarketStream(wsBaseURL string, symbols, intervals []string, sink MarketSink, logger zerolog.Logger) *MarketStream {
	return &MarketStream{
		wsBaseURL: wsBaseURL,
		symbols:   symbols,
		intervals: intervals,
		sink:      sink,
		logger:    logger.With().Str("component", "MarketStream").Logger(),
		lastKline: make(map[string]int64),
		lastMark:  make(map[string]int64),
		done:      make(chan struct{}),
	}
}

func (s *MarketStream) streamURL() string {
	parts := make([]string, 0, len(s.symbols)*(len(s.intervals)+1))
	for _, sym := range s.symbols {
		lower := strings.ToLower(sym)
		for _, itv := range s.intervals {
			parts = append(parts, fmt.Sprintf("%s@kline_%s", lower, itv))
		}
		parts = append(parts, lower+"@markPrice@1s")
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.wsBaseURL, strings.Join(parts, "/"))
}

// Run connects and consumes messages until ctx is canceled, reconnecting
// with capped exponential backoff on any failure.
func (s *MarketStream) Run(ctx context.Context) {
	defer close(s.done)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(maxBackoff, backoff*2)
			continue
		}
		backoff = time.Second
	}
}

// Done is closed once Run has returned
func (s *MarketStream) Done() <-chan struct{} { return s.done }

func (s *MarketStream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	s.logger.Info().Int("symbols", len(s.symbols)).Msg("market stream connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(msg)
	}
}

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsKlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

type wsMarkEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
}

func (s *MarketStream) handleMessage(msg []byte) {
	var env combinedEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = msg
	}

	switch {
	case strings.Contains(env.Stream, "@kline") || strings.Contains(string(payload), `"e":"kline"`):
		var ev wsKlineEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.K.Symbol == "" {
			return
		}
		s.onKline(ev)
	case strings.Contains(env.Stream, "@markPrice") || strings.Contains(string(payload), `"e":"markPriceUpdate"`):
		var ev wsMarkEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Symbol == "" {
			return
		}
		s.onMark(ev)
	}
}

func (s *MarketStream) onKline(ev wsKlineEvent) {
	k := Kline{
		Symbol:    strings.ToUpper(ev.K.Symbol),
		Interval:  ev.K.Interval,
		OpenTime:  ev.K.OpenTime,
		CloseTime: ev.K.CloseTime,
		Open:      parseFloatStr(ev.K.Open),
		High:      parseFloatStr(ev.K.High),
		Low:       parseFloatStr(ev.K.Low),
		Close:     parseFloatStr(ev.K.Close),
		Volume:    parseFloatStr(ev.K.Volume),
		IsClosed:  ev.K.IsClosed,
	}

	if k.IsClosed {
		key := k.Symbol + ":" + k.Interval
		s.mu.Lock()
		last := s.lastKline[key]
		if k.OpenTime <= last {
			s.mu.Unlock()
			return
		}
		s.lastKline[key] = k.OpenTime
		s.mu.Unlock()
	}
	s.sink.UpdateKline(k)
}

func (s *MarketStream) onMark(ev wsMarkEvent) {
	sym := strings.ToUpper(ev.Symbol)
	s.mu.Lock()
	if ev.EventTime <= s.lastMark[sym] {
		s.mu.Unlock()
		return
	}
	s.lastMark[sym] = ev.EventTime
	s.mu.Unlock()
	s.sink.UpdateMark(sym, parseFloatStr(ev.Price), ev.EventTime)
}
