package market

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"
)

// ---------------------------------------------------------------------------
// WebSocket Stream: token/pool/holder feed with reconnect and gap signalling
// ---------------------------------------------------------------------------

// WSConfig configures the websocket market-data stream.
type WSConfig struct {
	Endpoint         string            `yaml:"endpoint"`
	Headers          map[string]string `yaml:"headers"`
	Subscribe        string            `yaml:"subscribe"` // raw JSON sent after every connect
	ReconnectDelayMs int               `yaml:"reconnect_delay_ms"`
	PingIntervalS    int               `yaml:"ping_interval_s"`
	ReadTimeoutS     int               `yaml:"read_timeout_s"`
	BufferSize       int               `yaml:"buffer_size"`
}

// DefaultWSConfig returns defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectDelayMs: 1000,
		PingIntervalS:    30,
		ReadTimeoutS:     60,
		BufferSize:       1024,
	}
}

// WSStream reads JSON-encoded Events (one per frame, or an array of them)
// from a websocket feed.
type WSStream struct {
	config WSConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	started atomic.Bool

	messagesRecv atomic.Int64
	decodeErrors atomic.Int64
	dropped      atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewWSStream creates a websocket stream.
func NewWSStream(config WSConfig) *WSStream {
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if config.ReconnectDelayMs <= 0 {
		config.ReconnectDelayMs = 1000
	}
	return &WSStream{config: config}
}

// Events connects in the background and returns the event channel.
func (s *WSStream) Events(ctx context.Context) (<-chan Event, error) {
	if s.config.Endpoint == "" {
		return nil, fmt.Errorf("ws: no endpoint configured")
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("ws: stream already started")
	}
	out := make(chan Event, s.config.BufferSize)
	go s.runLoop(ctx, out)
	return out, nil
}

func (s *WSStream) runLoop(ctx context.Context, out chan<- Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: runLoop panic recovered")
		}
		s.disconnect()
		close(out)
	}()

	baseDelay := time.Duration(s.config.ReconnectDelayMs) * time.Millisecond
	delay := baseDelay
	const maxDelay = 30 * time.Second
	everConnected := false

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.connect(ctx); err != nil {
			s.reconnects.Add(1)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("ws: connection failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}
		delay = baseDelay

		// Anything published while we were away is lost.
		if everConnected {
			s.emit(ctx, out, gapEvent("reconnect"))
		}
		everConnected = true

		s.readLoop(ctx, out)
		s.disconnect()
	}
}

func (s *WSStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	for k, v := range s.config.Headers {
		header.Set(k, v)
	}

	conn, _, err := dialer.DialContext(ctx, s.config.Endpoint, header)
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}
	if s.config.Subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(s.config.Subscribe)); err != nil {
			conn.Close()
			return fmt.Errorf("ws: write subscribe: %w", err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)

	log.Info().Str("endpoint", s.config.Endpoint).Msg("ws: connected")
	return nil
}

func (s *WSStream) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
}

func (s *WSStream) readLoop(ctx context.Context, out chan<- Event) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	readTimeout := time.Duration(s.config.ReadTimeoutS) * time.Second
	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}
	pingInterval := time.Duration(s.config.PingIntervalS) * time.Second
	if pingInterval == 0 {
		pingInterval = 30 * time.Second
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblocks ReadMessage below.
				s.disconnect()
				return
			case <-ticker.C:
				s.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.mu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("ws: ping failed")
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("ws: connection closed normally")
			} else {
				log.Warn().Err(err).Msg("ws: read error, reconnecting")
			}
			s.connected.Store(false)
			return
		}
		s.messagesRecv.Add(1)
		for _, ev := range s.decode(message) {
			s.emit(ctx, out, ev)
		}
	}
}

// decode accepts a single event object or an array of events.
func (s *WSStream) decode(data []byte) []Event {
	for _, b := range data {
		if b == ' ' || b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		if b == '[' {
			var batch []Event
			if err := sonnet.Unmarshal(data, &batch); err != nil {
				s.decodeErrors.Add(1)
				log.Debug().Err(err).Msg("ws: undecodable batch")
				return nil
			}
			return batch
		}
		break
	}

	var ev Event
	if err := sonnet.Unmarshal(data, &ev); err != nil {
		s.decodeErrors.Add(1)
		log.Debug().Err(err).Msg("ws: undecodable frame")
		return nil
	}
	if ev.Kind == "" {
		// Subscription acks and keepalives.
		return nil
	}
	return []Event{ev}
}

// emit never blocks the read loop for long; a full buffer drops the event
// and marks the mint stale instead.
func (s *WSStream) emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
		return
	default:
	}
	s.dropped.Add(1)
	log.Warn().Str("mint", ev.Mint.Short()).Msg("ws: event buffer full, dropping event")
	select {
	case out <- Event{Kind: KindGap, Mint: ev.Mint, Timestamp: time.Now(), Gap: &GapNotice{Reason: "dropped"}}:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
}

// WSStats returns stream statistics.
type WSStats struct {
	Connected    bool  `json:"connected"`
	MessagesRecv int64 `json:"messages_recv"`
	DecodeErrors int64 `json:"decode_errors"`
	Dropped      int64 `json:"dropped"`
	Reconnects   int64 `json:"reconnects"`
}

func (s *WSStream) Stats() WSStats {
	return WSStats{
		Connected:    s.connected.Load(),
		MessagesRecv: s.messagesRecv.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Dropped:      s.dropped.Load(),
		Reconnects:   s.reconnects.Load(),
	}
}
