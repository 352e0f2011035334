package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSStream_Decode(t *testing.T) {
	s := NewWSStream(WSConfig{Endpoint: "ws://unused"})

	single := s.decode([]byte(`{"kind":"trade","mint":"` + string(testMint) + `","seq":3,"trade":{"wallet":"w","side":"buy","amount_usd":10,"price_usd":1}}`))
	require.Len(t, single, 1)
	assert.Equal(t, KindTrade, single[0].Kind)
	assert.Equal(t, uint64(3), single[0].Seq)

	batch := s.decode([]byte(` [{"kind":"gap"},{"kind":"pool","mint":"x","pool":{}}]`))
	assert.Len(t, batch, 2)

	assert.Empty(t, s.decode([]byte(`{"jsonrpc":"2.0","result":1}`)))
	assert.Empty(t, s.decode([]byte(`not json`)))
	assert.Equal(t, int64(1), s.Stats().DecodeErrors)
}

func TestWSStream_EventsAndReconnectGap(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		// Read the subscribe frame.
		_, msg, err := conn.ReadMessage()
		if err == nil {
			assert.Equal(t, `{"op":"subscribe"}`, string(msg))
		}
		frame := `{"kind":"pool","mint":"` + string(testMint) + `","seq":1,"pool":{"liquidity_usd":25000}}`
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
		// Drop the first connection to force a reconnect.
		if n == 1 {
			conn.Close()
			return
		}
		time.Sleep(500 * time.Millisecond)
		conn.Close()
	}))
	defer server.Close()

	cfg := DefaultWSConfig()
	cfg.Endpoint = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.Subscribe = `{"op":"subscribe"}`
	cfg.ReconnectDelayMs = 10
	s := NewWSStream(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := s.Events(ctx)
	require.NoError(t, err)

	var kinds []EventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
		if len(kinds) == 3 {
			cancel()
		}
	}
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, []EventKind{KindPool, KindGap, KindPool}, kinds[:3])

	_, err = s.Events(context.Background())
	assert.Error(t, err)
}

func TestWSStream_NoEndpoint(t *testing.T) {
	_, err := NewWSStream(WSConfig{}).Events(context.Background())
	assert.Error(t, err)
}
