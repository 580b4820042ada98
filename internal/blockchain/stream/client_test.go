package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paygate/internal/monitor"
)

// newNodeServer accepts one subscription, records it, then writes frames and
// closes the connection
func newNodeServer(t *testing.T, frames []string, subscribed chan<- message) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub message
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, ch <-chan monitor.PushNotification) []monitor.PushNotification {
	t.Helper()
	var out []monitor.PushNotification
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, n)
		case <-timeout:
			t.Fatal("stream channel was not closed")
		}
	}
}

func TestSubscribeDeliversNotifications(t *testing.T) {
	subscribed := make(chan message, 1)
	srv := newNodeServer(t, []string{
		`{"type":"tx","hash":"0xabc","currency":"eth","confirmations":3}`,
		`{"type":"heartbeat"}`,
		`{"type":"block","currency":"btc","height":800001}`,
		`{"type":"tx","hash":"0xdef","currency":"ETH","failed":true}`,
	}, subscribed)

	client := NewClient(Config{Endpoint: wsURL(srv), Currencies: []string{"ETH", "BTC"}}, zap.NewNop())
	ch, err := client.Subscribe(context.Background())
	require.NoError(t, err)

	got := collect(t, ch)

	sub := <-subscribed
	assert.Equal(t, "subscribe", sub.Type)
	assert.Equal(t, []string{"ETH", "BTC"}, sub.Currencies)

	require.Len(t, got, 3, "unknown message types are skipped")
	assert.Equal(t, monitor.PushNotification{Kind: monitor.PushTransaction, Hash: "0xabc", Currency: "ETH", Confirmations: 3}, got[0])
	assert.Equal(t, monitor.PushNotification{Kind: monitor.PushBlock, Currency: "BTC", Height: 800001}, got[1])
	assert.True(t, got[2].Failed)
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// keep reading so control frames are processed
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(release)
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewClient(Config{Endpoint: wsURL(srv)}, zap.NewNop()).Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	collect(t, ch)

	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection was not closed")
	}
}

func TestSubscribeDialError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewClient(Config{Endpoint: wsURL(srv)}, zap.NewNop()).Subscribe(context.Background())
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		wantOK bool
		want   monitor.PushNotification
	}{
		{
			name:   "transaction",
			data:   `{"type":"tx","hash":"h1","confirmations":2}`,
			wantOK: true,
			want:   monitor.PushNotification{Kind: monitor.PushTransaction, Hash: "h1", Confirmations: 2},
		},
		{name: "transaction without hash", data: `{"type":"tx"}`},
		{name: "block without currency", data: `{"type":"block","height":5}`},
		{name: "unknown type", data: `{"type":"ping"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok, err := Decode([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, n)
			}
		})
	}

	_, _, err := Decode([]byte("{"))
	assert.Error(t, err)
}
