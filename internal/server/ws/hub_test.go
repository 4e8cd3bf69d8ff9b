package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

type chanBus struct {
	chans map[string]chan []byte
}

func (b *chanBus) Publish(_ context.Context, ch string, p []byte) error {
	b.chans[ch] <- p
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, ch string) (<-chan []byte, error) {
	return b.chans[ch], nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestRoutes(t *testing.T) {
	h := NewHub(nil, Config{MarketChannel: "markets"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	got := h.routes("markets", []byte(`{"event":"market.buy","market":{"id":3}}`))
	if len(got) != 2 || got[1] != "market:3" {
		t.Errorf("routes = %v", got)
	}
	if got := h.routes("prices", []byte(`{}`)); len(got) != 1 {
		t.Errorf("price routes = %v", got)
	}
	if got := h.routes("markets", []byte(`not json`)); len(got) != 1 {
		t.Errorf("bad payload routes = %v", got)
	}
}

func TestHubRelaysSubscribedChannels(t *testing.T) {
	bus := &chanBus{chans: map[string]chan []byte{
		"markets": make(chan []byte, 4),
		"prices":  make(chan []byte, 4),
	}}
	hub := NewHub(bus, Config{Channels: []string{"markets", "prices"}, MarketChannel: "markets"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.clientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{"prices"}}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	bus.chans["prices"] <- []byte(`{"feed":"eth-usd"}`)
	bus.chans["markets"] <- []byte(`{"event":"market.buy","market":{"id":3}}`)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Channel != "markets" {
		t.Errorf("channel = %q, want markets", env.Channel)
	}
	var ev map[string]any
	if err := json.Unmarshal(env.Data, &ev); err != nil || ev["event"] != "market.buy" {
		t.Errorf("data = %s", env.Data)
	}
}
