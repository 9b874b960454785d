package wstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketwatch/btcsentry/internal/domain"
)

type fakeEmitter struct {
	mu   sync.Mutex
	reqs []domain.AlertRequest
}

func (f *fakeEmitter) Emit(req domain.AlertRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeEmitter) countKind(kind domain.AlertKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reqs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

var upgrader = websocket.Upgrader{}

// echoServer accepts a connection and forwards whatever is pushed on
// send until the test closes it.
func echoServer(t *testing.T, send <-chan []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConnRoutesDepthMessages(t *testing.T) {
	send := make(chan []byte, 4)
	srv := echoServer(t, send)
	defer srv.Close()
	defer close(send)

	var mu sync.Mutex
	var got []StreamKind
	handler := func(kind StreamKind, data json.RawMessage) {
		mu.Lock()
		got = append(got, kind)
		mu.Unlock()
	}

	c := NewConn("test-depth", wsURL(srv.URL), handler, nil, "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	env, _ := json.Marshal(map[string]interface{}{
		"stream": "btcusdt@depth@100ms",
		"data":   map[string]interface{}{"U": 1, "u": 2},
	})
	send <- env

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, KindDepth, got[0])
	mu.Unlock()
}

func TestClassifyStreamSuffixes(t *testing.T) {
	require.Equal(t, KindDepth, classify("btcusdt@depth@100ms"))
	require.Equal(t, KindAggTrade, classify("btcusdt@aggTrade"))
	require.Equal(t, KindForceOrder, classify("!forceOrder@arr"))
	require.Equal(t, KindUnknown, classify("btcusdt@bookTicker"))
}

func TestWsDownFiresOnceAcrossRepeatedFailedReconnects(t *testing.T) {
	origGrace := wsDownGrace
	origBackoff := backoffSchedule
	wsDownGrace = 20 * time.Millisecond
	backoffSchedule = []time.Duration{5 * time.Millisecond}
	defer func() {
		wsDownGrace = origGrace
		backoffSchedule = origBackoff
	}()

	emitter := &fakeEmitter{}
	// An address nothing listens on: every dial attempt fails quickly,
	// so downSince must persist across attempts rather than reset on
	// each one, or the 30s-down threshold would never be reached.
	c := NewConn("test-down", "ws://127.0.0.1:1/nope", func(StreamKind, json.RawMessage) {}, emitter, "system", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return emitter.countKind(domain.AlertWSDown) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// Let several more failed dial attempts happen past the threshold;
	// the alert must not repeat for the same continuous outage.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, emitter.countKind(domain.AlertWSDown))
}

func TestOperatorShutdownDoesNotReconnect(t *testing.T) {
	send := make(chan []byte)
	srv := echoServer(t, send)
	defer srv.Close()
	defer close(send)

	c := NewConn("test-shutdown", wsURL(srv.URL), func(StreamKind, json.RawMessage) {}, nil, "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after operator shutdown")
	}
}
