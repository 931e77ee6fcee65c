package wshub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// pair spins up a server that registers each incoming connection with the
// hub under a caller-chosen session id, and returns client connections.
func pair(t *testing.T, h *Hub, ids chan string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		h.Add(<-ids, ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHub_AddGetRemoveCount(t *testing.T) {
	h := New(zerolog.Nop())
	ids := make(chan string, 2)
	srv := pair(t, h, ids)

	ids <- "s1"
	dialClient(t, srv)
	ids <- "s2"
	dialClient(t, srv)

	waitFor(t, func() bool { return h.Count() == 2 })
	if _, ok := h.Get("s1"); !ok {
		t.Fatal("s1 not found")
	}
	h.Remove("s1")
	if _, ok := h.Get("s1"); ok {
		t.Fatal("s1 still present after Remove")
	}
	if h.Count() != 1 {
		t.Fatalf("count = %d", h.Count())
	}
}

func TestHub_BroadcastReachesEveryConnection(t *testing.T) {
	h := New(zerolog.Nop())
	ids := make(chan string, 2)
	srv := pair(t, h, ids)

	ids <- "a"
	ca := dialClient(t, srv)
	ids <- "b"
	cb := dialClient(t, srv)
	waitFor(t, func() bool { return h.Count() == 2 })

	h.Broadcast(map[string]any{"type": "system:status"})
	for _, c := range []*websocket.Conn{ca, cb} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil || m["type"] != "system:status" {
			t.Fatalf("frame %q err=%v", data, err)
		}
	}
}

func TestConn_WriteJSONSerializesWriters(t *testing.T) {
	h := New(zerolog.Nop())
	ids := make(chan string, 1)
	srv := pair(t, h, ids)
	ids <- "s"
	client := dialClient(t, srv)
	waitFor(t, func() bool { return h.Count() == 1 })

	conn, _ := h.Get("s")
	const writers, frames = 8, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < frames; i++ {
				_ = conn.WriteJSON(map[string]any{"type": "job:progress"})
			}
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	got := 0
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for got < writers*frames {
		if _, _, err := client.ReadMessage(); err != nil {
			t.Fatalf("read after %d frames: %v", got, err)
		}
		got++
	}
	<-done
}

func TestHub_NotifyTracksCount(t *testing.T) {
	h := New(zerolog.Nop())
	var mu sync.Mutex
	var counts []int
	h.Notify(func(n int) { mu.Lock(); counts = append(counts, n); mu.Unlock() })

	ids := make(chan string, 2)
	srv := pair(t, h, ids)
	ids <- "x"
	dialClient(t, srv)
	waitFor(t, func() bool { return h.Count() == 1 })
	h.Remove("x")

	mu.Lock()
	defer mu.Unlock()
	if len(counts) < 2 || counts[len(counts)-1] != 0 {
		t.Fatalf("notify sequence: %v", counts)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
