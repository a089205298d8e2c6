package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type frame struct {
	Type   string   `json:"type"`
	ID     string   `json:"id"`
	Path   string   `json:"path"`
	Change string   `json:"change"`
	Error  string   `json:"error"`
	Doc    DocFrame `json:"doc"`
}

func newServer(t *testing.T) (*store.Store, *app.Registry, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := store.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := app.NewRegistry()
	ctl := NewSignalWSController(st, reg, 4096, time.Minute)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set(ClientIDKey, "client-1")
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return st, reg, ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one satisfies ok.
func expect(t *testing.T, ws *websocket.Conn, ok func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if ok(f) {
			return f
		}
	}
}

func TestPingPong(t *testing.T) {
	_, _, ws := newServer(t)
	send(t, ws, map[string]string{"type": "ping"})
	expect(t, ws, func(f frame) bool { return f.Type == "pong" })
}

func TestWatchDocument(t *testing.T) {
	st, _, ws := newServer(t)

	send(t, ws, map[string]string{"type": "watch", "id": "w1", "path": "calls/abc"})
	// The first snapshot may overtake the "watching" ack.
	first := expect(t, ws, func(f frame) bool { return f.Type == "snapshot" })
	if first.Doc.Exists {
		t.Fatalf("missing document reported as existing")
	}

	if err := st.Set(context.Background(), "calls/abc", map[string]any{"offer": map[string]string{"type": "offer", "sdp": "v=0"}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got := expect(t, ws, func(f frame) bool { return f.Type == "snapshot" && f.Doc.Exists })
	if got.ID != "w1" || got.Doc.ID != "abc" || !strings.Contains(string(got.Doc.Data), `"sdp":"v=0"`) {
		t.Fatalf("unexpected snapshot: %+v data=%s", got, got.Doc.Data)
	}
}

func TestWatchCollectionAndUnwatch(t *testing.T) {
	st, reg, ws := newServer(t)
	ctx := context.Background()

	if _, err := st.Add(ctx, "users", map[string]string{"name": "first"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	send(t, ws, map[string]string{"type": "watch", "id": "u", "path": "users"})
	got := expect(t, ws, func(f frame) bool { return f.Type == "change" })
	if got.Change != string(store.ChangeAdded) || !strings.Contains(string(got.Doc.Data), "first") {
		t.Fatalf("unexpected change: %+v", got)
	}

	if _, err := st.Add(ctx, "users", map[string]string{"name": "second"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	got = expect(t, ws, func(f frame) bool { return f.Type == "change" })
	if !strings.Contains(string(got.Doc.Data), "second") {
		t.Fatalf("unexpected change: %+v", got)
	}

	send(t, ws, map[string]string{"type": "unwatch", "id": "u"})
	expect(t, ws, func(f frame) bool { return f.Type == "unwatched" && f.ID == "u" })
	if n := len(reg.Watches("client-1")); n != 0 {
		t.Fatalf("watches after unwatch = %d", n)
	}
}

func TestWatchErrors(t *testing.T) {
	_, _, ws := newServer(t)

	send(t, ws, map[string]string{"type": "watch", "id": "bad", "path": "calls//x"})
	got := expect(t, ws, func(f frame) bool { return f.Type == "error" })
	if got.Error != "invalid_path" || got.ID != "bad" {
		t.Fatalf("unexpected error frame: %+v", got)
	}

	send(t, ws, map[string]string{"type": "watch", "id": "dup", "path": "users"})
	expect(t, ws, func(f frame) bool { return f.Type == "watching" })
	send(t, ws, map[string]string{"type": "watch", "id": "dup", "path": "calls"})
	got = expect(t, ws, func(f frame) bool { return f.Type == "error" })
	if got.Error != "watch_id_taken" {
		t.Fatalf("unexpected error frame: %+v", got)
	}

	send(t, ws, map[string]string{"type": "unwatch", "id": "nope"})
	got = expect(t, ws, func(f frame) bool { return f.Type == "error" })
	if got.Error != "unknown_watch" {
		t.Fatalf("unexpected error frame: %+v", got)
	}

	send(t, ws, map[string]string{"type": "dance"})
	got = expect(t, ws, func(f frame) bool { return f.Type == "error" })
	if got.Error != "unknown_type" {
		t.Fatalf("unexpected error frame: %+v", got)
	}
}

func TestDisconnectReleasesWatches(t *testing.T) {
	_, reg, ws := newServer(t)

	send(t, ws, map[string]string{"type": "watch", "id": "w", "path": "users"})
	expect(t, ws, func(f frame) bool { return f.Type == "watching" })
	_ = ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for reg.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
