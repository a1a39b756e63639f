package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkeye/studyhall/internal/adapters/signal"
	"github.com/dkeye/studyhall/internal/adapters/wire"
	"github.com/dkeye/studyhall/internal/app"
	"github.com/dkeye/studyhall/internal/app/docstore"
	"github.com/dkeye/studyhall/internal/app/orch"
	"github.com/dkeye/studyhall/internal/config"
	"github.com/dkeye/studyhall/internal/domain"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestRouter(t *testing.T, appendLimit int) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	cfg := &config.Config{
		Mode:           "test",
		StaticPath:     t.TempDir(),
		Secret:         "test-secret",
		ReadLimit:      32768,
		PingPeriod:     time.Second,
		RequestTimeout: time.Second,
	}
	store := docstore.New()
	t.Cleanup(func() { _ = store.Close() })
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Store:    store,
		Policy:   app.SimplePolicy{},
		Limiter:  signal.NewAppendRateLimiter(appendLimit, time.Minute),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return SetupRouter(ctx, cfg, o), o
}

func do(r http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSessions_CreateReadMerge(t *testing.T) {
	r, _ := newTestRouter(t, 10)

	offer := `{"offer":{"type":"offer","sdp":"v=0 o"}}`
	if w := do(r, http.MethodPut, "/api/sessions/room1", offer, "If-None-Match", "*"); w.Code != http.StatusNoContent {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	w := do(r, http.MethodPut, "/api/sessions/room1", offer, "If-None-Match", "*")
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), string(domain.KindSessionExists)) {
		t.Fatalf("second create: %d %s", w.Code, w.Body)
	}

	if w := do(r, http.MethodPatch, "/api/sessions/room1", `{"answer":{"type":"answer","sdp":"v=0 a"}}`); w.Code != http.StatusNoContent {
		t.Fatalf("merge: %d %s", w.Code, w.Body)
	}
	w = do(r, http.MethodGet, "/api/sessions/room1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("read: %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"sdp":"v=0 o"`) || !strings.Contains(body, `"sdp":"v=0 a"`) {
		t.Fatalf("read body = %s", body)
	}
}

func TestSessions_Errors(t *testing.T) {
	r, _ := newTestRouter(t, 10)

	if w := do(r, http.MethodGet, "/api/sessions/ghost", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing session: %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/api/sessions/x", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/sessions/x/candidates/sideways", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad log: %d", w.Code)
	}
	long := strings.Repeat("a", domain.MaxSessionIDLen+1)
	if w := do(r, http.MethodGet, "/api/sessions/"+long, ""); w.Code != http.StatusBadRequest {
		t.Errorf("long id: %d", w.Code)
	}
}

func TestCandidates_AppendReadAndLimit(t *testing.T) {
	r, _ := newTestRouter(t, 2)

	for _, c := range []string{"candidate:1", "candidate:2"} {
		if w := do(r, http.MethodPost, "/api/sessions/s/candidates/caller", `{"candidate":"`+c+`"}`, "Cookie", "ct=tester"); w.Code != http.StatusCreated {
			t.Fatalf("append %s: %d %s", c, w.Code, w.Body)
		}
	}
	if w := do(r, http.MethodPost, "/api/sessions/s/candidates/caller", `{"candidate":"candidate:3"}`, "Cookie", "ct=tester"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("third append: %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/sessions/s/candidates/callee", `{"candidate":"candidate:4"}`, "Cookie", "ct=other"); w.Code != http.StatusCreated {
		t.Fatalf("other client append: %d", w.Code)
	}

	w := do(r, http.MethodGet, "/api/sessions/s/candidates/callerCandidates", "")
	if w.Code != http.StatusOK {
		t.Fatalf("read log: %d", w.Code)
	}
	body := w.Body.String()
	if strings.Index(body, "candidate:1") > strings.Index(body, "candidate:2") || strings.Contains(body, "candidate:3") {
		t.Fatalf("entries = %s", body)
	}

	w = do(r, http.MethodGet, "/api/sessions/s/candidates/callee", "")
	if w.Code != http.StatusOK {
		t.Fatalf("read callee log: %d", w.Code)
	}
	var callee struct {
		Entries []domain.Candidate `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &callee); err != nil {
		t.Fatalf("decode callee log: %v", err)
	}
	if len(callee.Entries) != 1 || callee.Entries[0].Candidate != "candidate:4" {
		t.Fatalf("callee entries = %+v, want only candidate:4", callee.Entries)
	}

	w = do(r, http.MethodGet, "/api/sessions/untouched/candidates/callee", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"entries":[]`) {
		t.Fatalf("empty log: %d %s", w.Code, w.Body)
	}
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t, 1)
	w := do(r, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("healthz: %d %s", w.Code, w.Body)
	}
	if w.Header().Get("Set-Cookie") == "" {
		t.Errorf("client token cookie not set")
	}
}

func TestWebSocket_CreateSubscribeAppend(t *testing.T) {
	r, o := newTestRouter(t, 10)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	send := func(m wire.Message) {
		t.Helper()
		if err := ws.WriteJSON(m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// next reads until a frame matches want; pushes and acks may interleave.
	seen := []wire.Message{}
	next := func(want func(wire.Message) bool) wire.Message {
		t.Helper()
		for i, m := range seen {
			if want(m) {
				seen = append(seen[:i], seen[i+1:]...)
				return m
			}
		}
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			m, err := wire.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if want(m) {
				return m
			}
			seen = append(seen, m)
		}
	}
	reply := func(id string) func(wire.Message) bool {
		return func(m wire.Message) bool { return m.ID == id && (m.Type == wire.TypeAck || m.Type == wire.TypeError) }
	}

	doc := domain.Session{Offer: &domain.Description{Type: domain.SDPTypeOffer, SDP: "v=0 o"}}
	send(wire.Message{Type: wire.TypeCreate, ID: "1", Session: "ws1", Doc: &doc})
	if m := next(reply("1")); m.Type != wire.TypeAck {
		t.Fatalf("create reply = %+v", m)
	}
	send(wire.Message{Type: wire.TypeCreate, ID: "2", Session: "ws1", Doc: &doc})
	if m := next(reply("2")); m.Type != wire.TypeError || m.Kind != domain.KindSessionExists {
		t.Fatalf("second create reply = %+v", m)
	}

	send(wire.Message{Type: wire.TypeSubscribeLog, ID: "3", Sub: "peer", Session: "ws1", Log: domain.CalleeCandidates})
	if m := next(reply("3")); m.Type != wire.TypeAck {
		t.Fatalf("subscribe reply = %+v", m)
	}
	send(wire.Message{Type: wire.TypeAppend, ID: "4", Session: "ws1", Log: "callee", Candidate: &domain.Candidate{Candidate: "candidate:9"}})
	next(reply("4"))
	push := next(func(m wire.Message) bool { return m.Type == wire.TypeEntryAdded })
	if push.Sub != "peer" || push.Candidate == nil || push.Candidate.Candidate != "candidate:9" {
		t.Fatalf("push = %+v", push)
	}

	send(wire.Message{Type: wire.TypePing, ID: "5"})
	if m := next(func(m wire.Message) bool { return m.ID == "5" }); m.Type != wire.TypePong {
		t.Fatalf("ping reply = %+v", m)
	}

	if got := o.Registry.Count(); got != 1 {
		t.Fatalf("registry count = %d", got)
	}
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for o.Registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client not unbound after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
