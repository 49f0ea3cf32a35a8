package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"geyserfeed/internal/bus"
	"geyserfeed/internal/codec"
	"geyserfeed/internal/control"
	"geyserfeed/internal/metrics"
	"geyserfeed/internal/model"
	"geyserfeed/internal/selector"
	"geyserfeed/internal/store"
	"geyserfeed/internal/stream"
)

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	bus   *bus.Bus
	hw    *atomic.Uint64
	queue *selector.Queue
}

func newTestServer(t *testing.T, capacity, buffer int) *testEnv {
	t.Helper()
	b := bus.New(capacity)
	hw := &atomic.Uint64{}
	m := stream.NewManager(b, hw, stream.Options{SubscriberBuffer: buffer})
	q := selector.NewQueue()
	st := store.NewMemory()
	mt := metrics.New()
	s := &Server{
		Bus:     b,
		Streams: m,
		Control: control.New(q, st, mt, nil),
		Store:   st,
		Metrics: mt,
		Status:  func() map[string]any { return map[string]any{"highestWriteSlot": hw.Load()} },
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(m.CloseAll)
	return &testEnv{srv: s, ts: ts, bus: b, hw: hw, queue: q}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/subscribe" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn, wire codec.Wire) model.Update {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var u model.Update
	if err := wire.Unmarshal(data, &u); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return u
}

func slotUpdate(n uint64) model.Update {
	return model.Update{SlotUpdate: &model.SlotUpdate{Slot: n, Status: model.SlotStatusProcessed}}
}

func key(b byte) model.Pubkey {
	var pk model.Pubkey
	pk[0] = b
	return pk
}

func TestHealthReady(t *testing.T) {
	e := newTestServer(t, 8, 8)
	rr := httptest.NewRecorder()
	e.srv.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	e.srv.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
	e.bus.Close()
	rr = httptest.NewRecorder()
	e.srv.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 503 {
		t.Fatalf("ready after bus close: got %d", rr.Code)
	}
}

func TestSubscribeSnapshotFirstThenPublishOrder(t *testing.T) {
	e := newTestServer(t, 64, 64)
	e.hw.Store(77)
	wire, _ := codec.NewWire("json")
	conn := e.dial(t, "")

	first := readUpdate(t, conn, wire)
	if first.SubscribeResponse == nil || first.SubscribeResponse.HighestWriteSlot != 77 {
		t.Fatalf("first frame = %+v, want subscribe response 77", first)
	}
	for i := uint64(1); i <= 3; i++ {
		e.bus.Publish(slotUpdate(i))
	}
	for want := uint64(1); want <= 3; want++ {
		u := readUpdate(t, conn, wire)
		if u.SlotUpdate == nil || u.SlotUpdate.Slot != want {
			t.Fatalf("got %+v, want slot %d", u, want)
		}
	}
}

func TestSubscribeCBORUsesBinaryFrames(t *testing.T) {
	e := newTestServer(t, 8, 8)
	wire, _ := codec.NewWire("cbor")
	conn := e.dial(t, "?encoding=cbor")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", mt)
	}
	var u model.Update
	if err := wire.Unmarshal(data, &u); err != nil || u.SubscribeResponse == nil {
		t.Fatalf("decode snapshot: %+v %v", u, err)
	}
}

func TestSubscribeHintFilter(t *testing.T) {
	e := newTestServer(t, 16, 16)
	wire, _ := codec.NewWire("json")
	conn := e.dial(t, "?accounts="+key(1).String())
	readUpdate(t, conn, wire) // snapshot

	e.bus.Publish(model.Update{AccountWrite: &model.AccountWrite{Pubkey: key(2), IsSelected: true}})
	e.bus.Publish(model.Update{AccountWrite: &model.AccountWrite{Pubkey: key(1), IsSelected: true}})
	u := readUpdate(t, conn, wire)
	if u.AccountWrite == nil || u.AccountWrite.Pubkey != key(1) {
		t.Fatalf("want write to key 1, got %+v", u)
	}
}

func TestSubscribeRejectsBadRequests(t *testing.T) {
	e := newTestServer(t, 8, 8)
	for _, q := range []string{"?encoding=xml", "?accounts=0OIl", "?owners=abc"} {
		resp, err := http.Get(e.ts.URL + "/v1/subscribe" + q)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestLaggedSubscriberIsClosedWith1011(t *testing.T) {
	e := newTestServer(t, 2, 1)
	wire, _ := codec.NewWire("json")
	conn := e.dial(t, "")
	readUpdate(t, conn, wire) // snapshot

	// large frames fill the socket buffers so the handler stalls while the
	// client is not reading
	big := bytes.Repeat([]byte{7}, 1<<20)
	for i := uint64(0); i < 64; i++ {
		e.bus.Publish(model.Update{AccountWrite: &model.AccountWrite{Slot: i, Pubkey: key(1), Data: big, IsSelected: true}})
	}

	var last []byte
	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseInternalServerErr {
				t.Fatalf("want close 1011, got %v", err)
			}
			if !strings.Contains(ce.Text, "lagged") {
				t.Fatalf("close reason = %q", ce.Text)
			}
			break
		}
		last = data
	}
	var se streamError
	if err := json.Unmarshal(last, &se); err != nil || !strings.Contains(se.Error, "lagged") {
		t.Fatalf("last frame = %.80s, want lag error", last)
	}
}

func TestSSEStream(t *testing.T) {
	e := newTestServer(t, 16, 16)
	e.hw.Store(5)
	resp, err := http.Get(e.ts.URL + "/v1/subscribe/sse")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	rd := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}
	name, data := readEvent()
	if name != "subscribe_response" || !strings.Contains(data, `"highestWriteSlot":5`) {
		t.Fatalf("first event = %s %s", name, data)
	}
	e.bus.Publish(slotUpdate(9))
	name, data = readEvent()
	if name != "slot_update" || !strings.Contains(data, `"slot":9`) {
		t.Fatalf("second event = %s %s", name, data)
	}
}

func postSelector(t *testing.T, e *testEnv, body string) (int, control.Result) {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/v1/selector", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var res control.Result
	_ = json.NewDecoder(resp.Body).Decode(&res)
	return resp.StatusCode, res
}

func TestUpdateSelector(t *testing.T) {
	e := newTestServer(t, 8, 8)

	envelope, _ := json.Marshal(map[string]string{"config": `{"accounts":["` + key(3).String() + `"]}`})
	code, res := postSelector(t, e, string(envelope))
	if code != 200 || !res.IsOk {
		t.Fatalf("envelope: %d %+v", code, res)
	}
	code, res = postSelector(t, e, `{"owners":["`+key(4).String()+`"]}`)
	if code != 200 || !res.IsOk {
		t.Fatalf("object: %d %+v", code, res)
	}
	code, res = postSelector(t, e, `{"accounts":["not base58 0OIl"]}`)
	if code != 200 || res.IsOk || res.ErrorMessage == "" {
		t.Fatalf("invalid: %d %+v", code, res)
	}

	if e.queue.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", e.queue.Len())
	}
	latest, _ := e.queue.Drain()
	if !latest.Matches(key(9), key(4)) {
		t.Fatal("latest queued selector should be the owners selector")
	}

	resp, err := http.Get(e.ts.URL + "/v1/admin/selector-history?limit=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var hist struct {
		Items []store.SelectorRequest `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Items) != 2 || hist.Items[0].Accepted || !hist.Items[1].Accepted {
		t.Fatalf("history = %+v", hist.Items)
	}

	resp2, err := http.Get(e.ts.URL + "/v1/admin/selector-history/" + hist.Items[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != 200 {
		t.Fatalf("get by id: %d", resp2.StatusCode)
	}
	resp3, err := http.Get(e.ts.URL + "/v1/admin/selector-history/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != 404 {
		t.Fatalf("missing id: %d", resp3.StatusCode)
	}
}

func TestUpdateSelectorRateLimited(t *testing.T) {
	e := newTestServer(t, 8, 8)
	e.srv.Limiter = rate.NewLimiter(0, 1)
	if code, _ := postSelector(t, e, `{"accounts":["*"]}`); code != 200 {
		t.Fatalf("first request: %d", code)
	}
	if code, _ := postSelector(t, e, `{"accounts":["*"]}`); code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d, want 429", code)
	}
}

func TestUpdateSelectorSignature(t *testing.T) {
	e := newTestServer(t, 8, 8)
	e.srv.SelectorSecret = "s3cret"
	body := `{"accounts":["*"]}`

	if code, _ := postSelector(t, e, body); code != http.StatusUnauthorized {
		t.Fatalf("unsigned: %d, want 401", code)
	}
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/v1/selector", strings.NewReader(body))
	req.Header.Set(control.SignatureHeader, control.SignHMAC("s3cret", []byte(body)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var res control.Result
	_ = json.NewDecoder(resp.Body).Decode(&res)
	if resp.StatusCode != 200 || !res.IsOk {
		t.Fatalf("signed: %d %+v", resp.StatusCode, res)
	}
	if e.queue.Len() != 1 {
		t.Fatalf("queued %d", e.queue.Len())
	}
}

func TestSelectorPayloadEnvelope(t *testing.T) {
	cases := map[string]string{
		`{"config":"{\"accounts\":[]}"}`:  `{"accounts":[]}`,
		`{"accounts":["*"]}`:              `{"accounts":["*"]}`,
		`{"config":"x","accounts":["*"]}`: `{"config":"x","accounts":["*"]}`,
		`{"config":{"accounts":["*"]}}`:   `{"config":{"accounts":["*"]}}`,
		`garbage`:                         `garbage`,
	}
	for in, want := range cases {
		if got := string(selectorPayload([]byte(in))); got != want {
			t.Fatalf("selectorPayload(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestStatsAndMetrics(t *testing.T) {
	e := newTestServer(t, 8, 8)
	e.hw.Store(12)
	conn := e.dial(t, "")
	wire, _ := codec.NewWire("json")
	readUpdate(t, conn, wire)

	resp, err := http.Get(e.ts.URL + "/v1/admin/stats")
	if err != nil {
		t.Fatal(err)
	}
	// read to EOF so the request has been fully served before scraping
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	var stats struct {
		Bus           bus.Stats     `json:"bus"`
		Subscriptions []stream.Info `json:"subscriptions"`
		HighestSlot   uint64        `json:"highestWriteSlot"`
	}
	if err := json.Unmarshal(raw, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Bus.Capacity != 8 || len(stats.Subscriptions) != 1 || stats.HighestSlot != 12 {
		t.Fatalf("stats = %+v", stats)
	}

	mresp, err := http.Get(e.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer mresp.Body.Close()
	body, _ := io.ReadAll(mresp.Body)
	if !strings.Contains(string(body), `http_requests_total{method="GET",path="/v1/admin/stats",status="200"} 1`) {
		t.Fatalf("request metric missing:\n%s", body)
	}
}

func TestOpenAPIDocuments(t *testing.T) {
	e := newTestServer(t, 8, 8)
	resp, err := http.Get(e.ts.URL + "/openapi.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("openapi.json: %v", err)
	}
	if doc["openapi"] != "3.0.3" {
		t.Fatalf("openapi version = %v", doc["openapi"])
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v1/selector"]; !ok {
		t.Fatal("selector path missing from document")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestServer(t, 8, 8)
	resp, err := http.Get(e.ts.URL + "/v1/selector")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed || resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("status %d allow %q", resp.StatusCode, resp.Header.Get("Allow"))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type %q", ct)
	}
	var p Problem
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil || p.Status != http.StatusMethodNotAllowed {
		t.Fatalf("problem: %+v %v", p, err)
	}
}
