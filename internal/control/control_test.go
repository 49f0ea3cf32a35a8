package control

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"geyserfeed/internal/metrics"
	"geyserfeed/internal/model"
	"geyserfeed/internal/selector"
	"geyserfeed/internal/store"
)

func newControl() (*Control, *selector.Queue, *store.Memory, *metrics.Metrics) {
	q := selector.NewQueue()
	st := store.NewMemory()
	m := metrics.New()
	return New(q, st, m, nil), q, st, m
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	return string(body)
}

func TestValidPayloadIsQueued(t *testing.T) {
	c, q, st, m := newControl()
	var pk model.Pubkey
	pk[0] = 5
	res := c.UpdateSelector(context.Background(), "http", []byte(`{"accounts":["`+pk.String()+`"]}`))
	if !res.IsOk || res.ErrorMessage != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	sel, ok := q.Drain()
	if !ok || !sel.Matches(pk, model.Pubkey{}) {
		t.Fatalf("queued selector does not select %s", pk)
	}
	hist, _ := st.ListSelectorRequests(context.Background(), 1)
	if len(hist) != 1 || !hist[0].Accepted || hist[0].Source != "http" {
		t.Fatalf("history = %+v", hist)
	}
	if out := scrape(t, m); !strings.Contains(out, `selector_updates_total{result="ok"} 1`) {
		t.Fatal("ok counter not incremented")
	}
}

func TestInvalidPayloadsAreReportedNotQueued(t *testing.T) {
	c, q, st, _ := newControl()
	for _, payload := range []string{`not json`, `{"accounts":["0OIl"]}`, `{"keys":[]}`} {
		res := c.UpdateSelector(context.Background(), "redis", []byte(payload))
		if res.IsOk || res.ErrorMessage == "" {
			t.Fatalf("payload %q accepted: %+v", payload, res)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue has %d entries, want 0", q.Len())
	}
	hist, _ := st.ListSelectorRequests(context.Background(), 10)
	if len(hist) != 3 || hist[0].Accepted {
		t.Fatalf("history = %+v", hist)
	}
	if !strings.Contains(hist[1].Error, "0OIl") {
		t.Fatalf("decode error should name the input: %q", hist[1].Error)
	}
}

func TestMalformedBodiesAreNotQueued(t *testing.T) {
	c, q, _, m := newControl()
	for _, payload := range []string{
		`{"accounts":["*"]} trailing junk`,
		`null`,
		`{"accounts":[]}{"owners":["zz"]}`,
	} {
		res := c.UpdateSelector(context.Background(), "http", []byte(payload))
		if res.IsOk || res.ErrorMessage == "" {
			t.Fatalf("payload %q accepted: %+v", payload, res)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue has %d entries, want 0", q.Len())
	}
	if out := scrape(t, m); !strings.Contains(out, `selector_updates_total{result="invalid"} 3`) {
		t.Fatal("invalid counter not incremented")
	}
}

func TestClosedQueueIsApplyFailure(t *testing.T) {
	c, q, _, m := newControl()
	q.Close()
	if err := c.Submit(context.Background(), "http", []byte(`{"accounts":["*"]}`)); err == nil {
		t.Fatal("expected error from closed queue")
	}
	if out := scrape(t, m); !strings.Contains(out, `selector_updates_total{result="rejected"} 1`) {
		t.Fatal("rejected counter not incremented")
	}
}
