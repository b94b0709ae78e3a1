package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler, opts ClientOptions) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, opts)
	// Backoff seam: no real sleeping in tests.
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestClient_StatusAndHeaders(t *testing.T) {
	var gotReqID atomic.Value
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReqID.Store(r.Header.Get("X-Request-Id"))
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "busy", "page_url": "https://x/c/abc"})
	}), ClientOptions{ContainerID: "c1"})

	st, err := c.Status(context.Background(), "req-7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.IsBusy() {
		t.Fatalf("status=busy must report busy")
	}
	if st.PageURL() != "https://x/c/abc" {
		t.Fatalf("page_url unexpected: %q", st.PageURL())
	}
	if gotReqID.Load() != "req-7" {
		t.Fatalf("X-Request-Id not forwarded: %v", gotReqID.Load())
	}
}

func TestClient_Classification(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{423, KindBusy},
		{400, KindBadRequest},
		{409, KindBadRequest},
		{500, KindServer},
		{503, KindServer},
	}
	for _, tc := range cases {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"detail":"nope"}`))
		}), ClientOptions{})

		_, err := c.Status(context.Background(), "")
		var ue *Error
		if !errors.As(err, &ue) {
			t.Fatalf("status %d: expected *Error, got %v", tc.status, err)
		}
		if ue.Kind != tc.kind || ue.StatusCode != tc.status {
			t.Fatalf("status %d: kind=%q code=%d", tc.status, ue.Kind, ue.StatusCode)
		}
	}
}

func TestClient_NonJSONBodyWrapped(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		_, _ = w.Write([]byte("bad gateway"))
	}), ClientOptions{})

	_, err := c.Status(context.Background(), "")
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %v", err)
	}
	m, ok := ue.Payload.(map[string]any)
	if !ok || m["_raw"] != "bad gateway" {
		t.Fatalf("non-JSON body must wrap as _raw: %#v", ue.Payload)
	}
}

func TestClient_AnalyzeTextFallback(t *testing.T) {
	var analyzeCalls, legacyCalls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze":
			analyzeCalls.Add(1)
			w.WriteHeader(404)
		case "/analyze_text":
			legacyCalls.Add(1)
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["text"] != "hello" || body["url"] != "https://x/c/1" {
				t.Errorf("legacy body unexpected: %#v", body)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"answer": "world"})
		default:
			w.WriteHeader(500)
		}
	}), ClientOptions{})

	res, err := c.AnalyzeText(context.Background(), AnalyzeParams{Text: "hello", URL: "https://x/c/1"}, "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.BestText() != "world" {
		t.Fatalf("best text unexpected: %q", res.BestText())
	}
	if analyzeCalls.Load() != 1 || legacyCalls.Load() != 1 {
		t.Fatalf("fallback call counts: analyze=%d legacy=%d", analyzeCalls.Load(), legacyCalls.Load())
	}
}

func TestClient_AnalyzeTextNoFallbackOnOther4xx(t *testing.T) {
	var legacyCalls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze":
			w.WriteHeader(400)
			_, _ = w.Write([]byte(`{"detail":"bad"}`))
		case "/analyze_text":
			legacyCalls.Add(1)
		}
	}), ClientOptions{})

	_, err := c.AnalyzeText(context.Background(), AnalyzeParams{Text: "x"}, "")
	if ErrKind(err) != KindBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
	if legacyCalls.Load() != 0 {
		t.Fatalf("400 must not trigger the legacy fallback")
	}
}

func TestClient_TransportRetries(t *testing.T) {
	// A server that is immediately closed produces pure transport errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, ClientOptions{AnalyzeRetries: 2})
	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	_, err := c.AnalyzeText(context.Background(), AnalyzeParams{Text: "x"}, "")
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	// 2 retries -> 2 backoffs: 250ms then 500ms.
	if len(sleeps) != 2 || sleeps[0] != 250*time.Millisecond || sleeps[1] != 500*time.Millisecond {
		t.Fatalf("backoff schedule unexpected: %v", sleeps)
	}
}

func TestClient_HTTPFailuresNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(423)
	}), ClientOptions{AnalyzeRetries: 2})

	_, err := c.AnalyzeImageB64(context.Background(), AnalyzeParams{ImageB64: "aGk=", ImageExt: "png"}, "")
	if !IsBusy(err) {
		t.Fatalf("expected busy, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("423 must not be retried, calls=%d", calls.Load())
	}
}

func TestClient_RetriesClamped(t *testing.T) {
	c := NewClient("http://localhost:1", ClientOptions{AnalyzeRetries: 99})
	if c.analyzeRetries != 2 {
		t.Fatalf("retries must clamp to 2, got %d", c.analyzeRetries)
	}
	c = NewClient("http://localhost:1", ClientOptions{AnalyzeRetries: -1})
	if c.analyzeRetries != 0 {
		t.Fatalf("retries must clamp to 0, got %d", c.analyzeRetries)
	}
}

func TestClient_OpenSendsIdentity(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/open" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["url"] != "https://chat.qwen.ai/" || body["profile"] != "pv" || body["socks"] != "socks5://u:p@h:1080" {
			t.Errorf("open body unexpected: %#v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"page_url": "https://chat.qwen.ai/c/new1"})
	}), ClientOptions{})

	res, err := c.Open(context.Background(), "https://chat.qwen.ai/", OpenParams{Profile: "pv", Socks: "socks5://u:p@h:1080"}, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.ChatID() != "new1" {
		t.Fatalf("chat id unexpected: %q", res.ChatID())
	}
}

func TestClient_ExchangeLoggerReceivesRecords(t *testing.T) {
	var records []Record
	logger := exchangeLoggerFunc(func(r Record) { records = append(records, r) })

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}), ClientOptions{ContainerID: "c1", IOLogger: logger})

	if _, err := c.Health(context.Background(), "rid"); err != nil {
		t.Fatalf("health: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	r := records[0]
	if r.ContainerID != "c1" || r.Method != "GET" || r.Path != "/health" || r.StatusCode != 200 || r.RequestID != "rid" {
		t.Fatalf("record unexpected: %+v", r)
	}
}

// exchangeLoggerFunc adapts a func to ExchangeLogger.
type exchangeLoggerFunc func(Record)

func (f exchangeLoggerFunc) LogExchange(r Record) { f(r) }
