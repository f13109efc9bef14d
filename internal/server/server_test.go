package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ryliehm/cassette/internal/health"
	"github.com/ryliehm/cassette/internal/observe"
	"github.com/ryliehm/cassette/internal/recorder"
)

type fakeSource struct {
	statuses []recorder.Status
}

func (f *fakeSource) Active() []recorder.Status { return f.statuses }

func newTestServer(t *testing.T, source StatusSource) *httptest.Server {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	s := New(":0", source, health.New(), m)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthRoutes(t *testing.T) {
	ts := newTestServer(t, &fakeSource{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, &fakeSource{})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
	}
}

func TestStatusFeedStreamsSnapshots(t *testing.T) {
	source := &fakeSource{statuses: []recorder.Status{
		{Scope: "guild-1", State: recorder.StateRecording, Path: "guild-1.ogg"},
	}}
	ts := newTestServer(t, source)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	var feed struct {
		Time     time.Time         `json:"time"`
		Sessions []recorder.Status `json:"sessions"`
	}
	if err := wsjson.Read(ctx, c, &feed); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(feed.Sessions) != 1 || feed.Sessions[0].Scope != "guild-1" {
		t.Errorf("feed = %+v, want guild-1 session", feed)
	}
	if feed.Time.IsZero() {
		t.Error("feed timestamp is zero")
	}

	c.Close(websocket.StatusNormalClosure, "done")
}
