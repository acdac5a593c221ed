package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

func parse(t *testing.T, text string) map[string]*dto.MetricFamily {
	t.Helper()
	var p expfmt.TextParser
	fams, err := p.TextToMetricFamilies(strings.NewReader(text))
	if err != nil {
		t.Fatalf("exposition does not parse: %v\n%s", err, text)
	}
	return fams
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("events_total", "Crash events")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Fatalf("expected 5, got %d", c.Value())
	}
	if r.Counter("events_total", "") != c {
		t.Fatal("expected same counter instance")
	}
}

func TestGaugeFloat(t *testing.T) {
	r := New()
	g := r.Gauge("active_sessions", "")
	g.Set(2.5)
	g.Inc()
	g.Add(-0.25)
	if g.Value() != 3.25 {
		t.Fatalf("expected 3.25, got %v", g.Value())
	}
}

func TestGaugeConcurrentAdd(t *testing.T) {
	g := New().Gauge("g", "")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Inc()
		}()
	}
	wg.Wait()
	if g.Value() != 50 {
		t.Fatalf("expected 50, got %v", g.Value())
	}
}

func TestHistogramCumulative(t *testing.T) {
	h := New().Histogram("stage_seconds", "", []float64{1, 0.1, 0.5})
	for _, v := range []float64{0.0625, 0.5, 0.25, 0.75, 2} {
		h.Observe(v)
	}
	buckets, cum, sum, count := h.snapshot()
	if buckets[0] != 0.1 || buckets[2] != 1 {
		t.Fatalf("buckets not sorted: %v", buckets)
	}
	want := []uint64{1, 3, 4}
	for i := range want {
		if cum[i] != want[i] {
			t.Fatalf("cumulative = %v, want %v", cum, want)
		}
	}
	if count != 5 || sum != 3.5625 {
		t.Fatalf("count=%d sum=%v", count, sum)
	}
}

func TestWithLabels(t *testing.T) {
	if got := WithLabels("x", "stage", "map"); got != `x{stage="map"}` {
		t.Fatalf("got %s", got)
	}
	if got := WithLabels("x", "odd"); got != "x" {
		t.Fatalf("got %s", got)
	}
	if got := WithLabels("x", "k", `a"b`); got != `x{k="a\"b"}` {
		t.Fatalf("got %s", got)
	}
}

func TestKindConflictPanics(t *testing.T) {
	r := New()
	r.Counter("dup", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	r.Gauge("dup", "")
}

func TestRenderParses(t *testing.T) {
	r := New()
	r.Counter(WithLabels("collision_submissions_total", "outcome", "emitted"), "Telemetry submissions").Add(3)
	r.Counter(WithLabels("collision_submissions_total", "outcome", "no_event"), "").Inc()
	r.Gauge("collision_sessions", "Tracked sessions").Set(7)
	h := r.Histogram(WithLabels("collision_stage_seconds", "stage", "estimate"), "Stage latency", []float64{0.01, 0.1})
	h.Observe(0.005)
	h.Observe(0.05)

	fams := parse(t, r.Render())

	subs := fams["collision_submissions_total"]
	if subs.GetType() != dto.MetricType_COUNTER || len(subs.GetMetric()) != 2 {
		t.Fatalf("submissions family = %v", subs)
	}
	for _, m := range subs.GetMetric() {
		switch label(m, "outcome") {
		case "emitted":
			if m.GetCounter().GetValue() != 3 {
				t.Fatalf("emitted = %v", m.GetCounter().GetValue())
			}
		case "no_event":
			if m.GetCounter().GetValue() != 1 {
				t.Fatalf("no_event = %v", m.GetCounter().GetValue())
			}
		default:
			t.Fatalf("unexpected series %v", m)
		}
	}
	if subs.GetHelp() != "Telemetry submissions" {
		t.Fatalf("help = %q", subs.GetHelp())
	}

	if g := fams["collision_sessions"].GetMetric()[0].GetGauge().GetValue(); g != 7 {
		t.Fatalf("sessions = %v", g)
	}

	hist := fams["collision_stage_seconds"].GetMetric()[0]
	if label(hist, "stage") != "estimate" {
		t.Fatalf("stage label missing: %v", hist)
	}
	hh := hist.GetHistogram()
	if hh.GetSampleCount() != 2 || len(hh.GetBucket()) != 2 {
		t.Fatalf("histogram = %v", hh)
	}
	if hh.GetBucket()[0].GetCumulativeCount() != 1 || hh.GetBucket()[1].GetCumulativeCount() != 2 {
		t.Fatalf("buckets = %v", hh.GetBucket())
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("hits_total", "").Inc()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "hits_total 1") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	r := New()
	r.Counter("served_total", "").Inc()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, addr) }()

	var body string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(b)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(body, "served_total 1") {
		t.Fatalf("body: %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
