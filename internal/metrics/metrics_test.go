package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// counterValue returns the summed counter value of a gathered family.
func counterValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestInitIsolatedRegistry(t *testing.T) {
	m1 := Init("test_a")
	m2 := Init("test_a")

	m1.IncSlicesProcessed(Labels{Zoom: "2"})
	m1.IncSlicesProcessed(Labels{Zoom: "2"})
	m2.IncSlicesProcessed(Labels{Zoom: "2"})

	if got := counterValue(t, m1, "test_a_slices_processed_total"); got != 2 {
		t.Errorf("m1 slices processed = %v, want 2", got)
	}
	if got := counterValue(t, m2, "test_a_slices_processed_total"); got != 1 {
		t.Errorf("m2 slices processed = %v, want 1", got)
	}
	if Get() != m2 {
		t.Error("Get should return the most recent Init result")
	}
}

func TestObserveSave(t *testing.T) {
	m := Init("test_save")
	m.ObserveSave(Labels{Zoom: "4", Format: "webp"}, 0.5, 2048)

	if got := counterValue(t, m, "test_save_mosaic_bytes_written_total"); got != 2048 {
		t.Errorf("mosaic bytes = %v, want 2048", got)
	}
}

func TestPush(t *testing.T) {
	var pushes atomic.Int32
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		if !strings.Contains(r.URL.Path, "/job/mosaic_test") {
			t.Errorf("unexpected push path %s", r.URL.Path)
		}
		body.Store(r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := Init("test_push")
	m.IncFragmentsFailed(Labels{Zoom: "1"})
	if err := m.Push(srv.URL, "mosaic_test"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if pushes.Load() != 1 {
		t.Errorf("pushes = %d, want 1", pushes.Load())
	}
	if body.Load() != http.MethodPut {
		t.Errorf("method = %v, want PUT", body.Load())
	}
}

func TestPushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := Init("test_push_err")
	if err := m.Push(srv.URL, ""); err == nil {
		t.Error("expected push error on 500")
	}
}

func TestHandler(t *testing.T) {
	m := Init("test_handler")
	m.IncSlicesSkipped(Labels{Zoom: "2"})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `test_handler_slices_skipped_total{zoom="2"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", body)
	}

	health, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", health.StatusCode)
	}
}
