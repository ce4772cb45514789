package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesCollectors(t *testing.T) {
	EventsReceived.WithLabelValues("user-join").Inc()
	DispatchEvents.WithLabelValues("status").Inc()
	ActiveConnections.Set(3)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		`pulse_events_received_total{event="user-join"}`,
		`pulse_dispatch_events_total{kind="status"}`,
		"pulse_connections_active 3",
		"pulse_coordination_fallbacks_total",
		"pulse_maintenance_leader",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
