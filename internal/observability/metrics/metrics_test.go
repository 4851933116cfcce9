package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestObserveHTTPRequestCountsErrors(t *testing.T) {
	ObserveHTTPRequest("/test", http.MethodGet, http.StatusInternalServerError, 20*time.Millisecond)
	ObserveHTTPRequest("/test", http.MethodGet, http.StatusOK, 10*time.Millisecond)

	body := scrape(t)
	if !strings.Contains(body, `crmdialog_http_request_errors_total{handler="/test",method="GET"} 1`) {
		t.Fatalf("server error not counted:\n%s", body)
	}
	if !strings.Contains(body, `crmdialog_http_requests_total{code="200",handler="/test",method="GET"} 1`) {
		t.Fatalf("request not counted")
	}
}

func TestHandlerExposesDialogMetrics(t *testing.T) {
	ObserveTurn("answer", time.Second)
	ObserveToolCall("contact.create", true, time.Millisecond)
	ObserveSelection([]string{"core", "contact"}, 4)
	ObserveModelCall(false, time.Second)
	ObserveNotification("enqueued")

	body := scrape(t)
	for _, name := range []string{
		"crmdialog_orchestrator_turns_total",
		"crmdialog_tools_calls_total",
		"crmdialog_selector_domain_selections_total",
		"crmdialog_llm_calls_total",
		"crmdialog_notify_notifications_total",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("metric %s missing from exposition", name)
		}
	}
}
