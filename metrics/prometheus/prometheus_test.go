package prometheus

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStateTransition(t *testing.T) {
	sessionTransitionsTotal.Reset()
	sessionsReady.Set(0)

	RecordStateTransition("disconnected", "connecting")
	RecordStateTransition("connecting", "settingUp")
	RecordStateTransition("settingUp", "ready")

	if got := testutil.ToFloat64(sessionsReady); got != 1 {
		t.Errorf("Expected 1 ready session, got %f", got)
	}

	RecordStateTransition("ready", "disconnected")
	if got := testutil.ToFloat64(sessionsReady); got != 0 {
		t.Errorf("Expected 0 ready sessions, got %f", got)
	}
	if got := testutil.ToFloat64(sessionTransitionsTotal.WithLabelValues("ready")); got != 1 {
		t.Errorf("Expected 1 transition to ready, got %f", got)
	}
}

func TestRecordFrames(t *testing.T) {
	framesSentTotal.Reset()

	RecordFrameSent("audio")
	RecordFrameSent("audio")
	RecordFrameSent("video")
	before := testutil.ToFloat64(videoFramesDroppedTotal)
	RecordVideoFrameDropped()

	if got := testutil.ToFloat64(framesSentTotal.WithLabelValues("audio")); got != 2 {
		t.Errorf("Expected 2 audio frames, got %f", got)
	}
	if got := testutil.ToFloat64(videoFramesDroppedTotal) - before; got != 1 {
		t.Errorf("Expected 1 dropped frame, got %f", got)
	}
}

func TestRecordToolCall(t *testing.T) {
	toolCallsTotal.Reset()
	toolCallDuration.Reset()
	toolCallsActive.Set(0)

	RecordToolCallStart()
	RecordToolCallStart()
	RecordToolCall("execute", "completed", 0.4)
	RecordToolCall("execute", "cancelled", 0.1)
	RecordToolCallRejected("lookup")

	if got := testutil.ToFloat64(toolCallsActive); got != 0 {
		t.Errorf("Expected 0 active tool calls, got %f", got)
	}
	if got := testutil.ToFloat64(toolCallsTotal.WithLabelValues("execute", "completed")); got != 1 {
		t.Errorf("Expected 1 completed call, got %f", got)
	}
	if got := testutil.ToFloat64(toolCallsTotal.WithLabelValues("lookup", "rejected")); got != 1 {
		t.Errorf("Expected 1 rejected call, got %f", got)
	}
	if testutil.CollectAndCount(toolCallDuration) != 2 {
		t.Error("Expected two duration series")
	}
}

func TestRecordGatewayRequest(t *testing.T) {
	gatewayRequestsTotal.Reset()
	gatewayRequestDuration.Reset()

	RecordGatewayRequest("success", 0.3)
	RecordGatewayRequest("timeout", 30)
	RecordHistoryLength(4)

	if got := testutil.ToFloat64(gatewayRequestsTotal.WithLabelValues("timeout")); got != 1 {
		t.Errorf("Expected 1 timeout, got %f", got)
	}
	if got := testutil.ToFloat64(historyLength); got != 4 {
		t.Errorf("Expected history length 4, got %f", got)
	}
}

func TestExporter_ServesMetricsAndHealth(t *testing.T) {
	RecordMessageReceived("setupComplete")
	RecordDecodeError()

	exp := NewExporter(":0")
	srv := httptest.NewServer(exp.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "visionclaw_messages_received_total") {
		t.Error("Expected messages_received_total in output")
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Expected Go runtime metrics in output")
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("Unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestExporter_CustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	exp := NewExporterWithRegistry(":0", reg)
	if exp.Registry() != reg {
		t.Error("Expected custom registry")
	}
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before Start: %v", err)
	}
}
