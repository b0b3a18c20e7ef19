package telemetry

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TaskCompletions.WithLabelValues("claude-code", "completed").Inc()
	m.TaskCompletions.WithLabelValues("claude-code", "completed").Inc()
	m.TokensUsed.WithLabelValues("claude-code", "input").Add(150)
	m.ActiveTasks.Inc()

	if got := testutil.ToFloat64(m.TaskCompletions.WithLabelValues("claude-code", "completed")); got != 2 {
		t.Errorf("TaskCompletions = %v", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("claude-code", "input")); got != 150 {
		t.Errorf("TokensUsed = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveTasks); got != 1 {
		t.Errorf("ActiveTasks = %v", got)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.MessagesAppended.WithLabelValues("user").Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "agor_messages_appended_total") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestNewTracerNoEndpointIsNoop(t *testing.T) {
	tracer, shutdown, err := NewTracer(context.Background(), TraceConfig{})
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "test_span")
	if ctx == nil {
		t.Fatal("nil context")
	}
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("no-endpoint tracer should produce non-recording spans")
	}
}
