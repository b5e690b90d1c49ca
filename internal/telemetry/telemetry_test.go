package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderWithNoExporterStillTracesAndCountsMetrics(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{ServiceName: "agentflow-test", Exporter: ExporterNone})
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown(ctx)) }()

	tracer := p.Tracer("test")
	_, span := tracer.Start(ctx, "unit-test-span")
	span.End()

	p.Metrics().IncClaimed(ctx, "agent-poller")
	p.Metrics().IncCompleted(ctx, "agent-poller")
	p.Metrics().IncFailed(ctx, "runner-service")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.MetricsHandler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentflow_tasks_claimed")
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	_, err := New(context.Background(), Config{ServiceName: "x", Exporter: "bogus"})
	assert.Error(t, err)
}
