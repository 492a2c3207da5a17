package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "agent-ecology", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.True(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	ctx, finish := p.TrackAction(context.Background(), "noop", "alice")
	require.NotNil(t, ctx)
	finish("")
	require.NoError(t, p.Shutdown(context.Background()))
}

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	p, err := NewWithProviders(tracenoop.NewTracerProvider(), mp)
	require.NoError(t, err)
	return p, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumInt(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestTrackAction_RecordsREDMetrics(t *testing.T) {
	p, reader := newTestProvider(t)
	ctx := context.Background()

	_, ok := p.TrackAction(ctx, "transfer", "alice")
	ok("")
	_, failed := p.TrackAction(ctx, "transfer", "alice")
	failed("insufficient_funds")

	m := collect(t, reader)
	require.Equal(t, int64(2), sumInt(t, m["ecology.actions.total"]))
	require.Equal(t, int64(1), sumInt(t, m["ecology.actions.errors"]))
	require.Equal(t, int64(0), sumInt(t, m["ecology.actions.active"]))

	hist, isHist := m["ecology.action.duration"].(metricdata.Histogram[float64])
	require.True(t, isHist)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	require.Equal(t, uint64(2), count)
}

func TestRecordEconomyCounters(t *testing.T) {
	p, reader := newTestProvider(t)
	ctx := context.Background()

	p.RecordMint(ctx, 100, "auction")
	p.RecordMint(ctx, 0, "auction")
	p.RecordTransfer(ctx, 30)
	p.RecordTransfer(ctx, 12)

	m := collect(t, reader)
	require.Equal(t, int64(100), sumInt(t, m["ecology.scrip.minted"]))
	require.Equal(t, int64(42), sumInt(t, m["ecology.scrip.transferred"]))
}
