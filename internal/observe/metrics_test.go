package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voicewire/voicewire/internal/turnctl"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestLatencyHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voicewire.stt.latency", m.STTLatency},
		{"voicewire.llm.first_token.latency", m.FirstTokenLatency},
		{"voicewire.tts.first_audio.latency", m.FirstAudioLatency},
		{"voicewire.turn.latency", m.TurnLatency},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestPipelineErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPipelineError(ctx, "stt", true)
	m.RecordPipelineError(ctx, "stt", true)
	m.RecordPipelineError(ctx, "child_exit", false)

	rm := collect(t, reader)
	met := findMetric(rm, "voicewire.pipeline.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "kind" && kv.Value.AsString() == "stt" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with kind=stt not found")
}

func TestDroppedAudioCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDroppedAudio(ctx, 3)
	m.RecordDroppedAudio(ctx, 2)

	rm := collect(t, reader)
	met := findMetric(rm, "voicewire.audio.dropped")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 5 {
		t.Errorf("counter = %+v, want 5", sum.DataPoints)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)

	rm := collect(t, reader)
	met := findMetric(rm, "voicewire.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("gauge = %+v, want 1", sum.DataPoints)
	}
}

func TestTurnSinkRecordsLatencies(t *testing.T) {
	m, reader := newTestMetrics(t)
	sink := NewTurnSink(m)

	base := time.Now()
	sink.RecordTurn(turnctl.TurnMetrics{
		Turn:       1,
		VADEnd:     base,
		STTDone:    base.Add(200 * time.Millisecond),
		FirstToken: base.Add(500 * time.Millisecond),
		FirstAudio: base.Add(900 * time.Millisecond),
		Finished:   base.Add(2 * time.Second),
	})
	sink.RecordTurn(turnctl.TurnMetrics{
		Turn:        2,
		VADEnd:      base,
		STTDone:     base.Add(150 * time.Millisecond),
		Interrupted: true,
	})

	rm := collect(t, reader)

	for name, want := range map[string]uint64{
		"voicewire.stt.latency":             2,
		"voicewire.llm.first_token.latency": 1,
		"voicewire.tts.first_audio.latency": 1,
		"voicewire.turn.latency":            1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist := met.Data.(metricdata.Histogram[float64])
		var count uint64
		for _, dp := range hist.DataPoints {
			count += dp.Count
		}
		if count != want {
			t.Errorf("%s sample count = %d, want %d", name, count, want)
		}
	}

	turns := findMetric(rm, "voicewire.turns")
	if turns == nil {
		t.Fatal("turn counter not found")
	}
	sum := turns.Data.(metricdata.Sum[int64])
	outcomes := map[string]int64{}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "outcome" {
				outcomes[kv.Value.AsString()] = dp.Value
			}
		}
	}
	if outcomes["done"] != 1 || outcomes["interrupted"] != 1 {
		t.Errorf("turn outcomes = %v", outcomes)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("kind", "llm")
	if kv != attribute.String("kind", "llm") {
		t.Errorf("Attr = %v", kv)
	}
}
