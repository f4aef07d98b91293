package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voicewire/voicewire/internal/turnctl"
)

// TurnSink records per-turn latency breakdowns into OTel instruments.
type TurnSink struct {
	m *Metrics
}

var _ turnctl.Sink = (*TurnSink)(nil)

// NewTurnSink wraps a Metrics instance as a turn controller sink.
func NewTurnSink(m *Metrics) *TurnSink {
	return &TurnSink{m: m}
}

// RecordTurn derives stage latencies from the turn's timestamps. Stages a
// turn never reached (an interrupted turn may have no audio) are skipped.
func (s *TurnSink) RecordTurn(tm turnctl.TurnMetrics) {
	ctx := context.Background()

	outcome := "done"
	if tm.Interrupted {
		outcome = "interrupted"
	}
	s.m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	if !tm.VADEnd.IsZero() && !tm.STTDone.IsZero() {
		s.m.STTLatency.Record(ctx, tm.STTDone.Sub(tm.VADEnd).Seconds())
	}
	if !tm.STTDone.IsZero() && !tm.FirstToken.IsZero() {
		s.m.FirstTokenLatency.Record(ctx, tm.FirstToken.Sub(tm.STTDone).Seconds())
	}
	if !tm.FirstToken.IsZero() && !tm.FirstAudio.IsZero() {
		s.m.FirstAudioLatency.Record(ctx, tm.FirstAudio.Sub(tm.FirstToken).Seconds())
	}
	if !tm.VADEnd.IsZero() && !tm.Finished.IsZero() {
		s.m.TurnLatency.Record(ctx, tm.Finished.Sub(tm.VADEnd).Seconds())
	}
}
