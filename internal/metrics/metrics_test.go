package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/session"
	"github.com/rbright/scribe/internal/streaming"
	"github.com/rbright/scribe/internal/transcript"
	"github.com/stretchr/testify/require"
)

func TestPublishTracksSessionLifecycle(t *testing.T) {
	m := New()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Publish(session.StatusEvent{SessionID: "a", Phase: fsm.StateAcquiringResources, At: start})
	m.Publish(session.StatusEvent{SessionID: "a", Phase: fsm.StateStreamingActive, Strategy: session.StrategyStreaming, CurrentLevel: 42, At: start.Add(time.Second)})
	m.Publish(session.StatusEvent{SessionID: "b", Phase: fsm.StateAcquiringResources, At: start})
	require.Equal(t, 2.0, value(t, m.ActiveSessions))
	require.Equal(t, 42.0, value(t, m.AudioLevel))

	m.Publish(session.StatusEvent{SessionID: "a", Phase: fsm.StateBatchActive, Strategy: session.StrategyBatch, At: start.Add(2 * time.Second)})
	m.Publish(session.StatusEvent{SessionID: "a", Phase: fsm.StateSucceeded, Strategy: session.StrategyBatch, At: start.Add(4 * time.Second)})
	m.Publish(session.StatusEvent{SessionID: "a", Phase: fsm.StateSucceeded, Strategy: session.StrategyBatch, At: start.Add(5 * time.Second)})

	require.Equal(t, 2.0, value(t, m.SessionsStarted))
	require.Equal(t, 1.0, value(t, m.ActiveSessions))
	require.Equal(t, 1.0, value(t, m.SessionsFinished.WithLabelValues("succeeded", "batch")))
	require.Equal(t, 1.0, value(t, m.StrategyChanges.WithLabelValues("streaming")))
	require.Equal(t, 1.0, value(t, m.StrategyChanges.WithLabelValues("batch")))
	require.Equal(t, uint64(1), histogramCount(t, m.SessionDuration))
}

func TestOnRetryAndBatch(t *testing.T) {
	m := New()
	m.OnRetry(1, time.Second, streaming.NewError(streaming.CodeNetwork, nil))
	m.OnRetry(2, 2*time.Second, nil)
	require.Equal(t, 1.0, value(t, m.Reconnects.WithLabelValues("network")))
	require.Equal(t, 1.0, value(t, m.Reconnects.WithLabelValues("unknown")))

	ok := m.Batch(batchFunc(func() (transcript.Segment, error) { return transcript.Segment{Text: "hi", Final: true}, nil }))
	bad := m.Batch(batchFunc(func() (transcript.Segment, error) { return transcript.Segment{}, errors.New("boom") }))
	seg, err := ok.Transcribe(context.Background(), []float32{0})
	require.NoError(t, err)
	require.Equal(t, "hi", seg.Text)
	_, err = bad.Transcribe(context.Background(), []float32{0})
	require.Error(t, err)

	require.Equal(t, 1.0, value(t, m.BatchRequests.WithLabelValues("ok")))
	require.Equal(t, 1.0, value(t, m.BatchRequests.WithLabelValues("error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Publish(session.StatusEvent{SessionID: "a", Phase: fsm.StateAcquiringResources})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "scribe_sessions_started_total 1")
	require.Contains(t, string(body), "go_goroutines")
}

type batchFunc func() (transcript.Segment, error)

func (f batchFunc) Transcribe(context.Context, []float32) (transcript.Segment, error) { return f() }

func value(t *testing.T, metric prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, metric.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.GetCounter().GetValue()
	case pb.Gauge != nil:
		return pb.GetGauge().GetValue()
	default:
		t.Fatalf("unsupported metric %v", metric.Desc())
		return 0
	}
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, h.Write(&pb))
	return pb.GetHistogram().GetSampleCount()
}
