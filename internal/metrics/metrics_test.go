package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()

	a.StreamOutcomes.WithLabelValues(OutcomeStop).Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.StreamOutcomes.WithLabelValues(OutcomeStop)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.StreamOutcomes.WithLabelValues(OutcomeStop)))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.UpstreamRequests.WithLabelValues("stream", "200").Inc()
	m.StreamOutcomes.WithLabelValues(OutcomeEndOfInput).Inc()
	m.StreamDuration.Observe(1.5)
	m.ActiveStreams.Inc()
	m.ChunksWritten.Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	for _, want := range []string{
		`sgproxy_upstream_requests_total{endpoint="stream",status="200"} 1`,
		`sgproxy_stream_outcomes_total{outcome="end_of_input"} 1`,
		`sgproxy_stream_duration_seconds_count 1`,
		`sgproxy_streams_active 1`,
		`sgproxy_chunks_written_total 3`,
	} {
		assert.Contains(t, string(body), want)
	}
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.ChunksWritten.Inc()

	count, err := testutil.GatherAndCount(m.Registry(), "sgproxy_chunks_written_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
