package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sgproxy/internal/metrics"
	"sgproxy/internal/models"
	"sgproxy/internal/provider"
	"sgproxy/internal/stream"
	"sgproxy/internal/translator"
)

const (
	endpointStream  = "stream"
	endpointCatalog = "catalog"
)

// Router dispatches decoded requests to the upstream provider.
type Router struct {
	provider    provider.Provider
	metrics     *metrics.Metrics
	readTimeout time.Duration
	now         func() time.Time
}

// New constructs a router backed by the provided upstream.
func New(p provider.Provider, m *metrics.Metrics, readTimeout time.Duration) (*Router, error) {
	if p == nil {
		return nil, errors.New("provider must not be nil")
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{
		provider:    p,
		metrics:     m,
		readTimeout: readTimeout,
		now:         time.Now,
	}, nil
}

// Chat starts relaying a completion. Frames arrive on the returned channel,
// which is closed once the stream reaches a terminal state or ctx is done.
func (r *Router) Chat(ctx context.Context, req models.CompletionRequest, creds provider.Credentials) <-chan stream.Frame {
	upstreamReq := translator.BuildUpstreamRequest(req)
	tr := stream.New(req.Model, r.readTimeout)

	open := func(ctx context.Context) (*http.Response, error) {
		resp, err := r.provider.OpenStream(ctx, upstreamReq, creds)
		r.countUpstream(endpointStream, resp, err)
		return resp, err
	}

	// Capacity 1: the writer drains immediately, so one slot is enough to
	// decouple the upstream read from the client flush.
	frames := make(chan stream.Frame, 1)
	go func() {
		defer close(frames)

		start := r.now()
		r.metrics.ActiveStreams.Inc()
		defer r.metrics.ActiveStreams.Dec()

		outcome := tr.Run(ctx, open, frames)

		r.metrics.StreamOutcomes.WithLabelValues(outcome).Inc()
		r.metrics.StreamDuration.Observe(r.now().Sub(start).Seconds())
		slog.Info("stream finished", "id", tr.ID(), "model", req.Model, "outcome", outcome)
	}()
	return frames
}

// Models fetches the upstream catalog and reshapes it into the list response.
func (r *Router) Models(ctx context.Context, creds provider.Credentials) (translator.ModelList, error) {
	body, err := r.provider.FetchCatalog(ctx, creds)
	var fetchErr *provider.CatalogFetchError
	switch {
	case errors.As(err, &fetchErr):
		r.metrics.UpstreamRequests.WithLabelValues(endpointCatalog, strconv.Itoa(fetchErr.Status)).Inc()
		return translator.ModelList{}, err
	case err != nil:
		r.metrics.UpstreamRequests.WithLabelValues(endpointCatalog, "transport_error").Inc()
		return translator.ModelList{}, fmt.Errorf("provider %s catalog request: %w", r.provider.Name(), err)
	}
	r.metrics.UpstreamRequests.WithLabelValues(endpointCatalog, strconv.Itoa(http.StatusOK)).Inc()

	entries, err := translator.ReshapeCatalog(body)
	if err != nil {
		var decodeErr *translator.CatalogDecodeError
		if errors.As(err, &decodeErr) {
			decodeErr.URL = r.provider.CatalogURL()
		}
		return translator.ModelList{}, err
	}
	return translator.FromModels(r.now().Unix(), entries), nil
}

func (r *Router) countUpstream(endpoint string, resp *http.Response, err error) {
	status := "transport_error"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	r.metrics.UpstreamRequests.WithLabelValues(endpoint, status).Inc()
}
