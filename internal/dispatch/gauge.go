package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
)

// RunningRequestsMetric is the backend gauge consulted before polling.
const RunningRequestsMetric = "vllm:num_requests_running"

// Gauge reports how many requests the local backend is currently serving.
type Gauge interface {
	Running(ctx context.Context) float64
}

// MetricsGauge scrapes a Prometheus text endpoint. Scrape failures read as
// zero so a broken metrics endpoint never stops mining.
type MetricsGauge struct {
	url    string
	metric string
	client *http.Client
	log    zerolog.Logger
}

func NewMetricsGauge(url string, client *http.Client, log zerolog.Logger) *MetricsGauge {
	if client == nil {
		client = http.DefaultClient
	}
	return &MetricsGauge{url: url, metric: RunningRequestsMetric, client: client, log: log}
}

func (g *MetricsGauge) Running(ctx context.Context) float64 {
	v, err := g.scrape(ctx)
	if err != nil {
		g.log.Debug().Err(err).Str("url", g.url).Msg("metrics scrape failed")
		return 0
	}
	return v
}

func (g *MetricsGauge) scrape(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.New("metrics endpoint: " + resp.Status)
	}
	dec := expfmt.NewDecoder(resp.Body, expfmt.NewFormat(expfmt.TypeTextPlain))
	for {
		var mf dto.MetricFamily
		if err := dec.Decode(&mf); err != nil {
			if errors.Is(err, io.EOF) {
				return 0, nil
			}
			return 0, err
		}
		if mf.GetName() != g.metric {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			case m.GetUntyped() != nil:
				sum += m.GetUntyped().GetValue()
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			}
		}
		return sum, nil
	}
}

// NoGauge never throttles; used for backends without a metrics endpoint.
type NoGauge struct{}

func (NoGauge) Running(context.Context) float64 { return 0 }
