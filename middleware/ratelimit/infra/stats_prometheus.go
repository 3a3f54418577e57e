package infra

import (
	"context"
	"errors"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusStatsStore expõe os desfechos como um counter vec.
//
// Os labels são outcome, method e route (o padrão que casou, não o path cru)
// para manter a cardinalidade limitada.
type PrometheusStatsStore struct {
	requests *prometheus.CounterVec
}

func NewPrometheusStatsStore(reg prometheus.Registerer, namespace string) (*PrometheusStatsStore, error) {
	if namespace == "" {
		namespace = "ratelimit"
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Requests seen by the rate limiter, by outcome.",
	}, []string{"outcome", "method", "route"})

	if reg != nil {
		if err := reg.Register(vec); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			vec = existing
		}
	}
	return &PrometheusStatsStore{requests: vec}, nil
}

func (s *PrometheusStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := ev.Route
	if route == "" {
		route = "default"
	}
	s.requests.WithLabelValues(string(ev.Outcome), ev.Method, route).Inc()
	return nil
}

// Collector devolve o counter vec (usado em testes e para registro manual).
func (s *PrometheusStatsStore) Collector() *prometheus.CounterVec { return s.requests }

// MultiStatsStore repassa cada evento para todos os stores.
type MultiStatsStore []domain.StatsStore

func (m MultiStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
