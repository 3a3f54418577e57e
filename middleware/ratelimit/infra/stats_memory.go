package infra

import (
	"context"
	"maps"
	"sync"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// Counters soma os desfechos de um recorte (total, rota ou chave).
type Counters struct {
	Allowed    int64 `json:"allowed"`
	Denied     int64 `json:"denied"`
	FailedOpen int64 `json:"failedOpen"`
	Skipped    int64 `json:"skipped"`
}

func (c *Counters) add(o domain.Outcome) { c.addN(o, 1) }

func (c *Counters) addN(o domain.Outcome, n int64) {
	switch o {
	case domain.OutcomeAllowed:
		c.Allowed += n
	case domain.OutcomeDenied:
		c.Denied += n
	case domain.OutcomeFailedOpen:
		c.FailedOpen += n
	case domain.OutcomeSkipped:
		c.Skipped += n
	}
}

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryStatsStore struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	byKey   map[string]Counters

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute: make(map[string]Counters),
		byKey:   make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := ev.Method + " " + ev.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Outcome)

	c := s.byRoute[route]
	c.add(ev.Outcome)
	s.byRoute[route] = c

	if s.trackKeys && ev.Key != "" {
		k := s.byKey[ev.Key]
		k.add(ev.Outcome)
		s.byKey[ev.Key] = k
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byRoute)
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byKey)
}
