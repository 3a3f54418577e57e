package infra

import (
	"context"
	"sort"
	"sync"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// MemoryStore é um contador de janela fixa em memória, com cache por chave.
//
// Cada Increment varre e remove todas as janelas vencidas antes de contar.
// Só é atômico dentro de um processo.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryWindow
	opts    storeOptions
}

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryWindow),
		opts:    buildStoreOptions(opts),
	}
}

// Increment implementa domain.CounterStore.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (domain.Usage, error) {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	w, ok := s.entries[key]
	if !ok {
		w = &memoryWindow{expiresAt: now.Add(window)}
		s.entries[key] = w
	}
	w.count++
	return domain.NewUsage(w.count, w.expiresAt), nil
}

func (s *MemoryStore) Decrement(_ context.Context, key string) error {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.entries[key]; ok && now.Before(w.expiresAt) && w.count > 0 {
		w.count--
	}
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// ActiveKeys implementa domain.KeyLister (ordem alfabética).
func (s *MemoryStore) ActiveKeys(_ context.Context) ([]string, error) {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k, w := range s.entries {
		if now.Before(w.expiresAt) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	return nil
}

// Sweep remove as janelas vencidas.
func (s *MemoryStore) Sweep() {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, w := range s.entries {
		if !now.Before(w.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// Len retorna quantas janelas estão em memória (inclusive vencidas ainda não varridas).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor inicia uma goroutine que varre janelas vencidas periodicamente,
// útil quando o tráfego é baixo e Increment raramente roda.
// Pare cancelando o contexto.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}
