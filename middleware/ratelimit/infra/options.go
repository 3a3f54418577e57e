package infra

import (
	"strings"
	"time"
)

// DefaultPrefix é o prefixo aplicado às chaves nos backends externos.
const DefaultPrefix = "rl:"

type storeOptions struct {
	prefix string
	now    func() time.Time
	owned  bool
}

// StoreOption ajusta qualquer CounterStore deste pacote.
type StoreOption func(*storeOptions)

// WithPrefix troca o prefixo das chaves. ActiveKeys sempre devolve as chaves sem ele.
func WithPrefix(prefix string) StoreOption {
	return func(o *storeOptions) { o.prefix = prefix }
}

// WithClock troca o relógio (usado em testes).
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// withOwnership marca o cliente como criado internamente: Close o libera.
func withOwnership() StoreOption {
	return func(o *storeOptions) { o.owned = true }
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{prefix: DefaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o storeOptions) key(k string) string { return o.prefix + k }

func (o storeOptions) strip(k string) string { return strings.TrimPrefix(k, o.prefix) }
