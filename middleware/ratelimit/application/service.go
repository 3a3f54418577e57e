package application

import (
	"context"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas conta e retorna uma decisão.
// O limite efetivo é aplicado aqui; o store só devolve o uso bruto.
type Service struct {
	Store domain.CounterStore
	Now   func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Decide incrementa o contador de key e compara o uso com limit.
//
// Erros do store são devolvidos sem decisão; quem chama decide o fail-open.
func (s Service) Decide(ctx context.Context, key string, limit int64, window time.Duration) (domain.Decision, error) {
	if s.Store == nil {
		return domain.Decision{}, &domain.ConfigError{Field: "store", Message: "no counter store", Err: domain.ErrMissingClient}
	}

	usage, err := s.Store.Increment(ctx, key, window)
	if err != nil {
		return domain.Decision{}, err
	}
	usage = usage.WithLimit(limit)

	if usage.Used <= limit {
		return domain.Decision{Allowed: true, Usage: usage}, nil
	}
	return domain.Decision{
		Allowed:    false,
		Usage:      usage,
		RetryAfter: usage.RetryAfter(s.now()),
	}, nil
}
