package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

// Unbounded é o sentinela de "sem limite" usado pela camada de storage.
// O limite efetivo só é aplicado pela aplicação (Service.Decide).
const Unbounded int64 = math.MaxInt64

// Usage é o resultado canônico de um incremento em qualquer backend.
//
// Reset é o instante absoluto em que a janela atual expira. Em JSON vai como
// segundos Unix, igual ao X-RateLimit-Reset.
type Usage struct {
	Used      int64
	Remaining int64
	Reset     time.Time
	Limit     int64
}

type usageJSON struct {
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
	Limit     int64 `json:"limit"`
}

func (u Usage) MarshalJSON() ([]byte, error) {
	return json.Marshal(usageJSON{Used: u.Used, Remaining: u.Remaining, Reset: u.ResetUnix(), Limit: u.Limit})
}

func (u *Usage) UnmarshalJSON(b []byte) error {
	var w usageJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = Usage{Used: w.Used, Remaining: w.Remaining, Reset: time.Unix(w.Reset, 0), Limit: w.Limit}
	return nil
}

// NewUsage monta um Usage da camada de storage (limite ainda não aplicado).
func NewUsage(used int64, reset time.Time) Usage {
	return Usage{
		Used:      used,
		Remaining: Unbounded,
		Reset:     reset,
		Limit:     Unbounded,
	}
}

// WithLimit devolve uma cópia com o limite configurado aplicado:
// Remaining = max(0, limit - used).
func (u Usage) WithLimit(limit int64) Usage {
	u.Limit = limit
	u.Remaining = limit - u.Used
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	return u
}

// ResetUnix retorna o reset em segundos Unix (valor usado nos headers).
func (u Usage) ResetUnix() int64 {
	return u.Reset.Unix()
}

// RetryAfter arredonda para cima o tempo até o reset, em segundos inteiros.
// Nunca é negativo.
func (u Usage) RetryAfter(now time.Time) time.Duration {
	d := u.Reset.Sub(now)
	if d <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}

// CounterStore é o contrato de contagem em janela fixa.
//
// Increment incrementa o contador de key, abrindo uma janela nova quando não
// existe uma viva, e retorna o uso resultante (Used sempre acompanhado do Reset
// da janela que o produziu).
// Decrement reduz o contador em 1 (piso zero); nunca cria janela.
// Reset remove o contador.
// Close libera recursos de rede que o próprio store criou; clientes
// fornecidos pelo chamador não são fechados.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (Usage, error)
	Decrement(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
	Close() error
}

// KeyLister é opcional: lista as chaves ativas, sem o prefixo interno.
// Backends que não conseguem enumerar retornam lista vazia (sem erro).
type KeyLister interface {
	ActiveKeys(ctx context.Context) ([]string, error)
}

type Decision struct {
	Allowed bool
	Usage   Usage
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}
