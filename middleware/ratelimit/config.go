package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"go.uber.org/zap"
)

// KeyFunc deriva a chave do contador a partir da requisição.
type KeyFunc func(r *http.Request) (string, error)

// LimitFunc calcula o limite da requisição (ex.: por plano do cliente).
type LimitFunc func(r *http.Request) (int64, error)

// SkipFunc retorna true para requisições que não passam pelo rate limit.
type SkipFunc func(r *http.Request) bool

// LimitReachedFunc é chamado uma vez por requisição bloqueada, depois da notificação.
type LimitReachedFunc func(r *http.Request, alert domain.Alert)

// Responder substitui a resposta padrão de bloqueio. Nenhum header de rate
// limit é escrito quando ele é usado.
type Responder func(w http.ResponseWriter, r *http.Request, dec domain.Decision)

// Notifier entrega o alerta de limite excedido. Nunca falha do ponto de vista
// do pipeline.
type Notifier interface {
	Notify(ctx context.Context, target domain.NotifyTarget, alert domain.Alert)
}

// Config é uma configuração parcial e mesclável: campos zero não sobrescrevem
// a camada de baixo (defaults -> global -> rota).
type Config struct {
	// Limit 0 não sobrescreve a camada de baixo e portanto não bloqueia a rota.
	// Para bloquear a rota inteira use LimitFunc retornando 0.
	Limit      int64           `yaml:"limit"`
	Window     time.Duration   `yaml:"window"`
	Strategy   domain.Strategy `yaml:"strategy"`
	StatusCode int             `yaml:"statusCode"`
	Message    string          `yaml:"message"`

	Notify domain.NotifyTarget `yaml:"notify"`

	Skip           SkipFunc         `yaml:"-"`
	KeyFunc        KeyFunc          `yaml:"-"`
	LimitFunc      LimitFunc        `yaml:"-"`
	OnLimitReached LimitReachedFunc `yaml:"-"`
	Responder      Responder        `yaml:"-"`
}

// DefaultConfig são os valores embutidos, a primeira camada do merge.
func DefaultConfig() Config {
	return Config{
		Limit:      100,
		Window:     time.Minute,
		Strategy:   domain.StrategyFixedWindow,
		StatusCode: http.StatusTooManyRequests,
		Message:    "Too many requests, please try again later.",
	}
}

// RouteOverride associa um padrão ("/exato", "*" ou "/prefixo/*") a uma
// configuração parcial. A ordem do slice decide empates entre curingas.
type RouteOverride struct {
	Pattern string `yaml:"pattern"`
	Config  Config `yaml:",inline"`
}

type Options struct {
	// Config é a configuração global, mesclada sobre DefaultConfig no New.
	Config Config
	Routes []RouteOverride

	// Store tem prioridade sobre Storage e nunca é fechado pelo Limiter.
	Store   domain.CounterStore
	Storage infra.StorageConfig

	Notifier Notifier
	Stats    domain.StatsStore
	Logger   *zap.Logger

	// KeyHeader, quando presente na requisição, identifica o cliente no lugar do IP.
	KeyHeader string
	// IgnoreForwardedHeaders desliga X-Forwarded-For/X-Real-IP na chave padrão.
	IgnoreForwardedHeaders bool

	Now func() time.Time
}

func validateConfig(field string, c Config) error {
	if c.Limit < 0 {
		return &domain.ConfigError{Field: field + ".limit", Message: fmt.Sprintf("must be >= 0, got %d", c.Limit)}
	}
	if c.Window < 0 {
		return &domain.ConfigError{Field: field + ".window", Message: fmt.Sprintf("must be > 0, got %s", c.Window)}
	}
	if c.StatusCode != 0 && (c.StatusCode < 100 || c.StatusCode > 999) {
		return &domain.ConfigError{Field: field + ".statusCode", Message: fmt.Sprintf("invalid status %d", c.StatusCode)}
	}
	if _, err := domain.ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	return nil
}
