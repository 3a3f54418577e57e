package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"go.uber.org/zap"
)

// Limiter é uma instância independente do pipeline: configuração resolvida,
// store e colaboradores próprios, sem estado global.
type Limiter struct {
	global Config
	routes []application.Route[Config]

	svc       application.Service
	store     domain.CounterStore
	ownsStore bool

	notifier Notifier
	stats    domain.StatsStore
	log      *zap.Logger

	defaultKey     KeyFunc
	trustForwarded bool
	now            func() time.Time
}

// New valida a configuração e monta o store. Só erros de configuração saem daqui;
// falhas por requisição são tratadas como fail-open no Handler.
func New(ctx context.Context, opts Options) (*Limiter, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := validateConfig("config", opts.Config); err != nil {
		return nil, err
	}
	global, err := application.Merge(DefaultConfig(), opts.Config)
	if err != nil {
		return nil, &domain.ConfigError{Field: "config", Message: "merge defaults", Err: err}
	}
	warnInertStrategy(log, "", global.Strategy)

	routes := make([]application.Route[Config], 0, len(opts.Routes))
	for i, ro := range opts.Routes {
		if ro.Pattern == "" {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("routes[%d].pattern", i), Message: "must not be empty"}
		}
		if err := validateConfig(fmt.Sprintf("routes[%q]", ro.Pattern), ro.Config); err != nil {
			return nil, err
		}
		warnInertStrategy(log, ro.Pattern, ro.Config.Strategy)
		routes = append(routes, application.Route[Config]{Pattern: ro.Pattern, Config: ro.Config})
	}

	store := opts.Store
	owns := false
	if store == nil {
		storage := opts.Storage
		if storage.Now == nil {
			storage.Now = now
		}
		store, err = infra.NewCounterStore(ctx, storage)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = infra.NewWebhookNotifier(infra.WithNotifierLogger(log))
	}

	l := &Limiter{
		global:         global,
		routes:         routes,
		svc:            application.Service{Store: store, Now: now},
		store:          store,
		ownsStore:      owns,
		notifier:       notifier,
		stats:          opts.Stats,
		log:            log,
		trustForwarded: !opts.IgnoreForwardedHeaders,
		now:            now,
	}
	l.defaultKey = DefaultKeyFunc(opts.KeyHeader, l.trustForwarded)

	log.Debug("rate limiter ready",
		zap.Int64("limit", global.Limit),
		zap.Duration("window", global.Window),
		zap.Int("routes", len(routes)),
		zap.Bool("ownsStore", owns),
	)
	return l, nil
}

func warnInertStrategy(log *zap.Logger, route string, s domain.Strategy) {
	if s.Counted() {
		return
	}
	log.Info("strategy accepted but counted as fixed-window",
		zap.String("strategy", string(s)),
		zap.String("route", route),
	)
}

// Middleware é o atalho para New com context.Background.
func Middleware(opts Options) (func(next http.Handler) http.Handler, error) {
	l, err := New(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	return l.Middleware(), nil
}

func (l *Limiter) Middleware() func(next http.Handler) http.Handler {
	return l.Handler
}

// Store devolve o store de contagem em uso (para Decrement/Reset manuais).
func (l *Limiter) Store() domain.CounterStore { return l.store }

// ActiveKeys lista as chaves vivas quando o backend sabe enumerar.
func (l *Limiter) ActiveKeys(ctx context.Context) ([]string, error) {
	if kl, ok := l.store.(domain.KeyLister); ok {
		return kl.ActiveKeys(ctx)
	}
	return []string{}, nil
}

// Close fecha o store apenas quando ele foi criado pelo próprio Limiter.
func (l *Limiter) Close() error {
	if !l.ownsStore {
		return nil
	}
	return l.store.Close()
}

// evaluation é o resultado do pipeline até a decisão (skip, chave, limite, contagem).
type evaluation struct {
	cfg      Config
	route    string
	key      string
	skipped  bool
	decision domain.Decision
}

// resolve devolve a configuração efetiva de path e o padrão que casou.
func (l *Limiter) resolve(path string) (Config, string, error) {
	i, ok := application.MatchRoute(l.routes, path)
	if !ok {
		return l.global, "", nil
	}
	cfg, err := application.Merge(l.global, l.routes[i].Config)
	if err != nil {
		return Config{}, "", fmt.Errorf("resolve %s: %w", l.routes[i].Pattern, err)
	}
	return cfg, l.routes[i].Pattern, nil
}

// evaluate roda o pipeline até a decisão. Qualquer erro aqui vira fail-open no Handler.
func (l *Limiter) evaluate(r *http.Request) (evaluation, error) {
	var ev evaluation

	cfg, route, err := l.resolve(r.URL.Path)
	if err != nil {
		return ev, err
	}
	ev.cfg, ev.route = cfg, route

	// skip
	if cfg.Skip != nil && cfg.Skip(r) {
		ev.skipped = true
		return ev, nil
	}

	// chave
	keyFn := cfg.KeyFunc
	if keyFn == nil {
		keyFn = l.defaultKey
	}
	key, err := keyFn(r)
	if err != nil {
		return ev, fmt.Errorf("key: %w", err)
	}
	if key == "" {
		return ev, errors.New("key: empty key")
	}
	ev.key = key

	// limite
	limit := cfg.Limit
	if cfg.LimitFunc != nil {
		if limit, err = cfg.LimitFunc(r); err != nil {
			return ev, fmt.Errorf("limit: %w", err)
		}
		if limit < 0 {
			return ev, fmt.Errorf("limit: negative limit %d", limit)
		}
	}

	// contagem e decisão
	ev.decision, err = l.svc.Decide(r.Context(), key, limit, cfg.Window)
	if err != nil {
		return ev, err
	}
	return ev, nil
}

func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev, err := l.evaluate(r)
		if err != nil {
			// fail-open: segue sem contar e sem headers
			l.log.Warn("rate limit failed open",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			l.record(r, ev, domain.OutcomeFailedOpen)
			next.ServeHTTP(w, r)
			return
		}

		if ev.skipped {
			l.record(r, ev, domain.OutcomeSkipped)
			next.ServeHTTP(w, r)
			return
		}

		if ev.decision.Allowed {
			// headers antes do handler: o ResponseWriter os envia no primeiro Write
			setHeaders(w.Header(), ev.decision)
			l.record(r, ev, domain.OutcomeAllowed)
			next.ServeHTTP(w, r)
			return
		}

		l.deny(w, r, ev)
	})
}

func (l *Limiter) deny(w http.ResponseWriter, r *http.Request, ev evaluation) {
	alert := domain.Alert{
		ClientAddress: ClientAddress(r, l.trustForwarded),
		Path:          r.URL.Path,
		Method:        r.Method,
		Timestamp:     l.now().UTC(),
		Usage:         ev.decision.Usage,
		Key:           ev.key,
	}

	if ev.cfg.Notify.Enabled() {
		// o alerta não é cancelado se o cliente desistir da requisição
		l.notifier.Notify(context.WithoutCancel(r.Context()), ev.cfg.Notify, alert)
	}
	if ev.cfg.OnLimitReached != nil {
		ev.cfg.OnLimitReached(r, alert)
	}
	l.record(r, ev, domain.OutcomeDenied)

	if ev.cfg.Responder != nil {
		ev.cfg.Responder(w, r, ev.decision)
		return
	}

	setHeaders(w.Header(), ev.decision)
	writeLimited(w, ev.cfg.StatusCode, ev.cfg.Message, ev.decision)
}

// record é best-effort: erro de stats nunca afeta a requisição.
func (l *Limiter) record(r *http.Request, ev evaluation, outcome domain.Outcome) {
	if l.stats == nil {
		return
	}
	err := l.stats.Record(r.Context(), domain.StatsEvent{
		Key:     ev.key,
		Outcome: outcome,
		Method:  r.Method,
		Path:    r.URL.Path,
		Route:   ev.route,
		At:      l.now(),
	})
	if err != nil {
		l.log.Debug("rate limit stats record failed", zap.Error(err))
	}
}
