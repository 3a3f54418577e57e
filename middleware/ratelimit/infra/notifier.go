package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebhookNotifier envia um alerta HTTP quando um limite é excedido.
//
// Nunca retorna erro: falha de transporte ou status fora de 2xx só vai para o log.
// O envio é limitado por um token bucket para um ataque não virar uma
// tempestade de alertas; alertas acima do limite são descartados.
type WebhookNotifier struct {
	http    *http.Client
	log     *zap.Logger
	limiter *rate.Limiter

	slots    domain.SlotPool
	slotWait time.Duration
}

type NotifierOption func(*WebhookNotifier)

func WithNotifierHTTPClient(c *http.Client) NotifierOption {
	return func(n *WebhookNotifier) {
		if c != nil {
			n.http = c
		}
	}
}

func WithNotifierLogger(l *zap.Logger) NotifierOption {
	return func(n *WebhookNotifier) {
		if l != nil {
			n.log = l
		}
	}
}

// WithNotifierRate limita os envios (por segundo, com rajada). perSecond <= 0 desliga o limite.
func WithNotifierRate(perSecond float64, burst int) NotifierOption {
	return func(n *WebhookNotifier) {
		if perSecond <= 0 {
			n.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithNotifierMaxInFlight limita quantos envios podem estar em andamento.
// Quem não consegue vaga em wait descarta o alerta; wait <= 0 espera até o ctx encerrar.
func WithNotifierMaxInFlight(max int, wait time.Duration) NotifierOption {
	return func(n *WebhookNotifier) {
		n.slots = NewChanPool(max)
		n.slotWait = wait
	}
}

func NewWebhookNotifier(opts ...NotifierOption) *WebhookNotifier {
	n := &WebhookNotifier{
		http:    &http.Client{Timeout: 5 * time.Second},
		log:     zap.NewNop(),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify envia alert para target e espera a resposta.
func (n *WebhookNotifier) Notify(ctx context.Context, target domain.NotifyTarget, alert domain.Alert) {
	if !target.Enabled() {
		return
	}
	log := n.log.With(zap.String("url", target.URL), zap.String("path", alert.Path))

	if n.limiter != nil && !n.limiter.Allow() {
		log.Debug("rate limit alert dropped by throttle")
		return
	}

	if n.slots != nil {
		release, ok := n.acquire(ctx)
		if !ok {
			log.Debug("rate limit alert dropped: too many in flight")
			return
		}
		defer release()
	}

	var payload any = alert
	if target.Body != nil {
		payload = target.Body(alert)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn("rate limit alert: encode body", zap.Error(err))
		return
	}

	method := strings.ToUpper(strings.TrimSpace(target.Method))
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(body))
	if err != nil {
		log.Warn("rate limit alert: build request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		log.Warn("rate limit alert: send", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("rate limit alert: unexpected status", zap.Int("status", resp.StatusCode))
	}
}

func (n *WebhookNotifier) acquire(ctx context.Context) (func(), bool) {
	if n.slotWait <= 0 {
		return n.slots.Acquire(ctx)
	}
	acqCtx, cancel := context.WithTimeout(ctx, n.slotWait)
	defer cancel()
	return n.slots.Acquire(acqCtx)
}
