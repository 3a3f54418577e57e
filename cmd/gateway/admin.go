package main

import (
	"context"
	"encoding/json"
	"net/http"

	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// keyAdmin é o subconjunto do *ratelimit.Limiter usado pelo listener admin.
type keyAdmin interface {
	ActiveKeys(ctx context.Context) ([]string, error)
	Store() domain.CounterStore
}

type statsTotals interface {
	Totals(ctx context.Context) (infra.Counters, error)
}

// adminDeps: keys e totals são opcionais; sem eles as rotas correspondentes não existem.
type adminDeps struct {
	keys   keyAdmin
	totals statsTotals
	reg    *prometheus.Registry
	log    *zap.Logger
}

// newAdminMux expõe:
//
//	GET    /metrics                    métricas do registry
//	GET    /_ratelimit/keys            chaves vivas (quando o backend sabe listar)
//	DELETE /_ratelimit/keys?key=<key>  zera o contador de uma chave
//	GET    /_ratelimit/stats           totais agregados no Redis
func newAdminMux(d adminDeps) *http.ServeMux {
	if d.log == nil {
		d.log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{Registry: d.reg}))

	if d.keys != nil {
		mux.HandleFunc("GET /_ratelimit/keys", func(w http.ResponseWriter, r *http.Request) {
			keys, err := d.keys.ActiveKeys(r.Context())
			if err != nil {
				d.log.Warn("list active keys", zap.Error(err))
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
		})

		mux.HandleFunc("DELETE /_ratelimit/keys", func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Query().Get("key")
			if key == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing key"})
				return
			}
			if err := d.keys.Store().Reset(r.Context(), key); err != nil {
				d.log.Warn("reset key", zap.String("key", key), zap.Error(err))
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}

	if d.totals != nil {
		mux.HandleFunc("GET /_ratelimit/stats", func(w http.ResponseWriter, r *http.Request) {
			c, err := d.totals.Totals(r.Context())
			if err != nil {
				d.log.Warn("read stats totals", zap.Error(err))
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, c)
		})
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
