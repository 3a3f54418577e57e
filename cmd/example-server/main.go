package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"go.uber.org/zap"
)

func main() {
	// Exemplo: injetando o middleware diretamente no seu webserver (sem proxy)
	log, _ := zap.NewDevelopment()
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats := infra.NewMemoryStatsStore()

	lim, err := ratelimit.New(ctx, ratelimit.Options{
		Config: ratelimit.Config{Limit: 10, Window: time.Minute},
		Routes: []ratelimit.RouteOverride{
			{Pattern: "/login", Config: ratelimit.Config{Limit: 3}},
			{Pattern: "/healthz", Config: ratelimit.Config{Skip: func(*http.Request) bool { return true }}},
			{Pattern: "/api/*", Config: ratelimit.Config{
				// plano "pro" no header ganha um limite maior
				LimitFunc: func(r *http.Request) (int64, error) {
					if strings.EqualFold(r.Header.Get("X-Plan"), "pro") {
						return 100, nil
					}
					return 20, nil
				},
				OnLimitReached: func(r *http.Request, a domain.Alert) {
					log.Info("limit reached", zap.String("client", a.ClientAddress), zap.String("path", a.Path))
				},
			}},
		},
		Storage:   infra.StorageConfig{Kind: infra.StorageMemory, Memory: infra.MemoryConfig{JanitorEvery: time.Minute}},
		KeyHeader: "X-Api-Key", // ou vazio para usar IP
		Stats:     stats,
		Logger:    log,
	})
	if err != nil {
		log.Fatal("rate limiter", zap.Error(err))
	}
	defer func() { _ = lim.Close() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total":   stats.Total(),
			"byRoute": stats.ByRoute(),
		})
	})

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           lim.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
}
