package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// CLI é a configuração do gateway. Toda flag também pode vir do ambiente
// (ou de um .env carregado antes do parse).
type CLI struct {
	ListenAddr  string `name:"listen-addr" env:"LISTEN_ADDR" default:":8080" help:"Endereço do proxy."`
	UpstreamURL string `name:"upstream-url" env:"UPSTREAM_URL" required:"" help:"URL do serviço protegido."`
	AdminAddr   string `name:"admin-addr" env:"ADMIN_ADDR" default:"" help:"Endereço de /metrics e /_ratelimit/keys (vazio desliga)."`
	LogLevel    string `name:"log-level" env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Nível de log."`

	Rate    RateFlags    `embed:"" prefix:"rate-"`
	Storage StorageFlags `embed:"" prefix:"storage-"`
	Stats   StatsFlags   `embed:"" prefix:"stats-"`
}

type RateFlags struct {
	Enabled    bool          `name:"enabled" env:"RATE_ENABLED" default:"true" negatable:"" help:"Liga o rate limit."`
	Limit      int64         `name:"limit" env:"RATE_LIMIT" default:"100" help:"Requisições por janela."`
	Window     time.Duration `name:"window" env:"RATE_WINDOW" default:"1m" help:"Tamanho da janela."`
	Strategy   string        `name:"strategy" env:"RATE_STRATEGY" default:"fixed-window" enum:"fixed-window,sliding-window,token-bucket" help:"Estratégia (todas contam como janela fixa)."`
	StatusCode int           `name:"status" env:"RATE_STATUS" default:"429" help:"Status da resposta de bloqueio."`
	Message    string        `name:"message" env:"RATE_MESSAGE" help:"Mensagem da resposta de bloqueio."`
	KeyHeader  string        `name:"key-header" env:"RATE_KEY_HEADER" help:"Header que identifica o cliente no lugar do IP."`
	TrustXFF   bool          `name:"trust-xff" env:"TRUST_XFF" help:"Usa X-Forwarded-For/X-Real-IP na chave."`
	NotifyURL  string        `name:"notify-url" env:"RATE_NOTIFY_URL" help:"Webhook chamado quando o limite é excedido."`
	NotifyRPS  float64       `name:"notify-rps" env:"RATE_NOTIFY_RPS" default:"10" help:"Alertas por segundo (<= 0 desliga o limite)."`
	NotifyMax  int           `name:"notify-max-inflight" env:"RATE_NOTIFY_MAX_INFLIGHT" default:"32" help:"Alertas em andamento ao mesmo tempo (0 = sem limite)."`
	RoutesFile string        `name:"routes-file" env:"RATE_ROUTES_FILE" type:"path" help:"YAML com overrides por rota."`
}

type StorageFlags struct {
	Kind         string        `name:"kind" env:"RATE_STORAGE" default:"memory" enum:"memory,redis,mongo,sql,upstash,kv" help:"Backend do contador."`
	Prefix       string        `name:"prefix" env:"RATE_STORAGE_PREFIX" help:"Prefixo das chaves no backend."`
	JanitorEvery time.Duration `name:"janitor-every" env:"RATE_JANITOR_EVERY" default:"1m" help:"Intervalo de limpeza das janelas vencidas (memória e SQL)."`

	RedisURL      string `name:"redis-url" env:"RATE_REDIS_URL"`
	RedisAddr     string `name:"redis-addr" env:"RATE_REDIS_ADDR"`
	RedisPassword string `name:"redis-password" env:"RATE_REDIS_PASSWORD"`
	RedisDB       int    `name:"redis-db" env:"RATE_REDIS_DB" default:"0"`

	MongoURI        string `name:"mongo-uri" env:"RATE_MONGO_URI"`
	MongoDatabase   string `name:"mongo-database" env:"RATE_MONGO_DATABASE"`
	MongoCollection string `name:"mongo-collection" env:"RATE_MONGO_COLLECTION"`

	SQLDialect string `name:"sql-dialect" env:"RATE_SQL_DIALECT" default:"postgres"`
	SQLDSN     string `name:"sql-dsn" env:"RATE_SQL_DSN"`
	SQLTable   string `name:"sql-table" env:"RATE_SQL_TABLE"`

	UpstashURL   string `name:"upstash-url" env:"RATE_UPSTASH_URL"`
	UpstashToken string `name:"upstash-token" env:"RATE_UPSTASH_TOKEN"`

	KVAccountID   string `name:"kv-account-id" env:"RATE_KV_ACCOUNT_ID"`
	KVNamespaceID string `name:"kv-namespace-id" env:"RATE_KV_NAMESPACE_ID"`
	KVAPIToken    string `name:"kv-api-token" env:"RATE_KV_API_TOKEN"`
}

type StatsFlags struct {
	Enabled       bool          `name:"enabled" env:"RATE_STATS_ENABLED" help:"Grava estatísticas também no Redis."`
	RedisAddr     string        `name:"redis-addr" env:"RATE_STATS_REDIS_ADDR"`
	RedisPassword string        `name:"redis-password" env:"RATE_STATS_REDIS_PASSWORD"`
	RedisDB       int           `name:"redis-db" env:"RATE_STATS_REDIS_DB" default:"0"`
	Prefix        string        `name:"prefix" env:"RATE_STATS_PREFIX" default:"ratelimit:stats"`
	TTL           time.Duration `name:"ttl" env:"RATE_STATS_TTL" default:"24h"`
	Bucket        string        `name:"bucket" env:"RATE_STATS_BUCKET" default:"minute" enum:"minute,none"`
	TrackKeys     bool          `name:"track-keys" env:"RATE_STATS_TRACK_KEYS"`
}

// Validate é chamado pelo kong depois do parse.
func (c *CLI) Validate() error {
	if c.Stats.Enabled && strings.TrimSpace(c.Stats.RedisAddr) == "" {
		return errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	if c.Rate.Limit < 0 {
		return errors.New("RATE_LIMIT must be >= 0")
	}
	if c.Rate.Window <= 0 {
		return errors.New("RATE_WINDOW must be > 0")
	}
	return nil
}

func (f RateFlags) config() Config {
	return Config{
		Limit:      f.Limit,
		Window:     f.Window,
		Strategy:   domain.Strategy(f.Strategy),
		StatusCode: f.StatusCode,
		Message:    f.Message,
		Notify:     domain.NotifyTarget{URL: f.NotifyURL},
	}
}

// notifier limita a taxa e a quantidade de alertas em voo; a rajada é o dobro da taxa.
func (f RateFlags) notifier(log *zap.Logger) *infra.WebhookNotifier {
	return infra.NewWebhookNotifier(
		infra.WithNotifierLogger(log),
		infra.WithNotifierRate(f.NotifyRPS, max(1, int(2*f.NotifyRPS))),
		infra.WithNotifierMaxInFlight(f.NotifyMax, time.Second),
	)
}

func (f StorageFlags) config() infra.StorageConfig {
	return infra.StorageConfig{
		Kind:   infra.StorageKind(f.Kind),
		Prefix: f.Prefix,
		Memory: infra.MemoryConfig{JanitorEvery: f.JanitorEvery},
		Redis: infra.RedisConfig{
			URL:      f.RedisURL,
			Addr:     f.RedisAddr,
			Password: f.RedisPassword,
			DB:       f.RedisDB,
		},
		Mongo: infra.MongoConfig{
			URI:        f.MongoURI,
			Database:   f.MongoDatabase,
			Collection: f.MongoCollection,
		},
		SQL: infra.SQLConfig{
			Dialect: f.SQLDialect,
			DSN:     f.SQLDSN,
			Table:   f.SQLTable,
		},
		Upstash: infra.UpstashConfig{URL: f.UpstashURL, Token: f.UpstashToken},
		KV: infra.KVConfig{
			AccountID:   f.KVAccountID,
			NamespaceID: f.KVNamespaceID,
			APIToken:    f.KVAPIToken,
		},
	}
}

// Config é apenas um alias local para encurtar as assinaturas.
type Config = ratelimit.Config

// routesFile é o formato do RATE_ROUTES_FILE:
//
//	global:
//	  limit: 200
//	routes:
//	  /login: {limit: 5, window: 1m}
//	  /api/admin/*: {limit: 20}
//	  "*": {limit: 50}
//
// routes também aceita uma lista de {pattern, ...}. Nos dois formatos a ordem
// do arquivo é a ordem de desempate entre curingas.
type routesFile struct {
	Global Config    `yaml:"global"`
	Routes yaml.Node `yaml:"routes"`
}

func loadRoutesFile(path string) (Config, []ratelimit.RouteOverride, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, nil, err
	}
	defer func() { _ = f.Close() }()
	return parseRoutes(f)
}

func parseRoutes(r io.Reader) (Config, []ratelimit.RouteOverride, error) {
	var doc routesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, nil, nil
		}
		return Config{}, nil, fmt.Errorf("routes file: %w", err)
	}

	var routes []ratelimit.RouteOverride
	switch doc.Routes.Kind {
	case 0:
	case yaml.MappingNode:
		// o mapa é lido pelo nó para preservar a ordem das chaves
		for i := 0; i+1 < len(doc.Routes.Content); i += 2 {
			k, v := doc.Routes.Content[i], doc.Routes.Content[i+1]
			var cfg Config
			if err := v.Decode(&cfg); err != nil {
				return Config{}, nil, fmt.Errorf("routes file: route %q: %w", k.Value, err)
			}
			routes = append(routes, ratelimit.RouteOverride{Pattern: k.Value, Config: cfg})
		}
	case yaml.SequenceNode:
		if err := doc.Routes.Decode(&routes); err != nil {
			return Config{}, nil, fmt.Errorf("routes file: %w", err)
		}
	default:
		return Config{}, nil, fmt.Errorf("routes file: line %d: routes must be a map or a list", doc.Routes.Line)
	}

	seen := make(map[string]struct{}, len(routes))
	for _, ro := range routes {
		if ro.Pattern == "" {
			return Config{}, nil, errors.New("routes file: empty pattern")
		}
		if _, dup := seen[ro.Pattern]; dup {
			return Config{}, nil, fmt.Errorf("routes file: duplicate pattern %q", ro.Pattern)
		}
		seen[ro.Pattern] = struct{}{}
	}
	return doc.Global, routes, nil
}

// limiterOptions junta flags/env e o arquivo de rotas. O "global" do arquivo
// sobrescreve o que veio das flags.
func limiterOptions(c CLI) (ratelimit.Options, error) {
	global := c.Rate.config()
	var routes []ratelimit.RouteOverride
	if c.Rate.RoutesFile != "" {
		fileGlobal, fileRoutes, err := loadRoutesFile(c.Rate.RoutesFile)
		if err != nil {
			return ratelimit.Options{}, err
		}
		if global, err = application.Merge(global, fileGlobal); err != nil {
			return ratelimit.Options{}, err
		}
		routes = fileRoutes
	}

	return ratelimit.Options{
		Config:                 global,
		Routes:                 routes,
		Storage:                c.Storage.config(),
		KeyHeader:              c.Rate.KeyHeader,
		IgnoreForwardedHeaders: !c.Rate.TrustXFF,
	}, nil
}
