package infra

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// StorageKind seleciona o backend do contador.
type StorageKind string

const (
	StorageMemory  StorageKind = "memory"
	StorageRedis   StorageKind = "redis"
	StorageMongo   StorageKind = "mongo"
	StorageSQL     StorageKind = "sql"
	StorageUpstash StorageKind = "upstash"
	StorageKV      StorageKind = "kv"
)

// StorageConfig é a configuração "tagueada": Kind escolhe qual bloco vale.
// Cada bloco aceita um cliente já construído ou os dados para criar um.
type StorageConfig struct {
	Kind   StorageKind `yaml:"kind"`
	Prefix string      `yaml:"prefix"`

	Memory  MemoryConfig  `yaml:"memory"`
	Redis   RedisConfig   `yaml:"redis"`
	Mongo   MongoConfig   `yaml:"mongo"`
	SQL     SQLConfig     `yaml:"sql"`
	Upstash UpstashConfig `yaml:"upstash"`
	KV      KVConfig      `yaml:"kv"`

	// Now substitui o relógio dos stores (testes).
	Now func() time.Time `yaml:"-"`
}

type MemoryConfig struct {
	// JanitorEvery > 0 liga a varredura periódica (parada pelo ctx da factory).
	JanitorEvery time.Duration `yaml:"janitorEvery"`
}

type RedisConfig struct {
	Client   redis.UniversalClient `yaml:"-"`
	URL      string                `yaml:"url"`
	Addr     string                `yaml:"addr"`
	Password string                `yaml:"password"`
	DB       int                   `yaml:"db"`
}

type MongoConfig struct {
	Client     *mongo.Client `yaml:"-"`
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
}

type SQLConfig struct {
	DB      *sql.DB `yaml:"-"`
	Dialect string  `yaml:"dialect"`
	DSN     string  `yaml:"dsn"`
	Table   string  `yaml:"table"`
}

type UpstashConfig struct {
	HTTPClient *http.Client `yaml:"-"`
	URL        string       `yaml:"url"`
	Token      string       `yaml:"token"`
}

type KVConfig struct {
	HTTPClient  *http.Client `yaml:"-"`
	BaseURL     string       `yaml:"baseURL"`
	AccountID   string       `yaml:"accountID"`
	NamespaceID string       `yaml:"namespaceID"`
	APIToken    string       `yaml:"apiToken"`
}

func ParseStorageKind(s string) (StorageKind, error) {
	switch k := StorageKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return StorageMemory, nil
	case StorageMemory, StorageRedis, StorageMongo, StorageSQL, StorageUpstash, StorageKV:
		return k, nil
	default:
		return "", &domain.ConfigError{Field: "storage.kind", Message: fmt.Sprintf("unknown storage kind %q", s)}
	}
}

// asStore evita devolver um ponteiro nil embrulhado na interface.
func asStore[T domain.CounterStore](s T, err error) (domain.CounterStore, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func missing(field, msg string) error {
	return &domain.ConfigError{Field: field, Message: msg, Err: domain.ErrMissingClient}
}

// NewCounterStore constrói o store escolhido por cfg.Kind.
//
// Falta de cliente/configuração vira *domain.ConfigError aqui, nunca na hora
// da requisição. Conexões criadas aqui pertencem ao store e são fechadas em Close.
func NewCounterStore(ctx context.Context, cfg StorageConfig) (domain.CounterStore, error) {
	kind, err := ParseStorageKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}

	opts := []StoreOption{WithClock(cfg.Now)}
	if cfg.Prefix != "" {
		opts = append(opts, WithPrefix(cfg.Prefix))
	}

	switch kind {
	case StorageMemory:
		s := NewMemoryStore(opts...)
		s.StartJanitor(ctx, cfg.Memory.JanitorEvery)
		return s, nil

	case StorageRedis:
		rc := cfg.Redis
		if !isNilRedisClient(rc.Client) {
			return asStore(NewRedisStore(rc.Client, opts...))
		}
		var ro *redis.Options
		switch {
		case rc.URL != "":
			ro, err = redis.ParseURL(rc.URL)
			if err != nil {
				return nil, &domain.ConfigError{Field: "storage.redis.url", Message: "invalid url", Err: err}
			}
		case rc.Addr != "":
			ro = &redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}
		default:
			return nil, missing("storage.redis", "client, url or addr required")
		}
		return asStore(NewRedisStore(redis.NewClient(ro), append(opts, withOwnership())...))

	case StorageMongo:
		mc := cfg.Mongo
		if mc.Database == "" {
			mc.Database = "ratelimit"
		}
		if mc.Collection == "" {
			mc.Collection = "rate_limits"
		}
		client := mc.Client
		if client == nil {
			if mc.URI == "" {
				return nil, missing("storage.mongo", "client or uri required")
			}
			client, err = mongo.Connect(ctx, options.Client().ApplyURI(mc.URI))
			if err != nil {
				return nil, &domain.ConfigError{Field: "storage.mongo.uri", Message: "connect failed", Err: err}
			}
			opts = append(opts, withOwnership())
		}
		return asStore(NewMongoStore(client.Database(mc.Database).Collection(mc.Collection), opts...))

	case StorageSQL:
		sc := cfg.SQL
		dialect := strings.ToLower(strings.TrimSpace(sc.Dialect))
		if dialect == "postgresql" || dialect == "pgx" {
			dialect = DialectPostgres
		}
		if dialect == "sqlite3" {
			dialect = DialectSQLite
		}
		db := sc.DB
		if db == nil {
			if sc.DSN == "" {
				return nil, missing("storage.sql", "db or dsn required")
			}
			driver, ok := driverName(dialect)
			if !ok {
				return nil, &domain.ConfigError{Field: "storage.sql.dialect", Message: fmt.Sprintf("unsupported dialect %q", sc.Dialect)}
			}
			db, err = sql.Open(driver, sc.DSN)
			if err != nil {
				return nil, &domain.ConfigError{Field: "storage.sql.dsn", Message: "open failed", Err: err}
			}
			opts = append(opts, withOwnership())
		}
		return asStore(NewSQLStore(db, dialect, sc.Table, opts...))

	case StorageUpstash:
		uc := cfg.Upstash
		if uc.URL == "" || uc.Token == "" {
			return nil, missing("storage.upstash", "url and token required")
		}
		if uc.HTTPClient == nil {
			opts = append(opts, withOwnership())
		}
		return asStore(NewUpstashStore(uc.URL, uc.Token, uc.HTTPClient, opts...))

	case StorageKV:
		kc := cfg.KV
		base := kc.BaseURL
		if base == "" && kc.AccountID != "" && kc.NamespaceID != "" {
			base = KVNamespaceURL(kc.AccountID, kc.NamespaceID)
		}
		if base == "" || kc.APIToken == "" {
			return nil, missing("storage.kv", "account/namespace (or base url) and api token required")
		}
		if kc.HTTPClient == nil {
			opts = append(opts, withOwnership())
		}
		return asStore(NewKVStore(base, kc.APIToken, kc.HTTPClient, opts...))
	}

	return nil, &domain.ConfigError{Field: "storage.kind", Message: fmt.Sprintf("unknown storage kind %q", kind)}
}
