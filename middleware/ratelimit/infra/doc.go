// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Stores de contagem (domain.CounterStore), todos em janela fixa:
//   - MemoryStore: mapa em memória, varrido a cada Increment
//   - RedisStore: script Lua (INCR + PEXPIRE só sem TTL) via go-redis
//   - MongoStore: upsert condicional + índice TTL
//   - SQLStore: upsert condicional em Postgres (pgx), MySQL ou SQLite
//   - UpstashStore: o mesmo script do Redis via REST
//   - KVStore: Workers KV REST, get/put sem atomicidade (best-effort)
//
// NewCounterStore escolhe um deles a partir de StorageConfig.Kind.
//
// Também ficam aqui o WebhookNotifier e os StatsStore (memória, Redis, Prometheus).
package infra
