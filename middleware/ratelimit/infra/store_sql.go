package infra

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const backendSQL = "sql"

// Dialetos suportados pelo SQLStore.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// DefaultSQLTable é a tabela usada quando nenhuma é configurada.
const DefaultSQLTable = "rate_limits"

var sqlIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// driverName mapeia o dialeto para o driver database/sql registrado.
func driverName(dialect string) (string, bool) {
	switch dialect {
	case DialectPostgres:
		return "pgx", true
	case DialectMySQL:
		return "mysql", true
	case DialectSQLite:
		return "sqlite3", true
	default:
		return "", false
	}
}

// SQLStore conta em uma tabela relacional com um upsert condicional:
// janela vencida volta para 1 com novo expires_at; senão incrementa e mantém.
//
// expires_at é guardado em milissegundos Unix para o mesmo esquema servir aos
// três dialetos. A tabela e o índice são criados na primeira operação.
type SQLStore struct {
	db      *sql.DB
	dialect string
	table   string
	opts    storeOptions

	schemaMu    sync.Mutex
	schemaReady bool
}

func NewSQLStore(db *sql.DB, dialect, table string, opts ...StoreOption) (*SQLStore, error) {
	if db == nil {
		return nil, &domain.ConfigError{Field: "storage.sql", Message: "db or dsn required", Err: domain.ErrMissingClient}
	}
	if _, ok := driverName(dialect); !ok {
		return nil, &domain.ConfigError{Field: "storage.sql.dialect", Message: fmt.Sprintf("unsupported dialect %q (supported: postgres, mysql, sqlite)", dialect)}
	}
	if table == "" {
		table = DefaultSQLTable
	}
	if !sqlIdent.MatchString(table) {
		return nil, &domain.ConfigError{Field: "storage.sql.table", Message: fmt.Sprintf("invalid table name %q", table)}
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		table:   table,
		opts:    buildStoreOptions(opts),
	}, nil
}

func (s *SQLStore) schemaStatements() []string {
	switch s.dialect {
	case DialectMySQL:
		return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    rl_key VARCHAR(255) NOT NULL PRIMARY KEY,
    count BIGINT NOT NULL,
    expires_at BIGINT NOT NULL,
    INDEX %[1]s_expires_at_idx (expires_at)
)`, s.table)}
	default:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    rl_key VARCHAR(255) NOT NULL PRIMARY KEY,
    count BIGINT NOT NULL,
    expires_at BIGINT NOT NULL
)`, s.table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at)`, s.table),
		}
	}
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	for _, stmt := range s.schemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", s.table, err)
		}
	}
	s.schemaReady = true
	return nil
}

// bind troca '?' por $1..$n no postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Increment(ctx context.Context, key string, window time.Duration) (domain.Usage, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return domain.Usage{}, domain.NewStoreError(backendSQL, "ensure schema", err)
	}

	now := s.opts.now().UnixMilli()
	expires := now + window.Milliseconds()
	id := s.opts.key(key)

	var count, expiresAt int64
	var err error
	if s.dialect == DialectMySQL {
		count, expiresAt, err = s.incrementMySQL(ctx, id, now, expires)
	} else {
		query := s.bind(fmt.Sprintf(`INSERT INTO %[1]s (rl_key, count, expires_at) VALUES (?, 1, ?)
ON CONFLICT (rl_key) DO UPDATE SET
    count = CASE WHEN %[1]s.expires_at <= ? THEN 1 ELSE %[1]s.count + 1 END,
    expires_at = CASE WHEN %[1]s.expires_at <= ? THEN excluded.expires_at ELSE %[1]s.expires_at END
RETURNING count, expires_at`, s.table))
		err = s.db.QueryRowContext(ctx, query, id, expires, now, now).Scan(&count, &expiresAt)
	}
	if err != nil {
		return domain.Usage{}, domain.NewStoreError(backendSQL, "increment", err)
	}
	return domain.NewUsage(count, time.UnixMilli(expiresAt)), nil
}

// incrementMySQL: sem RETURNING, o valor é lido na mesma transação.
// count é atribuído antes de expires_at, então as duas condições enxergam o
// expires_at antigo.
func (s *SQLStore) incrementMySQL(ctx context.Context, id string, now, expires int64) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (rl_key, count, expires_at) VALUES (?, 1, ?)
ON DUPLICATE KEY UPDATE
    count = IF(expires_at <= ?, 1, count + 1),
    expires_at = IF(expires_at <= ?, VALUES(expires_at), expires_at)`, s.table), id, expires, now, now)
	if err != nil {
		return 0, 0, err
	}

	var count, expiresAt int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT count, expires_at FROM %s WHERE rl_key = ?`, s.table), id).Scan(&count, &expiresAt)
	if err != nil {
		return 0, 0, err
	}
	return count, expiresAt, tx.Commit()
}

func (s *SQLStore) Decrement(ctx context.Context, key string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return domain.NewStoreError(backendSQL, "ensure schema", err)
	}
	query := s.bind(fmt.Sprintf(`UPDATE %s SET count = count - 1 WHERE rl_key = ? AND count > 0 AND expires_at > ?`, s.table))
	_, err := s.db.ExecContext(ctx, query, s.opts.key(key), s.opts.now().UnixMilli())
	return domain.NewStoreError(backendSQL, "decrement", err)
}

func (s *SQLStore) Reset(ctx context.Context, key string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return domain.NewStoreError(backendSQL, "ensure schema", err)
	}
	query := s.bind(fmt.Sprintf(`DELETE FROM %s WHERE rl_key = ?`, s.table))
	_, err := s.db.ExecContext(ctx, query, s.opts.key(key))
	return domain.NewStoreError(backendSQL, "reset", err)
}

func (s *SQLStore) ActiveKeys(ctx context.Context) ([]string, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, domain.NewStoreError(backendSQL, "ensure schema", err)
	}
	query := s.bind(fmt.Sprintf(`SELECT rl_key FROM %s WHERE expires_at > ? ORDER BY rl_key`, s.table))
	rows, err := s.db.QueryContext(ctx, query, s.opts.now().UnixMilli())
	if err != nil {
		return nil, domain.NewStoreError(backendSQL, "select", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, domain.NewStoreError(backendSQL, "scan", err)
		}
		if strings.HasPrefix(k, s.opts.prefix) {
			out = append(out, s.opts.strip(k))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError(backendSQL, "rows", err)
	}
	return out, nil
}

// Purge apaga as linhas vencidas (o Increment já as reaproveita; isto só libera espaço).
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, domain.NewStoreError(backendSQL, "ensure schema", err)
	}
	query := s.bind(fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, s.table))
	res, err := s.db.ExecContext(ctx, query, s.opts.now().UnixMilli())
	if err != nil {
		return 0, domain.NewStoreError(backendSQL, "purge", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) Close() error {
	if !s.opts.owned {
		return nil
	}
	return s.db.Close()
}
