package main

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/infra"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Levels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		log, err := newLogger(lvl)
		require.NoError(t, err, lvl)
		want, _ := zapcore.ParseLevel(lvl)
		assert.True(t, log.Core().Enabled(want), lvl)
	}

	_, err := newLogger("loud")
	assert.Error(t, err)
}

func TestStartPurger_RemovesExpiredSQLRows(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	var offset atomic.Int64
	base := time.Now()
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	store, err := infra.NewSQLStore(db, infra.DialectSQLite, "", infra.WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Increment(ctx, "a", time.Second)
	require.NoError(t, err)
	offset.Store(int64(2 * time.Second))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	startPurger(runCtx, store, 10*time.Millisecond, zap.NewNop())

	assert.Eventually(t, func() bool {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM rate_limits`).Scan(&n); err != nil {
			return false
		}
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartPurger_IgnoresStoresWithoutPurge(t *testing.T) {
	// MemoryStore já se limpa no Increment/janitor; nada deve ser iniciado
	startPurger(context.Background(), infra.NewMemoryStore(), time.Millisecond, zap.NewNop())
}
