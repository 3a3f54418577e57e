package infra

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const upstashToken = "test-token"

// newUpstashFake expõe um miniredis pelo protocolo REST do Upstash:
// POST com o comando em array JSON, resposta {"result": ...} ou {"error": ...}.
func newUpstashFake(t *testing.T) (*httptest.Server, *miniredis.Miniredis, *atomic.Int64) {
	t.Helper()
	rdb, mr := setupTestRedis(t)
	var calls atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer "+upstashToken {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
			return
		}

		var cmd []string
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		args := make([]any, len(cmd))
		for i, c := range cmd {
			args[i] = c
		}

		res, err := rdb.Do(r.Context(), args...).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": res})
	}))
	t.Cleanup(srv.Close)
	return srv, mr, &calls
}

func TestUpstashStore_Contract(t *testing.T) {
	srv, mr, _ := newUpstashFake(t)
	clock := newFakeClock()

	s, err := NewUpstashStore(srv.URL, upstashToken, srv.Client(), WithClock(clock.Now))
	require.NoError(t, err)

	runCounterStoreContract(t, storeHarness{
		store: s,
		clock: clock,
		advance: func(d time.Duration) {
			clock.Advance(d)
			mr.FastForward(d)
		},
	})
}

func TestUpstashStore_OneRequestPerIncrement(t *testing.T) {
	srv, _, calls := newUpstashFake(t)
	s, err := NewUpstashStore(srv.URL, upstashToken, srv.Client())
	require.NoError(t, err)

	_, err = s.Increment(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestUpstashStore_ActiveKeysIsEmpty(t *testing.T) {
	srv, _, _ := newUpstashFake(t)
	s, err := NewUpstashStore(srv.URL, upstashToken, srv.Client())
	require.NoError(t, err)

	_, _ = s.Increment(context.Background(), "k", time.Minute)
	keys, err := s.ActiveKeys(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.Empty(t, keys)
}

func TestUpstashStore_ErrorReplyIsStoreError(t *testing.T) {
	srv, _, _ := newUpstashFake(t)
	s, err := NewUpstashStore(srv.URL, "wrong", srv.Client())
	require.NoError(t, err)

	_, err = s.Increment(context.Background(), "k", time.Minute)
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "upstash", se.Backend)
	assert.Contains(t, err.Error(), "Unauthorized")
}

func TestUpstashStore_MalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": "OK"}`))
	}))
	defer srv.Close()

	s, err := NewUpstashStore(srv.URL, upstashToken, srv.Client())
	require.NoError(t, err)

	_, err = s.Increment(context.Background(), "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrMalformedReply)
}

func TestNewUpstashStore_MissingConfig(t *testing.T) {
	_, err := NewUpstashStore("", "tok", nil)
	assert.ErrorIs(t, err, domain.ErrMissingClient)
	_, err = NewUpstashStore("http://x", "", nil)
	assert.ErrorIs(t, err, domain.ErrMissingClient)
}
