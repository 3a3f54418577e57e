package infra

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kvToken = "kv-token"

// fakeKV imita os endpoints values/ e keys do Workers KV.
type fakeKV struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]int64
	fail   bool
}

func newFakeKV(t *testing.T) (*httptest.Server, *fakeKV) {
	t.Helper()
	kv := &fakeKV{values: map[string][]byte{}, ttls: map[string]int64{}}
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)
	return srv, kv
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+kvToken {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if r.URL.Path == "/keys" {
		prefix := r.URL.Query().Get("prefix")
		var names []string
		for k := range f.values {
			if strings.HasPrefix(k, prefix) {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		result := make([]map[string]string, 0, len(names))
		for _, n := range names {
			result = append(result, map[string]string{"name": n})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":     true,
			"result":      result,
			"result_info": map[string]any{"cursor": ""},
		})
		return
	}

	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/values/")
	key, err := url.PathUnescape(raw)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		v, ok := f.values[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(v)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		ttl, _ := strconv.ParseInt(r.URL.Query().Get("expiration_ttl"), 10, 64)
		if ttl < 60 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.values[key] = body
		f.ttls[key] = ttl
		_, _ = w.Write([]byte(`{"success":true}`))
	case http.MethodDelete:
		delete(f.values, key)
		delete(f.ttls, key)
		_, _ = w.Write([]byte(`{"success":true}`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestKVStore_Contract(t *testing.T) {
	srv, _ := newFakeKV(t)
	clock := newFakeClock()

	s, err := NewKVStore(srv.URL, kvToken, srv.Client(), WithClock(clock.Now))
	require.NoError(t, err)

	runCounterStoreContract(t, storeHarness{store: s, clock: clock, advance: clock.Advance})
}

func TestKVStore_TTLHasFloorOfSixtySeconds(t *testing.T) {
	srv, kv := newFakeKV(t)
	s, err := NewKVStore(srv.URL, kvToken, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Increment(ctx, "short", 5*time.Second)
	require.NoError(t, err)
	_, err = s.Increment(ctx, "long", 10*time.Minute)
	require.NoError(t, err)

	kv.mu.Lock()
	defer kv.mu.Unlock()
	assert.EqualValues(t, 60, kv.ttls["rl:short"])
	assert.EqualValues(t, 600, kv.ttls["rl:long"])
}

func TestKVStore_ActiveKeysStripsPrefix(t *testing.T) {
	srv, _ := newFakeKV(t)
	s, err := NewKVStore(srv.URL, kvToken, srv.Client(), WithPrefix("edge:"))
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = s.Increment(ctx, "a/b c", time.Minute)
	_, _ = s.Increment(ctx, "z", time.Minute)

	keys, err := s.ActiveKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b c", "z"}, keys)
}

func TestKVStore_BackendFailureIsStoreError(t *testing.T) {
	srv, kv := newFakeKV(t)
	s, err := NewKVStore(srv.URL, kvToken, srv.Client())
	require.NoError(t, err)

	kv.mu.Lock()
	kv.fail = true
	kv.mu.Unlock()

	_, err = s.Increment(context.Background(), "k", time.Minute)
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "kv", se.Backend)
}

func TestKVNamespaceURL(t *testing.T) {
	assert.Equal(t,
		"https://api.cloudflare.com/client/v4/accounts/acc/storage/kv/namespaces/ns",
		KVNamespaceURL("acc", "ns"))
}
