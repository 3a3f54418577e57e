package infra

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Testes de integração: precisam de um MongoDB em MONGO_URI.
func setupTestMongo(t *testing.T) *mongo.Collection {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping MongoDB integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("MongoDB not reachable at %s: %v", uri, err)
	}

	coll := client.Database("ratelimit_test").Collection(fmt.Sprintf("limits_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = coll.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return coll
}

func TestMongoStore_Contract(t *testing.T) {
	coll := setupTestMongo(t)
	clock := newFakeClock()

	s, err := NewMongoStore(coll, WithClock(clock.Now))
	require.NoError(t, err)

	runCounterStoreContract(t, storeHarness{store: s, clock: clock, advance: clock.Advance})
}

func TestMongoStore_ConcurrentIncrements(t *testing.T) {
	coll := setupTestMongo(t)
	s, err := NewMongoStore(coll)
	require.NoError(t, err)
	runConcurrentIncrements(t, s)
}

func TestMongoStore_ActiveKeys(t *testing.T) {
	coll := setupTestMongo(t)
	clock := newFakeClock()
	s, err := NewMongoStore(coll, WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = s.Increment(ctx, "short", time.Second)
	_, _ = s.Increment(ctx, "long", time.Hour)
	clock.Advance(2 * time.Second)

	keys, err := s.ActiveKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"long"}, keys)
}

func TestMongoStore_RotatesExpiredWindow(t *testing.T) {
	coll := setupTestMongo(t)
	clock := newFakeClock()
	s, err := NewMongoStore(coll, WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	first := clock.Now()
	for i := 0; i < 3; i++ {
		_, err := s.Increment(ctx, "k", time.Minute)
		require.NoError(t, err)
	}

	// o índice TTL ainda não removeu o documento; a rotação é pelo expiresAt
	clock.Advance(time.Minute)
	u, err := s.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, u.Used)
	assert.True(t, u.Reset.Equal(first.Add(2*time.Minute)), "reset=%s", u.Reset)

	var doc mongoWindow
	require.NoError(t, coll.FindOne(ctx, bson.M{"_id": DefaultPrefix + "k"}).Decode(&doc))
	assert.EqualValues(t, 1, doc.Count)
}

// fakeWindowOps simula a coleção em memória e permite injetar corridas.
type fakeWindowOps struct {
	doc      *mongoWindow
	upserts  int
	rotates  int
	dupFirst int // quantos upserts iniciais falham com chave duplicada
	// beforeRotate roda antes de cada rotate, como outra requisição concorrente
	beforeRotate func(doc *mongoWindow)
}

func (f *fakeWindowOps) upsert(_ context.Context, id string, expiresAt time.Time) (mongoWindow, error) {
	f.upserts++
	if f.upserts <= f.dupFirst {
		return mongoWindow{}, mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key"}}}
	}
	if f.doc == nil {
		f.doc = &mongoWindow{Key: id, ExpiresAt: expiresAt}
	}
	f.doc.Count++
	return *f.doc, nil
}

func (f *fakeWindowOps) rotate(_ context.Context, _ string, prev, next time.Time) (mongoWindow, error) {
	f.rotates++
	if f.beforeRotate != nil {
		f.beforeRotate(f.doc)
	}
	if !f.doc.ExpiresAt.Equal(prev) {
		return mongoWindow{}, mongo.ErrNoDocuments
	}
	f.doc.Count = 1
	f.doc.ExpiresAt = next
	return *f.doc, nil
}

func TestIncrementWindow_RotatesExpired(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	ops := &fakeWindowOps{doc: &mongoWindow{Key: "k", Count: 7, ExpiresAt: start}}

	u, err := incrementWindow(context.Background(), ops, "k", time.Minute, clock.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, u.Used)
	assert.True(t, u.Reset.Equal(start.Add(time.Minute)))
	assert.Equal(t, 1, ops.rotates)
}

func TestIncrementWindow_LosesRotationRace(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	ops := &fakeWindowOps{doc: &mongoWindow{Key: "k", Count: 4, ExpiresAt: start}}
	ops.beforeRotate = func(doc *mongoWindow) {
		if ops.rotates == 1 {
			// outra requisição renovou a janela entre a leitura e a rotação
			doc.Count = 1
			doc.ExpiresAt = start.Add(time.Minute)
		}
	}

	u, err := incrementWindow(context.Background(), ops, "k", time.Minute, clock.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, u.Used, "counts on top of the window the other request opened")
	assert.True(t, u.Reset.Equal(start.Add(time.Minute)))
	assert.Equal(t, 2, ops.upserts)
	assert.Equal(t, 1, ops.rotates)
}

func TestIncrementWindow_RetriesDuplicateKey(t *testing.T) {
	clock := newFakeClock()
	ops := &fakeWindowOps{dupFirst: 1}

	u, err := incrementWindow(context.Background(), ops, "k", time.Minute, clock.Now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, u.Used)
	assert.Equal(t, 2, ops.upserts)
}

func TestIncrementWindow_GivesUpAfterRepeatedContention(t *testing.T) {
	clock := newFakeClock()
	ops := &fakeWindowOps{dupFirst: mongoRotateAttempts}

	_, err := incrementWindow(context.Background(), ops, "k", time.Minute, clock.Now)
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, backendMongo, se.Backend)
	assert.ErrorIs(t, err, errWindowContention)
}
