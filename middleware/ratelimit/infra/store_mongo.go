package infra

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	backendMongo = "mongo"

	// tentativas de rotação quando outra requisição renova a mesma janela ao mesmo tempo
	mongoRotateAttempts = 3
)

var errWindowContention = errors.New("window rotated concurrently too many times")

type mongoWindow struct {
	Key       string    `bson:"_id"`
	Count     int64     `bson:"count"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// MongoStore conta com upsert condicional ($inc + $setOnInsert) em um único
// FindOneAndUpdate, lendo count e expiresAt do mesmo resultado.
//
// O índice TTL em expiresAt só faz a limpeza passiva; a expiração lógica é
// conferida aqui pelo expiresAt armazenado.
type MongoStore struct {
	coll   *mongo.Collection
	client *mongo.Client
	opts   storeOptions

	indexMu    sync.Mutex
	indexReady bool
}

func NewMongoStore(coll *mongo.Collection, opts ...StoreOption) (*MongoStore, error) {
	if coll == nil {
		return nil, &domain.ConfigError{Field: "storage.mongo", Message: "collection or uri required", Err: domain.ErrMissingClient}
	}
	return &MongoStore{
		coll:   coll,
		client: coll.Database().Client(),
		opts:   buildStoreOptions(opts),
	}, nil
}

func (s *MongoStore) ensureIndex(ctx context.Context) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.indexReady {
		return nil
	}

	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("expiresAt_ttl"),
	})
	if err != nil {
		return err
	}
	s.indexReady = true
	return nil
}

func (s *MongoStore) Increment(ctx context.Context, key string, window time.Duration) (domain.Usage, error) {
	if err := s.ensureIndex(ctx); err != nil {
		return domain.Usage{}, domain.NewStoreError(backendMongo, "ensure index", err)
	}
	return incrementWindow(ctx, mongoCollectionOps{s.coll}, s.opts.key(key), window, s.opts.now)
}

// mongoWindowOps são as duas escritas do incremento.
type mongoWindowOps interface {
	// upsert soma 1 e só grava expiresAt quando o documento é criado.
	upsert(ctx context.Context, id string, expiresAt time.Time) (mongoWindow, error)
	// rotate reinicia a janela se o expiresAt ainda for prev; senão mongo.ErrNoDocuments.
	rotate(ctx context.Context, id string, prev, next time.Time) (mongoWindow, error)
}

type mongoCollectionOps struct{ coll *mongo.Collection }

func (o mongoCollectionOps) upsert(ctx context.Context, id string, expiresAt time.Time) (mongoWindow, error) {
	var doc mongoWindow
	err := o.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc":         bson.M{"count": 1},
			"$setOnInsert": bson.M{"expiresAt": expiresAt},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	return doc, err
}

func (o mongoCollectionOps) rotate(ctx context.Context, id string, prev, next time.Time) (mongoWindow, error) {
	var doc mongoWindow
	err := o.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "expiresAt": prev},
		bson.M{"$set": bson.M{"count": int64(1), "expiresAt": next}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	return doc, err
}

func incrementWindow(ctx context.Context, ops mongoWindowOps, id string, window time.Duration, clock func() time.Time) (domain.Usage, error) {
	for attempt := 0; attempt < mongoRotateAttempts; attempt++ {
		now := clock()

		doc, err := ops.upsert(ctx, id, now.Add(window))
		if mongo.IsDuplicateKeyError(err) {
			// dois upserts simultâneos na mesma chave: o perdedor tenta de novo
			continue
		}
		if err != nil {
			return domain.Usage{}, domain.NewStoreError(backendMongo, "increment", err)
		}

		if now.Before(doc.ExpiresAt) {
			return domain.NewUsage(doc.Count, doc.ExpiresAt), nil
		}

		// janela vencida: reinicia só se ninguém a renovou desde a leitura
		rotated, err := ops.rotate(ctx, id, doc.ExpiresAt, now.Add(window))
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return domain.Usage{}, domain.NewStoreError(backendMongo, "rotate", err)
		}
		return domain.NewUsage(rotated.Count, rotated.ExpiresAt), nil
	}
	return domain.Usage{}, domain.NewStoreError(backendMongo, "increment", errWindowContention)
}

func (s *MongoStore) Decrement(ctx context.Context, key string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id":       s.opts.key(key),
			"count":     bson.M{"$gt": 0},
			"expiresAt": bson.M{"$gt": s.opts.now()},
		},
		bson.M{"$inc": bson.M{"count": -1}},
	)
	return domain.NewStoreError(backendMongo, "decrement", err)
}

func (s *MongoStore) Reset(ctx context.Context, key string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": s.opts.key(key)})
	return domain.NewStoreError(backendMongo, "reset", err)
}

func (s *MongoStore) ActiveKeys(ctx context.Context) ([]string, error) {
	cur, err := s.coll.Find(ctx,
		bson.M{"expiresAt": bson.M{"$gt": s.opts.now()}},
		options.Find().SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return nil, domain.NewStoreError(backendMongo, "find", err)
	}
	defer cur.Close(ctx)

	out := []string{}
	for cur.Next(ctx) {
		var doc struct {
			Key string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, domain.NewStoreError(backendMongo, "decode", err)
		}
		if strings.HasPrefix(doc.Key, s.opts.prefix) {
			out = append(out, s.opts.strip(doc.Key))
		}
	}
	if err := cur.Err(); err != nil {
		return nil, domain.NewStoreError(backendMongo, "cursor", err)
	}
	return out, nil
}

func (s *MongoStore) Close() error {
	if !s.opts.owned || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
