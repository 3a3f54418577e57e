package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

const backendUpstash = "upstash"

// UpstashStore fala com um Redis exposto por REST (formato Upstash): cada
// operação é um POST com o comando em um array JSON.
//
// Usa o mesmo script de incremento do RedisStore, então a regra de TTL é a mesma.
// Não há enumeração de chaves: ActiveKeys devolve lista vazia.
type UpstashStore struct {
	url   string
	token string
	http  *http.Client
	opts  storeOptions
}

func NewUpstashStore(url, token string, client *http.Client, opts ...StoreOption) (*UpstashStore, error) {
	if strings.TrimSpace(url) == "" || strings.TrimSpace(token) == "" {
		return nil, &domain.ConfigError{Field: "storage.upstash", Message: "url and token required", Err: domain.ErrMissingClient}
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &UpstashStore{
		url:   strings.TrimRight(url, "/"),
		token: token,
		http:  client,
		opts:  buildStoreOptions(opts),
	}, nil
}

type upstashReply struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
}

func (s *UpstashStore) do(ctx context.Context, cmd ...string) (any, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var out upstashReply
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedReply, err)
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return out.Result, nil
}

func (s *UpstashStore) Increment(ctx context.Context, key string, window time.Duration) (domain.Usage, error) {
	now := s.opts.now()

	reply, err := s.do(ctx, "EVAL", incrementLua, "1", s.opts.key(key), strconv.FormatInt(window.Milliseconds(), 10))
	if err != nil {
		return domain.Usage{}, domain.NewStoreError(backendUpstash, "increment", err)
	}
	count, ttl, err := ParseCounterReply(reply)
	if err != nil {
		return domain.Usage{}, domain.NewStoreError(backendUpstash, "increment", err)
	}
	return domain.NewUsage(count, now.Add(time.Duration(ttl)*time.Millisecond)), nil
}

func (s *UpstashStore) Decrement(ctx context.Context, key string) error {
	_, err := s.do(ctx, "EVAL", decrementLua, "1", s.opts.key(key))
	return domain.NewStoreError(backendUpstash, "decrement", err)
}

func (s *UpstashStore) Reset(ctx context.Context, key string) error {
	_, err := s.do(ctx, "DEL", s.opts.key(key))
	return domain.NewStoreError(backendUpstash, "reset", err)
}

func (s *UpstashStore) ActiveKeys(context.Context) ([]string, error) {
	return []string{}, nil
}

func (s *UpstashStore) Close() error {
	if s.opts.owned {
		s.http.CloseIdleConnections()
	}
	return nil
}
