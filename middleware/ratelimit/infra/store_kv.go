package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

const (
	backendKV = "kv"

	// menor expiration_ttl aceito pela API do Workers KV
	kvMinTTL = 60 * time.Second

	cloudflareAPI = "https://api.cloudflare.com/client/v4"
)

// KVStore usa a API REST do Workers KV (só get/put/delete).
//
// Best-effort: lê, calcula e grava de volta sem nenhuma primitiva atômica, então
// incrementos concorrentes na mesma chave podem se perder (contagem a menor).
type KVStore struct {
	base  string
	token string
	http  *http.Client
	opts  storeOptions
}

type kvWindow struct {
	Count     int64 `json:"count"`
	ExpiresAt int64 `json:"expiresAt"`
}

// KVNamespaceURL monta a URL base de um namespace na API da Cloudflare.
func KVNamespaceURL(accountID, namespaceID string) string {
	return fmt.Sprintf("%s/accounts/%s/storage/kv/namespaces/%s", cloudflareAPI, url.PathEscape(accountID), url.PathEscape(namespaceID))
}

func NewKVStore(baseURL, token string, client *http.Client, opts ...StoreOption) (*KVStore, error) {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(token) == "" {
		return nil, &domain.ConfigError{Field: "storage.kv", Message: "namespace url and api token required", Err: domain.ErrMissingClient}
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &KVStore{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  client,
		opts:  buildStoreOptions(opts),
	}, nil
}

func (s *KVStore) valueURL(id string) string {
	return s.base + "/values/" + url.PathEscape(id)
}

func (s *KVStore) request(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.http.Do(req)
}

// get devolve (janela, existe, erro).
func (s *KVStore) get(ctx context.Context, id string) (kvWindow, bool, error) {
	resp, err := s.request(ctx, http.MethodGet, s.valueURL(id), nil)
	if err != nil {
		return kvWindow{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return kvWindow{}, false, nil
	}
	if resp.StatusCode >= 300 {
		return kvWindow{}, false, fmt.Errorf("get: status %d", resp.StatusCode)
	}

	var w kvWindow
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&w); err != nil {
		return kvWindow{}, false, fmt.Errorf("%w: %v", domain.ErrMalformedReply, err)
	}
	return w, true, nil
}

func (s *KVStore) put(ctx context.Context, id string, w kvWindow, now time.Time) error {
	body, err := json.Marshal(w)
	if err != nil {
		return err
	}

	ttl := time.UnixMilli(w.ExpiresAt).Sub(now)
	if ttl < kvMinTTL {
		ttl = kvMinTTL
	}
	secs := int64(math.Ceil(ttl.Seconds()))

	resp, err := s.request(ctx, http.MethodPut, s.valueURL(id)+"?expiration_ttl="+strconv.FormatInt(secs, 10), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("put: status %d", resp.StatusCode)
	}
	return nil
}

func (s *KVStore) Increment(ctx context.Context, key string, window time.Duration) (domain.Usage, error) {
	now := s.opts.now()
	id := s.opts.key(key)

	w, ok, err := s.get(ctx, id)
	if err != nil {
		return domain.Usage{}, domain.NewStoreError(backendKV, "increment", err)
	}

	if !ok || w.ExpiresAt <= now.UnixMilli() {
		w = kvWindow{Count: 1, ExpiresAt: now.Add(window).UnixMilli()}
	} else {
		w.Count++
	}

	if err := s.put(ctx, id, w, now); err != nil {
		return domain.Usage{}, domain.NewStoreError(backendKV, "increment", err)
	}
	return domain.NewUsage(w.Count, time.UnixMilli(w.ExpiresAt)), nil
}

func (s *KVStore) Decrement(ctx context.Context, key string) error {
	now := s.opts.now()
	id := s.opts.key(key)

	w, ok, err := s.get(ctx, id)
	if err != nil {
		return domain.NewStoreError(backendKV, "decrement", err)
	}
	if !ok || w.Count <= 0 || w.ExpiresAt <= now.UnixMilli() {
		return nil
	}
	w.Count--
	return domain.NewStoreError(backendKV, "decrement", s.put(ctx, id, w, now))
}

func (s *KVStore) Reset(ctx context.Context, key string) error {
	resp, err := s.request(ctx, http.MethodDelete, s.valueURL(s.opts.key(key)), nil)
	if err != nil {
		return domain.NewStoreError(backendKV, "reset", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return domain.NewStoreError(backendKV, "reset", fmt.Errorf("delete: status %d", resp.StatusCode))
	}
	return nil
}

type kvListReply struct {
	Success bool `json:"success"`
	Result  []struct {
		Name string `json:"name"`
	} `json:"result"`
	ResultInfo struct {
		Cursor string `json:"cursor"`
	} `json:"result_info"`
}

// ActiveKeys usa o endpoint de listagem paginado por cursor.
func (s *KVStore) ActiveKeys(ctx context.Context) ([]string, error) {
	out := []string{}
	cursor := ""
	for {
		q := url.Values{}
		q.Set("prefix", s.opts.prefix)
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		resp, err := s.request(ctx, http.MethodGet, s.base+"/keys?"+q.Encode(), nil)
		if err != nil {
			return nil, domain.NewStoreError(backendKV, "list", err)
		}

		var page kvListReply
		err = json.NewDecoder(io.LimitReader(resp.Body, 1<<22)).Decode(&page)
		status := resp.StatusCode
		resp.Body.Close()
		if status >= 300 {
			return nil, domain.NewStoreError(backendKV, "list", fmt.Errorf("status %d", status))
		}
		if err != nil {
			return nil, domain.NewStoreError(backendKV, "list", fmt.Errorf("%w: %v", domain.ErrMalformedReply, err))
		}

		for _, k := range page.Result {
			out = append(out, s.opts.strip(k.Name))
		}
		if page.ResultInfo.Cursor == "" {
			return out, nil
		}
		cursor = page.ResultInfo.Cursor
	}
}

func (s *KVStore) Close() error {
	if s.opts.owned {
		s.http.CloseIdleConnections()
	}
	return nil
}
