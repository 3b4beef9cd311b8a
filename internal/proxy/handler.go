package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/caching-proxy/internal/cache"
	"github.com/any-hub/caching-proxy/internal/version"
)

// CacheStatus 标记一次响应是否由缓存满足，对外体现为 X-Cache 头。
type CacheStatus string

const (
	StatusHit  CacheStatus = "HIT"
	StatusMiss CacheStatus = "MISS"
)

// Result 是 Handle 的成功结果。Upstream 仅在 miss 时填写实际回源地址。
type Result struct {
	Payload  json.RawMessage
	Status   CacheStatus
	Key      cache.Key
	Upstream string
	// Shared 表示合并回源时当前请求复用了其它请求的结果。
	Shared bool
}

// HandlerOptions 汇总构造 Handler 所需的依赖，Origin 在实例生命周期内不可变。
type HandlerOptions struct {
	Origin string
	Store  cache.Store
	Client *http.Client
	Logger *logrus.Logger
	// IncludeQuery 让查询串参与键派生和回源 URL，默认仅按路径缓存。
	IncludeQuery bool
	// CoalesceMisses 让同一条目的并发 miss 共享一次回源与写入。
	CoalesceMisses bool
}

// Handler 负责 “查缓存 → 回源 → 解析 → 写缓存” 的全流程。命中时从不回源，也不做新鲜度检查。
type Handler struct {
	origin       string
	store        cache.Store
	client       *http.Client
	logger       *logrus.Logger
	includeQuery bool
	coalesce     bool
	group        singleflight.Group
}

// NewHandler 校验依赖并返回 Handler。
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	parsed, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid origin: %q", opts.Origin)
	}

	return &Handler{
		origin:       opts.Origin,
		store:        opts.Store,
		client:       opts.Client,
		logger:       opts.Logger,
		includeQuery: opts.IncludeQuery,
		coalesce:     opts.CoalesceMisses,
	}, nil
}

// Origin 返回构造时注入的回源地址。
func (h *Handler) Origin() string {
	return h.origin
}

// Handle 为 requestPath 返回缓存或新取回的 JSON。
// 失败时返回 *cache.StorageError、*FetchError 或 *ParseError，且不会写入缓存。
func (h *Handler) Handle(ctx context.Context, requestPath, rawQuery string) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	key := cache.DeriveKey(cache.KeyInput(requestPath, rawQuery, h.includeQuery), h.origin)

	payload, found, err := h.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return &Result{Payload: payload, Status: StatusHit, Key: key}, nil
	}

	target := h.upstreamURL(requestPath, rawQuery)
	if !h.coalesce {
		payload, err := h.fetchAndStore(ctx, key, target)
		if err != nil {
			return nil, err
		}
		return &Result{Payload: payload, Status: StatusMiss, Key: key, Upstream: target}, nil
	}

	// 共享回源不跟随单个请求取消，仍受 http.Client 超时约束。
	shared := context.WithoutCancel(ctx)
	value, err, isShared := h.group.Do(key.Location(), func() (interface{}, error) {
		return h.fetchAndStore(shared, key, target)
	})
	if err != nil {
		return nil, err
	}
	if isShared {
		h.logger.WithFields(logrus.Fields{
			"action":   "coalesce",
			"location": key.Location(),
		}).Debug("miss_coalesced")
	}
	return &Result{
		Payload:  value.(json.RawMessage),
		Status:   StatusMiss,
		Key:      key,
		Upstream: target,
		Shared:   isShared,
	}, nil
}

// fetchAndStore 回源并解析，只有解析成功后才写缓存。
func (h *Handler) fetchAndStore(ctx context.Context, key cache.Key, target string) (json.RawMessage, error) {
	payload, err := h.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := h.store.Put(ctx, key, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (h *Handler) fetch(ctx context.Context, target string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "caching-proxy/"+version.Version)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, body); err != nil {
		return nil, &ParseError{URL: target, Err: err}
	}
	return json.RawMessage(compacted.Bytes()), nil
}

// upstreamURL 直接拼接 origin 与路径，不做额外转义。
func (h *Handler) upstreamURL(requestPath, rawQuery string) string {
	target := h.origin + requestPath
	if h.includeQuery && rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}
