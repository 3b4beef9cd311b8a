package server

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/caching-proxy/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// DefaultUpstreamTimeout 在未配置 UpstreamTimeout 时生效。
const DefaultUpstreamTimeout = 30 * time.Second

// NewUpstreamClient 返回回源共用的 http.Client，重定向按标准库默认策略跟随。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := DefaultUpstreamTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}
