package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/caching-proxy/internal/cache"
	"github.com/any-hub/caching-proxy/internal/logging"
	"github.com/any-hub/caching-proxy/internal/server"
)

// Resolver 描述 Forwarder 依赖的缓存代理能力，测试中可注入假实现。
type Resolver interface {
	Handle(ctx context.Context, requestPath, rawQuery string) (*Result, error)
	Origin() string
}

// Forwarder 把 Fiber 请求交给 Resolver，并把结果或错误渲染为 JSON 响应。
type Forwarder struct {
	resolver Resolver
	logger   *logrus.Logger
}

// NewForwarder 创建 Forwarder，resolver 为空时每个请求都会返回 500。
func NewForwarder(resolver Resolver, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		resolver: resolver,
		logger:   logger,
	}
}

var _ server.ProxyHandler = (*Forwarder)(nil)

// error_kind 日志字段取值。
const (
	errorKindFetch   = "fetch"
	errorKindParse   = "parse"
	errorKindStorage = "storage"
	errorKindPanic   = "panic"
	errorKindMissing = "handler_missing"
	errorKindOther   = "internal"
)

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	path := string(c.Request().URI().Path())
	query := string(c.Request().URI().QueryString())

	if f.resolver == nil {
		f.logResult(path, "", nil, requestID, started, errorKindMissing, errors.New("proxy_handler_missing"))
		return f.writeError(c, "proxy_handler_missing")
	}

	result, err := f.invoke(c, path, query)
	if err != nil {
		var panicErr *handlerPanic
		if errors.As(err, &panicErr) {
			f.logResult(path, f.resolver.Origin(), nil, requestID, started, errorKindPanic, fmt.Errorf("proxy_handler_panic: %w", err))
			return f.writeError(c, "proxy_handler_panic")
		}
		kind, message := describeError(err)
		f.logResult(path, f.resolver.Origin(), nil, requestID, started, kind, err)
		return f.writeError(c, message)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	c.Set("X-Cache", string(result.Status))
	f.logResult(path, f.resolver.Origin(), result, requestID, started, "", nil)
	return c.Status(fiber.StatusOK).Send(result.Payload)
}

type handlerPanic struct {
	value interface{}
}

func (p *handlerPanic) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func (f *Forwarder) invoke(c fiber.Ctx, path, query string) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &handlerPanic{value: r}
		}
	}()
	return f.resolver.Handle(c.Context(), path, query)
}

// describeError 将错误归类，并生成返回给客户端的 error 文案。
func describeError(err error) (string, string) {
	var (
		fetchErr   *FetchError
		parseErr   *ParseError
		storageErr *cache.StorageError
	)
	switch {
	case errors.As(err, &fetchErr):
		return errorKindFetch, "Error fetching content: " + fetchErr.Error()
	case errors.As(err, &parseErr):
		return errorKindParse, "JSON decode error: " + parseErr.Err.Error()
	case errors.As(err, &storageErr):
		return errorKindStorage, "Cache storage error: " + storageErr.Error()
	default:
		return errorKindOther, "Proxy error: " + err.Error()
	}
}

func (f *Forwarder) writeError(c fiber.Ctx, message string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": message})
}

func (f *Forwarder) logResult(
	path string,
	origin string,
	result *Result,
	requestID string,
	started time.Time,
	errorKind string,
	err error,
) {
	if f.logger == nil {
		return
	}

	status := ""
	if result != nil {
		status = string(result.Status)
	}
	fields := logging.RequestFields(path, origin, status)
	fields["action"] = "proxy"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if result != nil {
		fields["location"] = result.Key.Location()
		if result.Upstream != "" {
			fields["upstream"] = result.Upstream
		}
		if result.Shared {
			fields["coalesced"] = true
		}
	}
	if err != nil {
		fields["error_kind"] = errorKind
		fields["error"] = err.Error()
		f.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	f.logger.WithFields(fields).Info("proxy_complete")
}
