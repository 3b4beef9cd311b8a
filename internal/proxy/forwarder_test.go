package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/caching-proxy/internal/cache"
)

const requestIDKey = "_cacheproxy_request_id"

type fakeResolver struct {
	result    *Result
	err       error
	panicWith interface{}
	lastPath  string
	lastQuery string
}

func (r *fakeResolver) Handle(ctx context.Context, requestPath, rawQuery string) (*Result, error) {
	r.lastPath = requestPath
	r.lastQuery = rawQuery
	if r.panicWith != nil {
		panic(r.panicWith)
	}
	return r.result, r.err
}

func (r *fakeResolver) Origin() string {
	return "https://origin.test"
}

func newForwarderCtx(t *testing.T, uri, reqID string) (fiber.Ctx, func()) {
	t.Helper()
	app := fiber.New()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	ctx.Request().SetRequestURI(uri)
	ctx.Locals(requestIDKey, reqID)
	return ctx, func() {
		app.ReleaseCtx(ctx)
		_ = app.Shutdown()
	}
}

func newBufferLogger() (*logrus.Logger, *bytes.Buffer) {
	logger := logrus.New()
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, buf
}

func TestForwarderMissingHandler(t *testing.T) {
	ctx, release := newForwarderCtx(t, "/products/1", "missing-req")
	defer release()

	logger, logBuf := newBufferLogger()
	forwarder := NewForwarder(nil, logger)

	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing handler, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "proxy_handler_missing") {
		t.Fatalf("expected error body to mention proxy_handler_missing, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "proxy_handler_missing") {
		t.Fatalf("expected log to mention proxy_handler_missing, got %s", logBuf.String())
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	ctx, release := newForwarderCtx(t, "/explode", "panic-req")
	defer release()

	logger, logBuf := newBufferLogger()
	forwarder := NewForwarder(&fakeResolver{panicWith: "boom"}, logger)

	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "proxy_handler_panic") {
		t.Fatalf("expected error body to mention proxy_handler_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "proxy_handler_panic") {
		t.Fatalf("expected log to mention proxy_handler_panic, got %s", logBuf.String())
	}
	if !strings.Contains(logBuf.String(), "panic-req") {
		t.Fatalf("expected log to include panic request id, got %s", logBuf.String())
	}
}

func TestForwarderErrorBodies(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		prefix string
		kind   string
	}{
		{
			name:   "fetch",
			err:    &FetchError{URL: "https://origin.test/x", StatusCode: 404},
			prefix: "Error fetching content: ",
			kind:   errorKindFetch,
		},
		{
			name:   "parse",
			err:    &ParseError{URL: "https://origin.test/x", Err: errors.New("invalid character '<'")},
			prefix: "JSON decode error: invalid character",
			kind:   errorKindParse,
		},
		{
			name:   "storage",
			err:    cache.NewStorageError("put", "ns/abc.json", errors.New("disk full")),
			prefix: "Cache storage error: ",
			kind:   errorKindStorage,
		},
		{
			name:   "other",
			err:    errors.New("unexpected"),
			prefix: "Proxy error: unexpected",
			kind:   errorKindOther,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, release := newForwarderCtx(t, "/x", "err-req")
			defer release()

			logger, logBuf := newBufferLogger()
			forwarder := NewForwarder(&fakeResolver{err: tc.err}, logger)
			if err := forwarder.Handle(ctx); err != nil {
				t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
			}
			if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", status)
			}

			var body map[string]string
			if err := json.Unmarshal(ctx.Response().Body(), &body); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if !strings.HasPrefix(body["error"], tc.prefix) {
				t.Fatalf("expected error %q to start with %q", body["error"], tc.prefix)
			}
			if !strings.Contains(logBuf.String(), `"error_kind":"`+tc.kind+`"`) {
				t.Fatalf("expected error_kind %s in log, got %s", tc.kind, logBuf.String())
			}
		})
	}
}

func TestForwarderSuccessHeaders(t *testing.T) {
	ctx, release := newForwarderCtx(t, "/products/1?limit=5", "ok-req")
	defer release()

	resolver := &fakeResolver{result: &Result{
		Payload: json.RawMessage(`{"id":1}`),
		Status:  StatusHit,
		Key:     cache.DeriveKey("/products/1", "https://origin.test"),
	}}
	logger, logBuf := newBufferLogger()
	forwarder := NewForwarder(resolver, logger)

	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body := string(ctx.Response().Body()); body != `{"id":1}` {
		t.Fatalf("unexpected body %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Cache")); got != "HIT" {
		t.Fatalf("expected X-Cache HIT, got %s", got)
	}
	if got := string(ctx.Response().Header.ContentType()); !strings.HasPrefix(got, "application/json") {
		t.Fatalf("expected JSON content type, got %s", got)
	}
	if resolver.lastPath != "/products/1" || resolver.lastQuery != "limit=5" {
		t.Fatalf("unexpected resolver input path=%s query=%s", resolver.lastPath, resolver.lastQuery)
	}
	if !strings.Contains(logBuf.String(), "proxy_complete") || !strings.Contains(logBuf.String(), "ok-req") {
		t.Fatalf("expected completion log with request id, got %s", logBuf.String())
	}
}
