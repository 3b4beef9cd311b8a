package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/caching-proxy/internal/cache"
	"github.com/any-hub/caching-proxy/internal/cache/dynamodb"
	"github.com/any-hub/caching-proxy/internal/cache/postgres"
	"github.com/any-hub/caching-proxy/internal/config"
	"github.com/any-hub/caching-proxy/internal/proxy"
	"github.com/any-hub/caching-proxy/internal/server"
)

// openStore 按配置的后端构造 cache.Store，返回的 close 函数总是可以安全调用。
func openStore(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	noop := func() {}

	switch cfg.Cache.Backend {
	case config.BackendPostgres:
		store, err := postgres.Open(ctx, cfg.Cache.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("初始化 postgres 缓存失败: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case config.BackendDynamoDB:
		store, err := dynamodb.Open(ctx, dynamodb.Config{
			Table:    cfg.Cache.DynamoTable,
			Region:   cfg.Cache.DynamoRegion,
			Endpoint: cfg.Cache.DynamoEndpoint,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("初始化 dynamodb 缓存失败: %w", err)
		}
		return store, noop, nil
	default:
		store, err := cache.NewStore(cfg.Global.StoragePath)
		if err != nil {
			return nil, noop, fmt.Errorf("初始化缓存目录失败: %w", err)
		}
		return store, noop, nil
	}
}

// startHTTPServer 启动 Fiber 并阻塞到 ctx 结束，随后优雅关闭。
func startHTTPServer(ctx context.Context, cfg *config.Config, store cache.Store, logger *logrus.Logger) error {
	handler, err := proxy.NewHandler(proxy.HandlerOptions{
		Origin:         cfg.Global.Origin,
		Store:          store,
		Client:         server.NewUpstreamClient(cfg),
		Logger:         logger,
		IncludeQuery:   cfg.Cache.IncludeQuery,
		CoalesceMisses: cfg.Cache.CoalesceMisses,
	})
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
		"origin": handler.Origin(),
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
