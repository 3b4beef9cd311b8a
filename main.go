package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/any-hub/caching-proxy/internal/config"
	"github.com/any-hub/caching-proxy/internal/logging"
	"github.com/any-hub/caching-proxy/internal/version"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// shutdownTimeout 限制收到退出信号后等待在途请求完成的时间。
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 执行 CLI 并返回退出码，方便测试。参数错误返回 2，其余失败返回 1。
func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	if err := root.Execute(); err != nil {
		var usageErr config.UsageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(stdErr, usageErr.Error())
			return 2
		}
		fmt.Fprintf(stdErr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// cliState 汇总 CLI 解析结果，每次 run 都会重新构建，互不影响。
type cliState struct {
	configPath string
	clearCache bool
}

func newRootCmd() *cobra.Command {
	state := &cliState{}

	root := &cobra.Command{
		Use:   "caching-proxy",
		Short: "Caching reverse proxy for JSON APIs",
		Long: `caching-proxy forwards GET requests to a single origin, stores every
successful JSON response under a key derived from the request path, and serves
subsequent requests for that path from the cache without contacting the origin.`,
		Version:       version.Full(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if state.clearCache {
				return runClearCache(cmd, state)
			}
			return runServe(cmd, state)
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return config.UsageError{Reason: err.Error()}
	})

	root.PersistentFlags().StringVar(&state.configPath, "config", "", "配置文件路径（可被 CACHE_PROXY_CONFIG 覆盖）")
	addServeFlags(root.Flags())
	addStorageFlags(root.Flags())
	root.Flags().BoolVar(&state.clearCache, "clear-cache", false, "清空缓存后退出")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the caching proxy listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, state)
		},
	}
	addServeFlags(serveCmd.Flags())
	addStorageFlags(serveCmd.Flags())

	clearCmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove every cached entry and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClearCache(cmd, state)
		},
	}
	addStorageFlags(clearCmd.Flags())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}

	root.AddCommand(serveCmd, clearCmd, versionCmd)
	return root
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.String("origin", "", "回源地址，例如 https://dummyjson.com")
	fs.Int("port", 8000, "监听端口")
}

func addStorageFlags(fs *pflag.FlagSet) {
	fs.String("storage", "cache", "文件系统缓存根目录")
	fs.String("backend", config.BackendFilesystem, "缓存后端：filesystem、postgres 或 dynamodb")
	fs.String("log-level", "info", "日志级别")
}

// resolveConfigPath 计算配置文件路径，--config 优先于 CACHE_PROXY_CONFIG。
func resolveConfigPath(state *cliState) string {
	if state.configPath != "" {
		return state.configPath
	}
	return os.Getenv("CACHE_PROXY_CONFIG")
}

func loadConfig(cmd *cobra.Command, state *cliState) (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath(state), cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, state *cliState) error {
	cfg, err := loadConfig(cmd, state)
	if err != nil {
		return err
	}
	if err := cfg.RequireOrigin(); err != nil {
		return err
	}

	logger, err := logging.InitLogger(cfg.Global, stdOut)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存后端 → 回源 Handler → Fiber server。
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	fields := logging.BaseFields("startup", resolveConfigPath(state))
	fields["origin"] = cfg.Global.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["backend"] = cfg.Cache.Backend
	fields["include_query"] = cfg.Cache.IncludeQuery
	fields["coalesce_misses"] = cfg.Cache.CoalesceMisses
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return startHTTPServer(ctx, cfg, store, logger)
}

func runClearCache(cmd *cobra.Command, state *cliState) error {
	cfg, err := loadConfig(cmd, state)
	if err != nil {
		return err
	}

	logger, err := logging.InitLogger(cfg.Global, stdOut)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Clear(ctx); err != nil {
		return err
	}

	fields := logging.BaseFields("clear_cache", resolveConfigPath(state))
	fields["backend"] = cfg.Cache.Backend
	logger.WithFields(fields).Info("缓存已清空")

	fmt.Fprintln(stdOut, "Cache cleared successfully.")
	return nil
}
