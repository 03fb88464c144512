package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/any-hub/snapproxy/internal/cache"
	"github.com/any-hub/snapproxy/internal/config"
	"github.com/any-hub/snapproxy/internal/logging"
	"github.com/any-hub/snapproxy/internal/proxy"
	"github.com/any-hub/snapproxy/internal/server"
	"github.com/any-hub/snapproxy/internal/server/routes"
	"github.com/any-hub/snapproxy/internal/version"
)

const (
	ephemeralPrefix = "snapproxy-"
	shutdownTimeout = 30 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	overrides   config.Overrides
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, opts)
	stop()
	os.Exit(code)
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。ctx 取消即开始优雅关闭。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}
	if err := cfg.ApplyOverrides(opts.overrides); err != nil {
		fmt.Fprintf(stdErr, "命令行参数无效: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["listen"] = cfg.Global.ListenAddr()
		fields["ephemeral"] = cfg.Ephemeral()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存目录 → 上游 client/代理 handler → server，关闭时按相反顺序清理。
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	handler := proxy.NewHandler(server.NewUpstreamClient(cfg), logger, store, cfg)
	srv, err := server.New(server.Options{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Proxy:  handler,
	})
	if err != nil {
		_ = store.Cleanup(cfg.Archive.RepoRoot)
		fmt.Fprintf(stdErr, "构建代理服务失败: %v\n", err)
		return 1
	}
	routes.RegisterStatusRoutes(srv.App(), srv)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_dir"] = store.BasePath()
	fields["ephemeral"] = store.Ephemeral()
	fields["download_rate"] = cfg.Global.DownloadRate.String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	port, err := srv.Start()
	if err != nil {
		_ = srv.Close(context.Background())
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdOut, port)

	<-ctx.Done()
	return shutdown(srv, logger)
}

func shutdown(srv *server.Server, logger *logrus.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Close(ctx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Error("关闭代理服务失败")
		return 1
	}
	return 0
}

func openStore(cfg *config.Config) (*cache.Store, error) {
	if cfg.Ephemeral() {
		return cache.NewEphemeralStore(ephemeralPrefix)
	}
	return cache.NewStore(cfg.Global.CacheDir)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("snapproxy", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		cacheDir   string
		listen     string
		port       int
		opts       cliOptions
	)

	fs.StringVarP(&configFlag, "config", "c", "", "配置文件路径（可被 SNAPPROXY_CONFIG 指定，缺省时只使用默认值与环境变量）")
	fs.StringVar(&cacheDir, "cache-dir", "", "持久缓存目录，缺省时使用临时目录并在退出时清理")
	fs.StringVar(&listen, "listen", "", "监听地址，仅允许回环地址")
	fs.IntVarP(&port, "port", "p", 0, "监听端口，0 表示自动分配")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("未知参数: %v", fs.Args())
	}

	if fs.Changed("cache-dir") {
		opts.overrides.CacheDir = &cacheDir
	}
	if fs.Changed("listen") {
		opts.overrides.ListenAddress = &listen
	}
	if fs.Changed("port") {
		opts.overrides.ListenPort = &port
	}

	opts.configPath = os.Getenv(config.EnvPrefix + "_CONFIG")
	if configFlag != "" {
		opts.configPath = configFlag
	}
	return opts, nil
}
