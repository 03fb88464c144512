package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/snapproxy/internal/cache"
	"github.com/any-hub/snapproxy/internal/config"
	"github.com/any-hub/snapproxy/internal/logging"
	"github.com/any-hub/snapproxy/internal/version"
)

// State 描述服务生命周期阶段。
type State int

const (
	StateUninitialized State = iota
	StateListening
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrInvalidState 表示在不允许的生命周期阶段调用了 Start/Close。
var ErrInvalidState = errors.New("invalid server state")

// Options 汇总构建 Server 所需依赖。
type Options struct {
	Config *config.Config
	Logger *logrus.Logger
	Store  *cache.Store
	Proxy  ProxyHandler
}

// Server 将缓存目录、Fiber 应用与监听 socket 绑定在一起。
type Server struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  *cache.Store
	app    *fiber.App
	gate   chan struct{}

	drainMu sync.Mutex
	drained bool

	mu       sync.Mutex
	state    State
	listener net.Listener
	port     int
	serveErr error
	done     chan struct{}
}

// Status 是 /-/status 诊断接口的返回体。
type Status struct {
	State        string   `json:"state"`
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	CacheDir     string   `json:"cache_dir"`
	Ephemeral    bool     `json:"ephemeral"`
	PartialFiles []string `json:"partial_files"`
	Version      string   `json:"version"`
}

// New 准备缓存根目录、检查残留的 .part 文件并构建 Fiber 应用，此时尚未监听。
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}

	if err := opts.Store.Prepare(); err != nil {
		return nil, err
	}

	partials, err := opts.Store.ScanPartials()
	if err != nil {
		return nil, fmt.Errorf("scan partial files: %w", err)
	}
	for _, p := range partials {
		fields := logging.BaseFields("startup_scan", "")
		fields["partial"] = p
		opts.Logger.WithFields(fields).Warn("发现残留的下载临时文件，如无其他进程使用可手动删除")
	}

	gate := make(chan struct{}, 1)
	app, err := NewApp(AppOptions{Logger: opts.Logger, Proxy: opts.Proxy, Gate: gate})
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:    opts.Config,
		logger: opts.Logger,
		store:  opts.Store,
		app:    app,
		gate:   gate,
		state:  StateUninitialized,
	}, nil
}

// App 暴露底层 Fiber 应用，供注册诊断路由；必须在 Start 前完成注册。
func (s *Server) App() *fiber.App {
	return s.app
}

// Start 绑定监听地址（端口 0 表示自动分配）并在独立 goroutine 中提供服务，返回实际端口。
func (s *Server) Start() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return 0, fmt.Errorf("%w: start while %s", ErrInvalidState, s.state)
	}

	ln, err := net.Listen("tcp", s.cfg.Global.ListenAddr())
	if err != nil {
		return 0, fmt.Errorf("listen %s: %w", s.cfg.Global.ListenAddr(), err)
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return 0, fmt.Errorf("unexpected listener address %s", ln.Addr())
	}

	s.listener = ln
	s.port = tcpAddr.Port
	s.done = make(chan struct{})
	s.state = StateListening

	go s.serve(ln, s.done)

	s.logger.WithFields(logrus.Fields{
		"action":    "listen",
		"address":   tcpAddr.String(),
		"cache_dir": s.store.BasePath(),
		"ephemeral": s.store.Ephemeral(),
	}).Info("代理服务开始监听")
	return s.port, nil
}

func (s *Server) serve(ln net.Listener, done chan struct{}) {
	defer close(done)
	err := s.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.mu.Lock()
		s.serveErr = err
		s.mu.Unlock()
		s.logger.WithField("action", "serve").WithError(err).Error("代理服务异常退出")
	}
}

// Close 停止接收新连接，等待服务 goroutine 退出以及进行中的代理请求写完响应体，随后清理临时缓存目录。
// ctx 到期时返回错误并保持 draining 状态，此时不会清理缓存，可以再次调用 Close 继续等待。
// 重复调用是安全的。持久缓存目录永远不会被删除。
func (s *Server) Close(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	prev := s.state
	done := s.done
	if prev == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDraining
	s.mu.Unlock()

	if prev == StateListening {
		if err := s.stopListening(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for serve loop: %w", ctx.Err()))
			return errors.Join(errs...)
		}
		if err := s.drain(ctx); err != nil {
			errs = append(errs, err)
			return errors.Join(errs...)
		}
	}

	if err := s.store.Cleanup(s.cfg.Archive.RepoRoot); err != nil {
		errs = append(errs, fmt.Errorf("cleanup cache: %w", err))
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	if s.serveErr != nil {
		errs = append(errs, s.serveErr)
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"action":    "shutdown",
		"ephemeral": s.store.Ephemeral(),
	}).Info("代理服务已关闭")
	return errors.Join(errs...)
}

// stopListening 通知 fiber 停止服务并关闭监听 socket。
// fasthttp 尚未登记 listener 时 Shutdown 无法唤醒 Accept，因此这里总是自行关闭一次。
func (s *Server) stopListening(ctx context.Context) error {
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	return errors.Join(errs...)
}

// drain 占住串行闸门，确保没有代理请求仍在写缓存。闸门一旦取得就不再释放。
func (s *Server) drain(ctx context.Context) error {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.drained {
		return nil
	}
	select {
	case s.gate <- struct{}{}:
	default:
		select {
		case s.gate <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("wait for in-flight request: %w", ctx.Err())
		}
	}
	s.drained = true
	return nil
}

// Port 返回实际监听端口，未启动时为 0。
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// State 返回当前生命周期阶段。
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status 汇总诊断信息，包括当前缓存目录中所有 .part 文件。
func (s *Server) Status() Status {
	s.mu.Lock()
	status := Status{
		State:     s.state.String(),
		Port:      s.port,
		CacheDir:  s.store.BasePath(),
		Ephemeral: s.store.Ephemeral(),
		Version:   version.Full(),
	}
	if s.listener != nil {
		status.Address = s.listener.Addr().String()
	}
	s.mu.Unlock()

	partials, err := s.store.ScanPartials()
	if err != nil {
		s.logger.WithField("action", "status").WithError(err).Warn("扫描临时文件失败")
	}
	status.PartialFiles = partials
	if status.PartialFiles == nil {
		status.PartialFiles = []string{}
	}
	return status
}
