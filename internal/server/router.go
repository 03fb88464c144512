package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for answering proxy-form
// requests. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Proxy  ProxyHandler
	// Gate 是容量为 1 的串行闸门，为空时自动创建。Server 持有它以便关闭时等待进行中的请求。
	Gate chan struct{}
}

const (
	contextKeyRequestID = "_snapproxy_request_id"
	contextKeySerial    = "_snapproxy_serial"
)

// NewApp builds a Fiber application with request ID, serial gate and
// structured error handling. Diagnostics routes (/-/...) are registered by
// the caller and bypass the gate.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	gate := opts.Gate
	if gate == nil {
		gate = make(chan struct{}, 1)
	}
	app.Use(serialMiddleware(gate))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(rawRequestURI(c)) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// serialSlot 记录当前请求持有的串行槽位。detached 之后由接管者负责释放。
type serialSlot struct {
	once     sync.Once
	gate     chan struct{}
	detached bool
}

func (s *serialSlot) release() {
	s.once.Do(func() { <-s.gate })
}

// serialMiddleware 保证同一时刻只处理一个代理请求，槽位一直持有到响应体写完为止。
func serialMiddleware(gate chan struct{}) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(rawRequestURI(c)) {
			return c.Next()
		}

		gate <- struct{}{}
		slot := &serialSlot{gate: gate}
		c.Locals(contextKeySerial, slot)

		err := c.Next()
		if !slot.detached {
			slot.release()
		}
		return err
	}
}

// DetachSerial 把当前请求的串行槽位交给调用方，调用方必须在响应体写完后调用返回的函数。
// 没有槽位时返回空操作。
func DetachSerial(c fiber.Ctx) func() {
	slot, ok := c.Locals(contextKeySerial).(*serialSlot)
	if !ok || slot == nil {
		return func() {}
	}
	slot.detached = true
	return slot.release
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := "internal_error"
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
			code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		}
		logger.WithFields(logrus.Fields{
			"action":     "request_error",
			"request_id": RequestID(c),
			"status":     status,
		}).WithError(err).Error("请求处理失败")
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func rawRequestURI(c fiber.Ctx) string {
	return string(c.Request().Header.RequestURI())
}

// isDiagnosticsPath 只接受 origin-form 的 /-/ 路径；代理请求总是绝对 URI。
func isDiagnosticsPath(uri string) bool {
	return strings.HasPrefix(uri, "/-/")
}
