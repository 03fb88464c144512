package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gofiber/fiber/v3"
)

var (
	// errRedirectViolation 表示上游的重定向不符合约定：非 302、目标不在允许前缀下或出现二次重定向。
	errRedirectViolation = errors.New("unexpected upstream redirect")
	// errContentRange 表示续传响应的 Content-Range 与请求的偏移量不一致。
	errContentRange = errors.New("upstream content-range mismatch")
)

// upstreamStatusError 记录上游返回的非预期状态码。
type upstreamStatusError struct {
	Status int
	Resume bool
}

func (e *upstreamStatusError) Error() string {
	if e.Resume {
		return fmt.Sprintf("upstream answered resume with status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

// classifyUpstreamError 把回源阶段的错误映射为响应状态码与错误码。
func classifyUpstreamError(err error) (int, string) {
	var statusErr *upstreamStatusError
	if errors.As(err, &statusErr) {
		if statusErr.Status >= 200 && statusErr.Status < 300 {
			return fiber.StatusBadGateway, "upstream_status"
		}
		return statusErr.Status, "upstream_status"
	}
	if errors.Is(err, errRedirectViolation) || errors.Is(err, errContentRange) {
		return fiber.StatusBadGateway, "upstream_protocol"
	}
	if isTimeout(err) {
		return fiber.StatusGatewayTimeout, "upstream_timeout"
	}
	return fiber.StatusBadGateway, "upstream_failed"
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	if status < http.StatusBadRequest || status > 599 {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}
