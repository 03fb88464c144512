package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/snapproxy/internal/server"
)

// drainLimit 限制丢弃重定向响应体时最多读取的字节数。
const drainLimit = 64 << 10

// upstreamResponse 是经过状态码与 Content-Range 校验后的上游响应。
type upstreamResponse struct {
	*http.Response
	// Offset 是本次回源的起始字节（续传时为 .part 的大小）。
	Offset int64
	// Total 是完整文件长度，未知时为 -1。
	Total int64
	// Redirected 表示经过了一次 302。
	Redirected bool
}

// declared 返回本次调用中上游声明要发送的字节数，未知时为 -1。
// 续传响应没有 Content-Length 时以 Content-Range 推算。
func (r *upstreamResponse) declared() int64 {
	if r.ContentLength >= 0 {
		return r.ContentLength
	}
	if r.Offset > 0 && r.Total > r.Offset {
		return r.Total - r.Offset
	}
	return -1
}

// upstreamTarget 以客户端请求的绝对 URI 为回源地址；配置了 Upstream 时仅替换 scheme 与 host。
func (h *Handler) upstreamTarget(rawURI string) (*url.URL, error) {
	target, err := url.Parse(rawURI)
	if err != nil {
		return nil, err
	}
	target.Fragment = ""
	if h.upstream != nil {
		target.Scheme = h.upstream.Scheme
		target.Host = h.upstream.Host
	}
	return target, nil
}

// openUpstream 发起回源请求：有 .part 时带 Range 续传，至多跟随一次前缀受限的 302，
// 并校验状态码。返回错误时响应体已关闭。
func (h *Handler) openUpstream(c fiber.Ctx, offset int64) (*upstreamResponse, error) {
	target, err := h.upstreamTarget(string(c.Request().Header.RequestURI()))
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}
	headers := forwardHeaders(c)

	resp, err := h.doUpstream(target, headers, offset)
	if err != nil {
		return nil, err
	}

	redirected := false
	if resp.StatusCode == http.StatusFound {
		next, err := h.redirectTarget(target, resp.Header.Get("Location"))
		discardBody(resp)
		if err != nil {
			return nil, err
		}
		if resp, err = h.doUpstream(next, headers, offset); err != nil {
			return nil, err
		}
		if isRedirect(resp.StatusCode) {
			discardBody(resp)
			return nil, fmt.Errorf("%w: second redirect to %q", errRedirectViolation, resp.Header.Get("Location"))
		}
		redirected = true
	} else if isRedirect(resp.StatusCode) {
		discardBody(resp)
		return nil, fmt.Errorf("%w: status %d", errRedirectViolation, resp.StatusCode)
	}

	checked, err := validateUpstream(resp, offset)
	if err != nil {
		discardBody(resp)
		return nil, err
	}
	checked.Redirected = redirected
	return checked, nil
}

func (h *Handler) doUpstream(target *url.URL, headers http.Header, offset int64) (*http.Response, error) {
	// 请求体写入发生在 handler 返回之后，不能绑定 fiber 请求上下文。
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	req.Host = target.Host
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	return h.client.Do(req)
}

// redirectTarget 只接受同源、路径位于 RedirectPrefix 之下的 Location。
func (h *Handler) redirectTarget(from *url.URL, location string) (*url.URL, error) {
	if location == "" {
		return nil, fmt.Errorf("%w: 302 without Location", errRedirectViolation)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRedirectViolation, err)
	}
	next := from.ResolveReference(ref)
	if next.Scheme != from.Scheme || next.Host != from.Host {
		return nil, fmt.Errorf("%w: cross-origin location %q", errRedirectViolation, location)
	}
	if !strings.HasPrefix(next.Path, h.archive.RedirectPrefix) {
		return nil, fmt.Errorf("%w: location %q outside %s", errRedirectViolation, location, h.archive.RedirectPrefix)
	}
	return next, nil
}

// validateUpstream 检查新下载必须为 200，续传必须为 206 且 Content-Range 从 offset 开始覆盖到文件末尾。
func validateUpstream(resp *http.Response, offset int64) (*upstreamResponse, error) {
	if offset == 0 {
		if resp.StatusCode != http.StatusOK {
			return nil, &upstreamStatusError{Status: resp.StatusCode}
		}
		return &upstreamResponse{Response: resp, Total: resp.ContentLength}, nil
	}

	if resp.StatusCode != http.StatusPartialContent {
		return nil, &upstreamStatusError{Status: resp.StatusCode, Resume: true}
	}
	start, end, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
	if !ok || start != offset || end != total-1 {
		return nil, fmt.Errorf("%w: requested %d-, got %q", errContentRange, offset, resp.Header.Get("Content-Range"))
	}
	if resp.ContentLength >= 0 && resp.ContentLength != total-offset {
		return nil, fmt.Errorf("%w: content-length %d for range %d-%d", errContentRange, resp.ContentLength, start, end)
	}
	return &upstreamResponse{Response: resp, Offset: offset, Total: total}, nil
}

// forwardHeaders 复制客户端请求头，去掉 hop-by-hop、Range、Accept-Encoding 以及由 Transport 维护的字段。
func forwardHeaders(c fiber.Ctx) http.Header {
	src := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		src.Add(string(key), string(value))
	})

	dst := http.Header{}
	server.CopyHeaders(dst, src)
	for _, key := range []string{"Host", "Range", "If-Range", "Accept-Encoding", "Content-Length"} {
		dst.Del(key)
	}
	return dst
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func discardBody(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
	resp.Body.Close()
}
