package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/any-hub/snapproxy/internal/cache"
	"github.com/any-hub/snapproxy/internal/config"
	"github.com/any-hub/snapproxy/internal/logging"
	"github.com/any-hub/snapproxy/internal/server"
)

// Handler 负责 orchestrate “校验路径 → 链接 pool → 命中直接返回 → 回源边传边写 → finalize” 的全流程。
// 请求由 server 的串行闸门保证逐个处理，Handler 自身不做并发控制。
type Handler struct {
	client   *http.Client
	logger   *logrus.Logger
	store    *cache.Store
	archive  config.ArchiveConfig
	upstream *url.URL
	limiter  *rate.Limiter
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/store.
func NewHandler(client *http.Client, logger *logrus.Logger, store *cache.Store, cfg *config.Config) *Handler {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Handler{
		client:   client,
		logger:   logger,
		store:    store,
		archive:  cfg.Archive,
		upstream: cfg.Archive.UpstreamURL(),
		limiter:  newLimiter(cfg.Global.DownloadRate.BytesPerSecond()),
	}
}

// requestLog 在请求各阶段间传递日志上下文。
type requestLog struct {
	id      string
	started time.Time
	loc     cache.Locator
	state   cache.EntryState
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	rl := requestLog{id: server.RequestID(c), started: time.Now()}

	if c.Method() != fiber.MethodGet {
		h.logRejected(rl, c, fiber.StatusNotImplemented, nil)
		return h.writeError(c, fiber.StatusNotImplemented, "method_not_implemented")
	}
	if len(c.Body()) > 0 || c.Request().Header.ContentLength() > 0 {
		h.logRejected(rl, c, fiber.StatusBadRequest, errors.New("request body not allowed"))
		return h.writeError(c, fiber.StatusBadRequest, "bad_request")
	}

	loc, err := cache.ParseRequestURI(
		string(c.Request().Header.RequestURI()),
		string(c.Request().Header.Host()),
		h.archive.RepoRoot,
		h.archive.RepoName,
	)
	if err != nil {
		h.logRejected(rl, c, fiber.StatusBadRequest, err)
		return h.writeError(c, fiber.StatusBadRequest, "bad_request_path")
	}
	rl.loc = loc

	if err := h.store.LinkPool(loc); err != nil {
		return h.failCache(c, rl, err)
	}
	entry, err := h.store.Inspect(loc)
	if err != nil {
		return h.failCache(c, rl, err)
	}
	rl.state = entry.State

	if entry.State == cache.EntryComplete {
		return h.serveCache(c, rl, entry)
	}

	clientOffset, ranged := parseClientRange(c.Get(fiber.HeaderRange))
	if ranged && clientOffset > entry.ResumeOffset() {
		h.logResult(rl, fiber.StatusRequestedRangeNotSatisfiable, resultError, 0, false,
			fmt.Errorf("client offset %d beyond partial size %d", clientOffset, entry.ResumeOffset()))
		return h.writeError(c, fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable")
	}

	return h.fetchAndStream(c, rl, entry, clientOffset, ranged)
}

// serveCache 直接从磁盘返回完整文件，忽略客户端 Range。
func (h *Handler) serveCache(c fiber.Ctx, rl requestLog, entry cache.Entry) error {
	file, err := h.store.OpenComplete(entry)
	if err != nil {
		return h.failCache(c, rl, err)
	}

	c.Set(fiber.HeaderContentType, inferContentType(entry.Locator.Remainder))
	c.Set("X-Snapproxy-Cache-Hit", "true")
	c.Status(fiber.StatusOK)

	release := server.DetachSerial(c)
	c.Response().ImmediateHeaderFlush = true
	c.Response().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer file.Close()

		n, err := io.Copy(w, file)
		if err == nil {
			err = w.Flush()
		}
		h.logResult(rl, fiber.StatusOK, resultHit, n, true, err)
	})
	c.Response().Header.SetContentLength(int(entry.Size))
	return nil
}

// fetchAndStream 回源并把响应同时写入 .part 与客户端。
// 客户端偏移 clientOffset 之前、.part 已有的字节直接从磁盘回放。
func (h *Handler) fetchAndStream(c fiber.Ctx, rl requestLog, entry cache.Entry, clientOffset int64, ranged bool) error {
	resumeOffset := entry.ResumeOffset()
	resp, err := h.openUpstream(c, resumeOffset)
	if err != nil {
		status, code := classifyUpstreamError(err)
		h.logResult(rl, status, resultError, 0, false, err)
		return h.writeError(c, status, code)
	}

	status := fiber.StatusOK
	if !ranged || resp.Total < 0 {
		clientOffset = 0
		ranged = false
	}
	if ranged {
		status = fiber.StatusPartialContent
	}

	partFile, err := h.store.OpenPartial(entry, resumeOffset)
	if err != nil {
		resp.Body.Close()
		return h.failCache(c, rl, err)
	}

	var prefix *diskPrefix
	if clientOffset < resumeOffset {
		reader, err := h.store.OpenPartialReader(entry)
		if err != nil {
			partFile.Close()
			resp.Body.Close()
			return h.failCache(c, rl, err)
		}
		prefix = &diskPrefix{
			SectionReader: io.NewSectionReader(reader, clientOffset, resumeOffset-clientOffset),
			file:          reader,
		}
	}

	result := resultMiss
	if resumeOffset > 0 {
		result = resultResume
	}

	copyResponseHeaders(c, resp.Header)
	if resp.Header.Get(fiber.HeaderContentType) == "" {
		c.Set(fiber.HeaderContentType, inferContentType(entry.Locator.Remainder))
	}
	c.Set("X-Snapproxy-Cache-Hit", "false")
	if ranged {
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", clientOffset, resp.Total-1, resp.Total))
	}
	c.Status(status)

	declared := resp.declared()

	release := server.DetachSerial(c)
	// 状态行与响应头先行发送，上游中途断开时客户端仍能看到 200 与已收到的字节。
	c.Response().ImmediateHeaderFlush = true
	c.Response().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer resp.Body.Close()

		res := h.streamBody(w, partFile, prefix, resp.Body)
		finalized := false
		if res.DiskErr == nil {
			var err error
			finalized, err = h.store.Finalize(entry, res.Received, declared)
			if err != nil {
				res.DiskErr = err
			}
		}
		if finalized {
			finalizedTotal.Inc()
		} else {
			abandonedTotal.Inc()
		}

		fields := logrus.Fields{
			"resume_offset": resumeOffset,
			"declared":      declared,
			"finalized":     finalized,
			"redirected":    resp.Redirected,
		}
		h.logTransfer(rl, status, result, res, fields)
	})
	if resp.Total >= 0 {
		c.Response().Header.SetContentLength(int(resp.Total - clientOffset))
	}
	return nil
}

// streamBody 先回放磁盘前缀，再执行回源复制循环；结束时关闭 .part 句柄。
func (h *Handler) streamBody(w *bufio.Writer, partFile *os.File, prefix *diskPrefix, body io.Reader) transferResult {
	var res transferResult
	if prefix != nil {
		_, err := io.Copy(w, prefix.SectionReader)
		prefix.file.Close()
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			res.ClientErr = err
		}
	}
	if res.ClientErr == nil {
		res = transfer(w, partFile, body, h.limiter)
	}
	if err := partFile.Close(); err != nil && res.DiskErr == nil {
		res.DiskErr = err
	}
	return res
}

// diskPrefix 是 .part 中位于客户端偏移与续传偏移之间、直接从磁盘回放的字节。
type diskPrefix struct {
	*io.SectionReader
	file *os.File
}

func (h *Handler) failCache(c fiber.Ctx, rl requestLog, err error) error {
	h.logResult(rl, fiber.StatusInternalServerError, resultError, 0, false, err)
	return h.writeError(c, fiber.StatusInternalServerError, "cache_failed")
}

func (h *Handler) logRejected(rl requestLog, c fiber.Ctx, status int, err error) {
	requestsTotal.WithLabelValues(resultError).Inc()
	fields := logrus.Fields{
		"action":      "proxy",
		"method":      c.Method(),
		"request_uri": string(c.Request().Header.RequestURI()),
		"status":      status,
		"request_id":  rl.id,
	}
	entry := h.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("proxy_rejected")
}

func (h *Handler) logResult(rl requestLog, status int, result string, bytes int64, cacheHit bool, err error) {
	h.logTransfer(rl, status, result, transferResult{Received: bytes, ClientErr: err}, logrus.Fields{"cache_hit": cacheHit})
}

func (h *Handler) logTransfer(rl requestLog, status int, result string, res transferResult, extra logrus.Fields) {
	elapsed := time.Since(rl.started)
	requestDuration.WithLabelValues(result).Observe(elapsed.Seconds())
	requestsTotal.WithLabelValues(result).Inc()

	fields := logging.RequestFields(
		rl.loc.RepoPath(),
		rl.loc.Timestamp,
		rl.loc.Remainder,
		rl.state.String(),
		result == resultHit,
	)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["result"] = result
	fields["bytes"] = res.Received
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if rl.id != "" {
		fields["request_id"] = rl.id
	}
	for k, v := range extra {
		fields[k] = v
	}

	entry := h.logger.WithFields(fields)
	switch {
	case res.DiskErr != nil:
		entry.WithError(res.DiskErr).Error("proxy_cache_write_failed")
	case res.UpstreamErr != nil:
		entry.WithError(res.UpstreamErr).Warn("proxy_upstream_interrupted")
	case res.ClientErr != nil && result == resultError:
		entry.WithError(res.ClientErr).Error("proxy_failed")
	case res.ClientErr != nil:
		entry.WithError(res.ClientErr).Warn("proxy_client_gone")
	default:
		entry.Info("proxy_complete")
	}
}

// copyResponseHeaders 透传上游响应头，长度与范围由代理自行计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		switch http.CanonicalHeaderKey(key) {
		case fiber.HeaderContentLength, fiber.HeaderContentRange:
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

// inferContentType 根据快照路径推断 Content-Type。
func inferContentType(remainder string) string {
	clean := path.Clean("/" + remainder)
	lower := strings.ToLower(clean)
	switch {
	case strings.HasSuffix(lower, ".deb"), strings.HasSuffix(lower, ".udeb"):
		return "application/vnd.debian.binary-package"
	case strings.HasSuffix(lower, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(lower, ".xz"):
		return "application/x-xz"
	case strings.HasSuffix(lower, ".bz2"):
		return "application/x-bzip2"
	case strings.HasSuffix(lower, "release.gpg"):
		return "application/pgp-signature"
	case isIndexPath(lower):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func isIndexPath(p string) bool {
	if !strings.HasPrefix(p, "/dists/") || strings.Contains(p, "/by-hash/") {
		return false
	}
	base := path.Base(p)
	return base == "release" || base == "inrelease" || base == "packages" || base == "sources"
}
