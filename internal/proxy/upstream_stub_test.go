package proxy

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"path"
	"strconv"
	"sync"
	"testing"
	"time"
)

type stubBehavior int

const (
	stubNormal stubBehavior = iota
	// stubTruncate 声明完整长度但只发送前 truncateAt 字节。
	stubTruncate
	// stubIgnoreRange 总是返回 200 与完整内容。
	stubIgnoreRange
	// stubBadRange 对 Range 请求返回从 0 开始的 206。
	stubBadRange
	// stubStall 在发送响应头之前挂起。
	stubStall
)

// snapshotStub 模拟快照服务：按路径返回固定内容，支持 302 与 Range。
type snapshotStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu         sync.Mutex
	files      map[string][]byte
	redirects  map[string]string
	behavior   stubBehavior
	truncateAt int
	hits       int
	requests   []*http.Request
}

func newSnapshotStub(t *testing.T) *snapshotStub {
	t.Helper()
	stub := &snapshotStub{
		files:     map[string][]byte{},
		redirects: map[string]string{},
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start stub listener: %v", err)
	}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()
	stub.server = &http.Server{Handler: http.HandlerFunc(stub.handle)}

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

func (s *snapshotStub) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	_ = s.listener.Close()
}

func (s *snapshotStub) AddFile(p string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = payload
}

func (s *snapshotStub) AddRedirect(from, location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects[from] = location
}

func (s *snapshotStub) SetBehavior(b stubBehavior, truncateAt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = b
	s.truncateAt = truncateAt
}

func (s *snapshotStub) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func (s *snapshotStub) LastRequest() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

func (s *snapshotStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits++
	s.requests = append(s.requests, r.Clone(context.Background()))
	behavior := s.behavior
	truncateAt := s.truncateAt
	location, redirect := s.redirects[r.URL.Path]
	payload, ok := s.files[r.URL.Path]
	s.mu.Unlock()

	if redirect {
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusFound)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch behavior {
	case stubStall:
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	case stubTruncate:
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload[:truncateAt])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	case stubIgnoreRange:
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	case stubBadRange:
		w.Header().Set("Content-Range", "bytes 0-"+strconv.Itoa(len(payload)-1)+"/"+strconv.Itoa(len(payload)))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload)
	default:
		http.ServeContent(w, r, path.Base(r.URL.Path), time.Time{}, bytes.NewReader(payload))
	}
}

func testPayload(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}
