package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/any-hub/snapproxy/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 0 {
		t.Fatalf("client must not carry an end-to-end timeout, got %s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", client.Transport)
	}
	if transport.ResponseHeaderTimeout != 45*time.Second {
		t.Fatalf("expected header timeout 45s, got %s", transport.ResponseHeaderTimeout)
	}
	if !transport.DisableCompression {
		t.Fatalf("transparent decompression must be disabled")
	}
}

func TestUpstreamClientDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/file/abc", http.StatusFound)
	}))
	defer upstream.Close()

	client := NewUpstreamClient(nil)
	resp, err := client.Get(upstream.URL + "/archive/debian/1/Release")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected raw 302, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") != "/file/abc" {
		t.Fatalf("unexpected location %q", resp.Header.Get("Location"))
	}
}

func TestUpstreamClientIdleReadTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("abc"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	cfg := &config.Config{Global: config.GlobalConfig{UpstreamTimeout: config.Duration(200 * time.Millisecond)}}
	client := NewUpstreamClient(cfg)
	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	started := time.Now()
	_, err = io.ReadAll(resp.Body)
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("idle timeout took too long: %s", elapsed)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestIsHopByHopHeaderIsCaseInsensitive(t *testing.T) {
	if !IsHopByHopHeader("transfer-encoding") {
		t.Fatalf("transfer-encoding should be hop-by-hop")
	}
	if IsHopByHopHeader("Content-Length") {
		t.Fatalf("content-length must be forwarded")
	}
}
