// Package server hosts the Fiber HTTP service in front of the snapshot cache.
// It owns the listener lifecycle (uninitialized → listening → draining →
// closed), the request middleware chain (request IDs, recover, the
// single-slot gate that keeps proxy requests strictly sequential) and the
// shared upstream http.Client. The proxy handler itself is injected so the
// proxy package can depend on server helpers without an import cycle.
package server
