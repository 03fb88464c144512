package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/snapproxy/internal/server"
)

type fakeStatus struct{}

func (fakeStatus) Status() server.Status {
	return server.Status{
		State:        "listening",
		Port:         3142,
		CacheDir:     "/var/cache/snapproxy",
		PartialFiles: []string{"/var/cache/snapproxy/pool/a.deb.7.part"},
		Version:      "snapproxy test",
	}
}

func TestStatusRouteEncodesServerStatus(t *testing.T) {
	app := fiber.New()
	RegisterStatusRoutes(app, fakeStatus{})

	resp, err := app.Test(httptest.NewRequest("GET", "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload server.Status
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.State != "listening" || payload.Port != 3142 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(payload.PartialFiles) != 1 {
		t.Fatalf("expected one partial file, got %v", payload.PartialFiles)
	}
}

func TestMetricsRouteServesPrometheusText(t *testing.T) {
	app := fiber.New()
	RegisterStatusRoutes(app, fakeStatus{})

	resp, err := app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("expected default Go collectors in metrics output")
	}
}

func TestRegisterStatusRoutesIgnoresNil(t *testing.T) {
	RegisterStatusRoutes(nil, fakeStatus{})
	app := fiber.New()
	RegisterStatusRoutes(app, nil)
}
