package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func startServer(t *testing.T, ready ReadinessChecker, plugins PluginSnapshotter) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", ready, plugins)
	if _, err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func TestServer_Metrics(t *testing.T) {
	server := startServer(t, func() bool { return true }, nil)

	addr := server.Addr()
	if addr == "" {
		t.Fatal("server address is empty")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("failed to GET /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") {
		t.Error("expected Prometheus format with HELP comments")
	}
	if !strings.Contains(bodyStr, "# TYPE") {
		t.Error("expected Prometheus format with TYPE comments")
	}
	if !strings.Contains(bodyStr, "go_") {
		t.Error("expected go_* metrics")
	}
	if !strings.Contains(bodyStr, "process_") {
		t.Error("expected process_* metrics")
	}

	// Subsystem metrics are registered even before first use.
	if !strings.Contains(bodyStr, "dynaplug_bus_subscriptions_active") {
		t.Error("expected bus metrics to be registered")
	}
	if !strings.Contains(bodyStr, "dynaplug_health_unhealthy_plugins") {
		t.Error("expected health metrics to be registered")
	}
}

func TestServer_LivenessReturns200(t *testing.T) {
	server := startServer(t, nil, nil)

	resp, err := http.Get("http://" + server.Addr() + "/healthz/liveness")
	if err != nil {
		t.Fatalf("failed to GET /healthz/liveness: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	if strings.TrimSpace(string(body)) != "ok" {
		t.Errorf("expected body 'ok', got %q", string(body))
	}
}

func TestServer_Readiness(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		server := startServer(t, func() bool { return true }, nil)

		resp, err := http.Get("http://" + server.Addr() + "/healthz/readiness")
		if err != nil {
			t.Fatalf("failed to GET /healthz/readiness: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
	})

	t.Run("not ready", func(t *testing.T) {
		server := startServer(t, func() bool { return false }, nil)

		resp, err := http.Get("http://" + server.Addr() + "/healthz/readiness")
		if err != nil {
			t.Fatalf("failed to GET /healthz/readiness: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("failed to read response body: %v", err)
		}
		if strings.TrimSpace(string(body)) != "not ready" {
			t.Errorf("expected body 'not ready', got %q", string(body))
		}
	})

	t.Run("nil checker defaults to ready", func(t *testing.T) {
		server := startServer(t, nil, nil)

		resp, err := http.Get("http://" + server.Addr() + "/healthz/readiness")
		if err != nil {
			t.Fatalf("failed to GET /healthz/readiness: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 with nil checker, got %d", resp.StatusCode)
		}
	})
}

func TestServer_Pluginz(t *testing.T) {
	server := startServer(t, nil, func() map[string]string {
		return map[string]string{"echo": "Running", "metrics": "Paused"}
	})

	resp, err := http.Get("http://" + server.Addr() + "/pluginz")
	if err != nil {
		t.Fatalf("failed to GET /pluginz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var snapshot map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("failed to decode /pluginz body: %v", err)
	}
	if snapshot["echo"] != "Running" {
		t.Errorf("expected echo=Running, got %q", snapshot["echo"])
	}
	if snapshot["metrics"] != "Paused" {
		t.Errorf("expected metrics=Paused, got %q", snapshot["metrics"])
	}
}

func TestServer_PluginzWithoutSnapshotter(t *testing.T) {
	server := startServer(t, nil, nil)

	resp, err := http.Get("http://" + server.Addr() + "/pluginz")
	if err != nil {
		t.Fatalf("failed to GET /pluginz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	if strings.TrimSpace(string(body)) != "{}" {
		t.Errorf("expected empty object, got %q", string(body))
	}
}

func TestServer_DoubleStartFails(t *testing.T) {
	server := startServer(t, nil, nil)

	if _, err := server.Start(); err == nil {
		t.Error("expected error on double start, got nil")
	}
}

func TestServer_StopIdempotent(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Errorf("stop without start should not error: %v", err)
	}
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil, nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	addr := server.Addr()
	if addr == "" {
		t.Fatal("server address is empty")
	}

	// Force close the underlying listener to trigger an error in Serve().
	if server.listener != nil {
		_ = server.listener.Close()
	}

	select {
	case serveErr := <-errCh:
		if serveErr == nil {
			t.Error("expected an error from the error channel after closing listener")
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for error on error channel")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Stop(ctx)
}

func TestServer_ErrorChannelClosesOnNormalShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil, nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Errorf("unexpected error on normal shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for error channel to close")
	}
}
