package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"shadowdog/internal/config"
	"shadowdog/internal/daemon"
	"shadowdog/internal/eventbus"
	"shadowdog/internal/lockfile"
	"shadowdog/internal/notify"
	"shadowdog/internal/rpc"
	"shadowdog/internal/runner"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startTestServer(t *testing.T) (string, *daemon.Daemon, *eventbus.Bus) {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Parse([]byte(`{
      "watchers": [
        {"label": "w", "files": ["src/a.txt"], "commands": [
          {"command": "true", "artifacts": [{"output": "dist/a.txt"}]}
        ]}
      ]
    }`))
	if err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New()
	lw := lockfile.New(root+"/lock.json", root)
	notifier := notify.New("")
	d := daemon.New(root, root+"/shadowdog.json", cfg, bus, lw, notifier, func() []runner.Middleware { return nil })

	daemonCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Start(daemonCtx) }()
	time.Sleep(50 * time.Millisecond)

	port := freePort(t)
	server := rpc.NewServer("127.0.0.1", port)
	registerRPCTools(server, d, bus, root+"/.cache")

	go func() { _ = server.ListenAndServe() }()

	addr := fmt.Sprintf("http://127.0.0.1:%d/mcp", port)
	waitForServer(t, addr)
	return addr, d, bus
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Post(addr, "application/json", bytes.NewReader([]byte(`{"tool":"list_tools"}`)))
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("rpc server never became reachable")
}

func callTool(t *testing.T, addr, tool string, args any) rpc.Response {
	t.Helper()
	body := map[string]any{"tool": tool}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			t.Fatal(err)
		}
		body["arguments"] = json.RawMessage(raw)
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(addr, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out rpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRegisterRPCTools_PauseAndResumeToggleDaemonState(t *testing.T) {
	addr, d, _ := startTestServer(t)

	if resp := callTool(t, addr, "pause", nil); resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	waitUntil(t, func() bool { return d.Status().Paused })

	if resp := callTool(t, addr, "resume", nil); resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	waitUntil(t, func() bool { return !d.Status().Paused })
}

func TestRegisterRPCTools_GetStatusAndGetArtifacts(t *testing.T) {
	addr, _, _ := startTestServer(t)

	status := callTool(t, addr, "get_status", nil)
	if status.Error != "" {
		t.Fatalf("unexpected error: %s", status.Error)
	}

	artifacts := callTool(t, addr, "get_artifacts", nil)
	if artifacts.Error != "" {
		t.Fatalf("unexpected error: %s", artifacts.Error)
	}
}

func TestRegisterRPCTools_ComputeArtifactRequiresOutput(t *testing.T) {
	addr, _, _ := startTestServer(t)

	resp := callTool(t, addr, "compute_artifact", map[string]any{})
	if resp.Error == "" {
		t.Fatal("expected compute_artifact with no output to return an error")
	}
}

func TestRegisterRPCTools_ComputeArtifactTriggersComputeArtifactEvent(t *testing.T) {
	addr, _, bus := startTestServer(t)

	seen := make(chan string, 1)
	bus.Subscribe(eventbus.ComputeArtifact, func(p any) {
		if payload, ok := p.(eventbus.ComputeArtifactPayload); ok {
			seen <- payload.Output
		}
	})

	resp := callTool(t, addr, "compute_artifact", map[string]any{"output": "dist/a.txt"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}

	select {
	case output := <-seen:
		if output != "dist/a.txt" {
			t.Fatalf("expected dist/a.txt, got %s", output)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected compute_artifact to emit a computeArtifact event")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
