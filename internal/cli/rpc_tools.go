package cli

import (
	"encoding/json"
	"fmt"

	"shadowdog/internal/cache"
	"shadowdog/internal/daemon"
	"shadowdog/internal/eventbus"
	"shadowdog/internal/rpc"
)

// registerRPCTools binds the static §6 tool table to d, dispatching through
// the event bus for the lifecycle-mutating tools so the Daemon's own bus
// subscriptions remain the single place that mutates its state.
func registerRPCTools(server *rpc.Server, d *daemon.Daemon, bus *eventbus.Bus, cacheDir string) {
	server.RegisterTool(rpc.ToolSchema{
		Name:        "pause",
		Description: "Pause filesystem-triggered builds; changes are queued until resume.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(json.RawMessage) (any, error) {
		bus.Emit(eventbus.Pause, nil)
		return map[string]any{"paused": true}, nil
	})

	server.RegisterTool(rpc.ToolSchema{
		Name:        "resume",
		Description: "Resume filesystem-triggered builds, replaying any changes queued while paused.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(json.RawMessage) (any, error) {
		bus.Emit(eventbus.Resume, nil)
		return map[string]any{"paused": false}, nil
	})

	server.RegisterTool(rpc.ToolSchema{
		Name:        "get_artifacts",
		Description: "List every declared artifact output across every watcher.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(json.RawMessage) (any, error) {
		return map[string]any{"artifacts": d.Artifacts()}, nil
	})

	server.RegisterTool(rpc.ToolSchema{
		Name:        "get_status",
		Description: "Report whether the daemon is paused and which watchers are active.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(json.RawMessage) (any, error) {
		return d.Status(), nil
	})

	server.RegisterTool(rpc.ToolSchema{
		Name:        "compute_artifact",
		Description: "Force recomputation of a single declared artifact, superseding any in-flight build for its watcher.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"output": map[string]any{"type": "string"}},
			"required":   []string{"output"},
		},
	}, func(args json.RawMessage) (any, error) {
		var req struct {
			Output string `json:"output"`
		}
		if err := json.Unmarshal(args, &req); err != nil || req.Output == "" {
			return nil, &rpc.BadRequestError{Reason: "compute_artifact requires a non-empty \"output\""}
		}
		bus.Emit(eventbus.ComputeArtifact, eventbus.ComputeArtifactPayload{Output: req.Output})
		return map[string]any{"triggered": req.Output}, nil
	})

	server.RegisterTool(rpc.ToolSchema{
		Name:        "compute_all_artifacts",
		Description: "Force recomputation of every declared artifact, superseding any in-flight builds.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(json.RawMessage) (any, error) {
		outputs := d.Artifacts()
		bus.Emit(eventbus.ComputeAllArtifacts, eventbus.ComputeAllArtifactsPayload{Artifacts: outputs})
		return map[string]any{"triggered": outputs}, nil
	})

	server.RegisterTool(rpc.ToolSchema{
		Name:        "clear_cache",
		Description: "Remove every entry from the local on-disk cache.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(json.RawMessage) (any, error) {
		local := cache.NewFileBackend(cacheDir)
		if err := local.ClearAll(); err != nil {
			return nil, fmt.Errorf("clearing cache: %w", err)
		}
		return map[string]any{"cleared": true}, nil
	})
}
