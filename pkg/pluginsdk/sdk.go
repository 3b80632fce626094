// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package pluginsdk is the public SDK for dynaplug plugin authors.
//
// A plugin is a standalone executable that implements the Plugin
// interface and calls Serve from main(). The host launches the
// executable through HashiCorp's go-plugin system and talks to it over
// net/rpc. A sidecar manifest (plugin.json or plugin.yaml) next to the
// executable carries the same metadata the plugin reports at runtime so
// the host can inspect identity without starting the process.
package pluginsdk

import (
	"context"
	"encoding/json"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// APIVersion is the engine ABI version this SDK targets. The host
// refuses plugins whose declared api_version does not match.
const APIVersion = 1

// PluginMapKey is the go-plugin dispense key for the plugin interface.
const PluginMapKey = "plugin"

// Handshake is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var Handshake = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "DYNAPLUG_PLUGIN",
	MagicCookieValue: "dynaplug-v1",
}

// Metadata is the plugin metadata blob of the wire format: the identity
// a plugin declares in its sidecar manifest and reports over RPC.
// Unknown JSON fields are ignored for forward compatibility.
type Metadata struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Author       string       `json:"author,omitempty"`
	License      string       `json:"license,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Priority     string       `json:"priority,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	APIVersion   int          `json:"api_version"`
}

// Dependency declares that a plugin needs (or can use) another plugin.
// Version is a semver range ("^1.2", ">=2.0 <3.0"); empty admits any.
type Dependency struct {
	ID       string `json:"id"`
	Version  string `json:"version,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// HealthStatus is the result of a health probe.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Plugin is the contract every plugin implements. Required methods must
// be functional; optional methods (HealthCheck, Pause, Resume,
// OnDependencyChanged) are only invoked when the plugin declares the
// matching capability, and may otherwise return ErrNotImplemented.
// Embed Base to get sensible defaults for everything.
type Plugin interface {
	// Metadata returns the plugin's identity block. It must match the
	// sidecar manifest; the host rejects plugins that disagree.
	Metadata(ctx context.Context) (Metadata, error)

	// Initialize prepares the plugin for work. Called once after load.
	Initialize(ctx context.Context) error

	// Shutdown stops the plugin. Called once before unload.
	Shutdown(ctx context.Context) error

	// ExecuteCommand runs a named command with JSON-encoded parameters
	// and returns a JSON-encoded result.
	ExecuteCommand(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error)

	// AvailableCommands lists the command names ExecuteCommand accepts.
	AvailableCommands(ctx context.Context) ([]string, error)

	// Configure applies a configuration blob. Must be idempotent.
	Configure(ctx context.Context, config json.RawMessage) error

	// CurrentConfiguration returns the last applied configuration.
	CurrentConfiguration(ctx context.Context) (json.RawMessage, error)

	// HealthCheck reports liveness. Optional: capability "monitoring".
	HealthCheck(ctx context.Context) (HealthStatus, error)

	// Pause suspends the plugin. Optional: paired with Resume.
	Pause(ctx context.Context) error

	// Resume continues a paused plugin.
	Resume(ctx context.Context) error

	// OnDependencyChanged notifies the plugin that a dependency moved to
	// a new lifecycle state. Optional.
	OnDependencyChanged(ctx context.Context, depID, state string) error
}

// ErrNotImplemented is returned by Base for every optional method a
// plugin did not override.
var ErrNotImplemented = plugerr.New(plugerr.CodeNotImplemented, "not implemented")

// Base is a no-op Plugin implementation meant for embedding. Override
// the methods your plugin supports.
type Base struct{}

var _ Plugin = (*Base)(nil)

// Metadata returns ErrNotImplemented; plugins must override it.
func (Base) Metadata(context.Context) (Metadata, error) {
	return Metadata{}, ErrNotImplemented
}

// Initialize is a no-op.
func (Base) Initialize(context.Context) error { return nil }

// Shutdown is a no-op.
func (Base) Shutdown(context.Context) error { return nil }

// ExecuteCommand returns a CommandNotFound error for every command.
func (Base) ExecuteCommand(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	return nil, plugerr.New(plugerr.CodeCommandNotFound, "unknown command %q", name)
}

// AvailableCommands returns no commands.
func (Base) AvailableCommands(context.Context) ([]string, error) { return nil, nil }

// Configure accepts and discards any blob.
func (Base) Configure(context.Context, json.RawMessage) error { return nil }

// CurrentConfiguration returns an empty object.
func (Base) CurrentConfiguration(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// HealthCheck returns ErrNotImplemented.
func (Base) HealthCheck(context.Context) (HealthStatus, error) {
	return HealthStatus{}, ErrNotImplemented
}

// Pause returns ErrNotImplemented.
func (Base) Pause(context.Context) error { return ErrNotImplemented }

// Resume returns ErrNotImplemented.
func (Base) Resume(context.Context) error { return ErrNotImplemented }

// OnDependencyChanged is a no-op.
func (Base) OnDependencyChanged(context.Context, string, string) error { return nil }

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Plugin is the implementation to expose. Required; Serve panics if nil.
	Plugin Plugin
}

// Serve starts the plugin server. Call from main(); it blocks and never
// returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Plugin == nil {
		panic("pluginsdk: config.Plugin cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap(config.Plugin),
	})
}

// PluginMap builds the go-plugin map exposing impl under PluginMapKey.
// The host passes a nil impl; only the plugin side serves.
func PluginMap(impl Plugin) map[string]hashiplug.Plugin {
	return map[string]hashiplug.Plugin{
		PluginMapKey: &RPCPlugin{Impl: impl},
	}
}
