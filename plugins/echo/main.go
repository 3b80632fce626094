// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package main implements the echo example plugin. It answers the
// "echo" command with its input, optionally prefixed via configuration,
// and reports uptime through the "stats" command.
//
// Build it next to its manifest:
//
//	go build -o plugins/echo/echo ./plugins/echo
//
// The host discovers the plugin through plugin.json in the same
// directory and launches the binary on load.
package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
	"github.com/dynaplug/dynaplug/pkg/pluginsdk"
)

// echoConfig is the plugin's configuration blob.
type echoConfig struct {
	Prefix string `json:"prefix,omitempty"`
}

// echoPlugin echoes command parameters back to the host.
type echoPlugin struct {
	pluginsdk.Base

	mu      sync.Mutex
	cfg     echoConfig
	started time.Time
}

func (p *echoPlugin) Metadata(context.Context) (pluginsdk.Metadata, error) {
	return pluginsdk.Metadata{
		ID:           "echo",
		Name:         "Echo",
		Version:      "1.0.0",
		Description:  "Echoes messages back, optionally prefixed.",
		Author:       "Dynaplug Contributors",
		License:      "Apache-2.0",
		Capabilities: []string{"service", "configuration", "monitoring"},
		Priority:     "normal",
		APIVersion:   pluginsdk.APIVersion,
	}, nil
}

func (p *echoPlugin) Initialize(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = time.Now()
	return nil
}

func (p *echoPlugin) ExecuteCommand(_ context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "echo":
		return p.echo(params)
	case "stats":
		return p.stats()
	default:
		return nil, plugerr.New(plugerr.CodeCommandNotFound, "unknown command %q", name)
	}
}

func (p *echoPlugin) AvailableCommands(context.Context) ([]string, error) {
	return []string{"echo", "stats"}, nil
}

func (p *echoPlugin) Configure(_ context.Context, config json.RawMessage) error {
	var cfg echoConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return plugerr.Wrap(plugerr.CodeConfigurationError, err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	return nil
}

func (p *echoPlugin) CurrentConfiguration(context.Context) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(p.cfg)
}

func (p *echoPlugin) HealthCheck(context.Context) (pluginsdk.HealthStatus, error) {
	return pluginsdk.HealthStatus{Healthy: true, Message: "ok"}, nil
}

// echo returns {"message": prefix + message}. Parameters without a
// message field are echoed back unchanged.
func (p *echoPlugin) echo(params json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Message *string `json:"message"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, plugerr.Wrap(plugerr.CodeInvalidParameters, err)
		}
	}
	if in.Message == nil {
		if len(params) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return params, nil
	}

	p.mu.Lock()
	prefix := p.cfg.Prefix
	p.mu.Unlock()

	return json.Marshal(map[string]string{"message": prefix + *in.Message})
}

func (p *echoPlugin) stats() (json.RawMessage, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	uptime := int64(0)
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}
	return json.Marshal(map[string]int64{"uptime_seconds": uptime})
}

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{Plugin: &echoPlugin{}})
}
