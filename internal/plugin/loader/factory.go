// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package loader

import (
	"fmt"
	"os/exec"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/dynaplug/dynaplug/pkg/pluginsdk"
)

// Handle owns a running plugin process.
type Handle interface {
	// Instance returns the plugin's public interface.
	Instance() (pluginsdk.Plugin, error)
	// Close terminates the plugin process.
	Close() error
}

// Factory opens plugin executables. The default implementation launches
// go-plugin subprocesses; tests install in-process fakes.
type Factory interface {
	Open(execPath string) (Handle, error)
}

// GoPluginFactory launches plugin executables as go-plugin subprocesses.
type GoPluginFactory struct{}

var _ Factory = (*GoPluginFactory)(nil)

// Open starts the plugin process and completes the handshake.
func (f *GoPluginFactory) Open(execPath string) (Handle, error) {
	client := hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig: pluginsdk.Handshake,
		Plugins:         pluginsdk.PluginMap(nil),
		Cmd:             exec.Command(execPath), // #nosec G204 -- execPath resolved from a validated manifest
	})
	return &goPluginHandle{client: client}, nil
}

// goPluginHandle wraps a go-plugin client.
type goPluginHandle struct {
	client *hashiplug.Client
}

func (h *goPluginHandle) Instance() (pluginsdk.Plugin, error) {
	proto, err := h.client.Client()
	if err != nil {
		return nil, fmt.Errorf("plugin handshake: %w", err)
	}
	raw, err := proto.Dispense(pluginsdk.PluginMapKey)
	if err != nil {
		return nil, fmt.Errorf("dispense plugin interface: %w", err)
	}
	instance, ok := raw.(pluginsdk.Plugin)
	if !ok {
		return nil, fmt.Errorf("plugin does not implement the dynaplug interface")
	}
	return instance, nil
}

func (h *goPluginHandle) Close() error {
	h.client.Kill()
	return nil
}
