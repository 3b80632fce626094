// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package loader opens plugin binaries, reads their metadata, and owns
// the process handles of running plugins.
//
// A loadable plugin is a directory containing a sidecar manifest
// (plugin.json or plugin.yaml) and the plugin executable named after
// the manifest's id. QueryMetadata reads only the manifest, so a
// plugin's identity can be displayed without starting its process.
package loader

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
	"github.com/dynaplug/dynaplug/pkg/pluginsdk"
)

// manifestNames are the sidecar manifest file names, in lookup order.
var manifestNames = []string{"plugin.json", "plugin.yaml"}

// Seed is the result of a successful load: everything the registry
// needs to build a record. The caller takes ownership of Handle.
type Seed struct {
	Descriptor *plugin.Descriptor
	Instance   pluginsdk.Plugin
	Handle     Handle
	Path       string // plugin directory
	ExecPath   string // plugin executable
	Digest     string // blake2b-256 of the executable, hex
}

// Loader discovers and opens plugin binaries.
type Loader struct {
	factory Factory
	cache   *metadataCache
	history *plugerr.History
	logger  *slog.Logger
}

// Option configures the Loader.
type Option func(*Loader)

// WithFactory replaces the process factory (used by tests to load
// in-process fakes).
func WithFactory(f Factory) Option {
	return func(l *Loader) { l.factory = f }
}

// WithCacheSize bounds the metadata LRU cache.
func WithCacheSize(n int) Option {
	return func(l *Loader) { l.cache = newMetadataCache(n) }
}

// WithHistory sets the error-history ring failures are recorded to.
func WithHistory(h *plugerr.History) Option {
	return func(l *Loader) { l.history = h }
}

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loader) { l.logger = lg }
}

// New creates a loader backed by go-plugin subprocesses.
func New(opts ...Option) *Loader {
	l := &Loader{
		factory: &GoPluginFactory{},
		cache:   newMetadataCache(defaultCacheSize),
		history: plugerr.NewHistory(plugerr.DefaultHistorySize),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// History returns the loader's error-history ring.
func (l *Loader) History() *plugerr.History { return l.history }

// CanLoad reports whether path looks like a loadable plugin: the
// manifest exists, parses, and names a present executable. A metadata
// cache hit answers without touching the filesystem beyond a stat.
func (l *Loader) CanLoad(path string) bool {
	_, err := l.QueryMetadata(path)
	return err == nil
}

// QueryMetadata reads and validates the plugin's sidecar manifest
// without starting the plugin process. Results are cached by
// (path, mtime, size) of the manifest file.
func (l *Loader) QueryMetadata(path string) (*plugin.Descriptor, error) {
	manifestPath, err := l.findManifest(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(manifestPath)
	if err != nil {
		return nil, plugerr.Wrapf(plugerr.CodeFileNotFound, err, "stat manifest %s", manifestPath)
	}
	key := cacheKey{Path: manifestPath, MTime: info.ModTime().UnixNano(), Size: info.Size()}
	if desc, ok := l.cache.get(key); ok {
		return desc, nil
	}

	data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath derives from the caller-provided plugin path
	if err != nil {
		return nil, plugerr.Wrapf(plugerr.CodeFileSystemError, err, "read manifest %s", manifestPath)
	}

	md, err := parseMetadataBlob(manifestPath, data)
	if err != nil {
		return nil, err
	}
	desc, err := plugin.ParseDescriptor(md)
	if err != nil {
		return nil, err
	}

	l.cache.put(key, desc)
	return desc, nil
}

// Load starts the plugin process and verifies its reported identity
// against the manifest. On success the returned Seed owns the process
// handle; the caller must eventually pass it to Unload.
func (l *Loader) Load(ctx context.Context, path string) (seed *Seed, err error) {
	defer func() {
		if err != nil {
			l.history.RecordError(err, path)
		}
	}()

	desc, err := l.QueryMetadata(path)
	if err != nil {
		return nil, err
	}
	if !desc.CompatibleWithHost() {
		return nil, plugerr.WithPlugin(plugerr.CodeVersionMismatch, desc.ID,
			"plugin targets api_version %d, host implements %d", desc.APIVersion, plugin.HostAPIVersion)
	}

	dir, err := l.pluginDir(path)
	if err != nil {
		return nil, err
	}
	execPath := filepath.Join(dir, desc.ID)
	if _, err := os.Stat(execPath); err != nil {
		return nil, plugerr.WrapPlugin(plugerr.CodeFileNotFound, desc.ID,
			fmt.Errorf("plugin executable %s: %w", execPath, err))
	}

	digest, err := fileDigest(execPath)
	if err != nil {
		return nil, plugerr.WrapPlugin(plugerr.CodeFileSystemError, desc.ID, err)
	}

	handle, err := l.factory.Open(execPath)
	if err != nil {
		return nil, plugerr.WrapPlugin(plugerr.CodeLoadFailed, desc.ID, err)
	}

	instance, err := handle.Instance()
	if err != nil {
		_ = handle.Close()
		return nil, plugerr.WrapPlugin(plugerr.CodeSymbolNotFound, desc.ID, err)
	}

	reported, err := instance.Metadata(ctx)
	if err != nil {
		_ = handle.Close()
		return nil, plugerr.WrapPlugin(plugerr.CodeLoadFailed, desc.ID, err)
	}
	if reported.ID != desc.ID || reported.Version != desc.Version.String() {
		_ = handle.Close()
		return nil, plugerr.WithPlugin(plugerr.CodeInvalidFormat, desc.ID,
			"manifest declares %s@%s but plugin reports %s@%s",
			desc.ID, desc.Version, reported.ID, reported.Version)
	}

	l.logger.Info("loaded plugin binary",
		"plugin", desc.ID,
		"version", desc.Version.String(),
		"path", dir)

	return &Seed{
		Descriptor: desc,
		Instance:   instance,
		Handle:     handle,
		Path:       dir,
		ExecPath:   execPath,
		Digest:     digest,
	}, nil
}

// Unload shuts the plugin instance down and then closes its process
// handle. If the plugin refuses to stop, the handle is left live and
// UnloadFailed is returned so the caller can retry or escalate.
func (l *Loader) Unload(ctx context.Context, seed *Seed) error {
	if seed == nil || seed.Handle == nil {
		return plugerr.New(plugerr.CodeNotLoaded, "no handle to unload")
	}
	if err := seed.Instance.Shutdown(ctx); err != nil {
		err = plugerr.WrapPlugin(plugerr.CodeUnloadFailed, seed.Descriptor.ID, err)
		l.history.RecordError(err, seed.Path)
		return err
	}
	if err := seed.Handle.Close(); err != nil {
		err = plugerr.WrapPlugin(plugerr.CodeUnloadFailed, seed.Descriptor.ID, err)
		l.history.RecordError(err, seed.Path)
		return err
	}
	l.logger.Info("unloaded plugin binary", "plugin", seed.Descriptor.ID)
	return nil
}

// VerifyDigest compares a recorded digest against the current
// executable contents. Used by the trust index.
func (l *Loader) VerifyDigest(execPath, want string) (bool, error) {
	got, err := fileDigest(execPath)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, nil
}

// pluginDir normalizes a plugin path to its directory.
func (l *Loader) pluginDir(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", plugerr.Wrapf(plugerr.CodeFileNotFound, err, "plugin path %s", path)
	}
	if info.IsDir() {
		return path, nil
	}
	return filepath.Dir(path), nil
}

// findManifest locates the sidecar manifest for a plugin path.
func (l *Loader) findManifest(path string) (string, error) {
	dir, err := l.pluginDir(path)
	if err != nil {
		return "", err
	}
	for _, name := range manifestNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", plugerr.New(plugerr.CodeFileNotFound, "no plugin manifest in %s", dir)
}

// parseMetadataBlob decodes a manifest file into the wire metadata.
// YAML manifests are re-encoded through JSON so the json field tags
// (the wire names) apply to both formats. Unknown fields are ignored.
func parseMetadataBlob(path string, data []byte) (pluginsdk.Metadata, error) {
	var md pluginsdk.Metadata
	if !strings.HasSuffix(path, ".json") {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return md, plugerr.Wrapf(plugerr.CodeInvalidFormat, err, "manifest %s", path)
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return md, plugerr.Wrapf(plugerr.CodeInvalidFormat, err, "manifest %s", path)
		}
		data = converted
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, plugerr.Wrapf(plugerr.CodeInvalidFormat, err, "manifest %s", path)
	}
	return md, nil
}

// fileDigest returns the hex blake2b-256 digest of a file.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path resolved from validated manifest
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("init blake2b: %w", err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
