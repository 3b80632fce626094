// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package plugin

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// SecurityLevel is a per-load policy consumed by the host's signature
// verifier. The core records and forwards it; enforcement semantics
// beyond "Maximum requires a verifier" belong to the verifier.
type SecurityLevel int

// Security levels, least to most strict.
const (
	SecurityNone SecurityLevel = iota
	SecurityBasic
	SecurityStandard
	SecurityStrict
	SecurityMaximum
)

var securityNames = [...]string{"none", "basic", "standard", "strict", "maximum"}

func (l SecurityLevel) String() string {
	if l < SecurityNone || l > SecurityMaximum {
		return "standard"
	}
	return securityNames[l]
}

// ParseSecurityLevel parses a wire security level. Empty defaults to
// Standard.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return SecurityStandard, nil
	case "none":
		return SecurityNone, nil
	case "basic":
		return SecurityBasic, nil
	case "standard":
		return SecurityStandard, nil
	case "strict":
		return SecurityStrict, nil
	case "maximum":
		return SecurityMaximum, nil
	default:
		return SecurityStandard, plugerr.New(plugerr.CodeInvalidFormat, "unknown security level %q", s)
	}
}

// DefaultLoadTimeout bounds a single plugin load + initialize.
const DefaultLoadTimeout = 30 * time.Second

// LoadOptions controls how the manager loads a plugin.
type LoadOptions struct {
	// ValidateSignature runs the host-installed signature verifier
	// before loading.
	ValidateSignature bool

	// CheckDependencies refuses loads whose required dependencies are
	// not satisfiable. Optional dependency gaps degrade to warnings.
	CheckDependencies bool

	// InitializeImmediately drives the plugin to Running right after a
	// successful load.
	InitializeImmediately bool

	// EnableHotReload registers the plugin file with the watcher; a
	// changed file triggers an in-place reload.
	EnableHotReload bool

	// SecurityLevel is forwarded to the signature verifier.
	SecurityLevel SecurityLevel

	// Timeout bounds the whole load + initialize sequence. Zero means
	// DefaultLoadTimeout.
	Timeout time.Duration

	// Configuration, when non-nil, is applied after initialization.
	Configuration json.RawMessage
}

// DefaultLoadOptions are the options used when the caller passes none.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		CheckDependencies:     true,
		InitializeImmediately: true,
		SecurityLevel:         SecurityStandard,
		Timeout:               DefaultLoadTimeout,
	}
}

// EffectiveTimeout returns the configured timeout or the default.
func (o LoadOptions) EffectiveTimeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultLoadTimeout
	}
	return o.Timeout
}
