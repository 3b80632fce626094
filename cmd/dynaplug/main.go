// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package main is the entry point for the dynaplug plugin host.
package main

import (
	"fmt"
	"os"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented process exit codes: 0
// success, 1 configuration error, 2 load failure, 3 dependency
// failure, 4 timeout, 5 internal error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch plugerr.CodeOf(err) {
	case plugerr.CodeConfigurationError, plugerr.CodeInvalidParameters:
		return 1
	case plugerr.CodeLoadFailed, plugerr.CodeFileNotFound, plugerr.CodeInvalidFormat,
		plugerr.CodeInitializationFailed, plugerr.CodeAlreadyLoaded, plugerr.CodePluginNotFound,
		plugerr.CodeSecurityViolation, plugerr.CodeSignatureInvalid, plugerr.CodeUntrustedSource:
		return 2
	case plugerr.CodeDependencyMissing, plugerr.CodeVersionMismatch:
		return 3
	case plugerr.CodeTimeoutError:
		return 4
	default:
		return 5
	}
}
