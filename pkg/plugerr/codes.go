// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package plugerr defines the closed error taxonomy of the plugin runtime.
//
// Every fallible runtime operation returns an error carrying one of the
// codes below. Errors are built on samber/oops so callers get structured
// context (plugin id, path, operation) alongside the code.
package plugerr

// Code identifies an error kind. Codes are stable strings; they never
// carry Go type identities and are safe to persist or put on the wire.
type Code string

// The closed set of error codes.
const (
	CodeSuccess              Code = "Success"
	CodeFileNotFound         Code = "FileNotFound"
	CodeInvalidFormat        Code = "InvalidFormat"
	CodeLoadFailed           Code = "LoadFailed"
	CodeUnloadFailed         Code = "UnloadFailed"
	CodeSymbolNotFound       Code = "SymbolNotFound"
	CodeAlreadyLoaded        Code = "AlreadyLoaded"
	CodeNotLoaded            Code = "NotLoaded"
	CodePluginNotFound       Code = "PluginNotFound"
	CodeInitializationFailed Code = "InitializationFailed"
	CodeConfigurationError   Code = "ConfigurationError"
	CodeDependencyMissing    Code = "DependencyMissing"
	CodeVersionMismatch      Code = "VersionMismatch"
	CodeExecutionFailed      Code = "ExecutionFailed"
	CodeCommandNotFound      Code = "CommandNotFound"
	CodeInvalidParameters    Code = "InvalidParameters"
	CodeStateError           Code = "StateError"
	CodeNotFound             Code = "NotFound"
	CodeAlreadyExists        Code = "AlreadyExists"
	CodeNotImplemented       Code = "NotImplemented"
	CodeSecurityViolation    Code = "SecurityViolation"
	CodePermissionDenied     Code = "PermissionDenied"
	CodeSignatureInvalid     Code = "SignatureInvalid"
	CodeUntrustedSource      Code = "UntrustedSource"
	CodeOutOfMemory          Code = "OutOfMemory"
	CodeResourceExhausted    Code = "ResourceExhausted"
	CodeNetworkError         Code = "NetworkError"
	CodeFileSystemError      Code = "FileSystemError"
	CodeThreadingError       Code = "ThreadingError"
	CodeTimeoutError         Code = "TimeoutError"
	CodeInvalidOperation     Code = "InvalidOperation"
	CodeUnknownError         Code = "UnknownError"
)

// Severity classifies how serious an error code is. The mapping from
// code to severity is fixed; callers must not need to inspect messages
// to decide how to react.
type Severity int

// Severity levels, least to most severe.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// severityByCode is the deterministic code to severity mapping.
var severityByCode = map[Code]Severity{
	CodeSuccess: SeverityInfo,

	CodeAlreadyLoaded:  SeverityWarning,
	CodeAlreadyExists:  SeverityWarning,
	CodeNotImplemented: SeverityWarning,
	CodeNotLoaded:      SeverityWarning,

	CodeFileNotFound:       SeverityError,
	CodeInvalidFormat:      SeverityError,
	CodeSymbolNotFound:     SeverityError,
	CodePluginNotFound:     SeverityError,
	CodeConfigurationError: SeverityError,
	CodeDependencyMissing:  SeverityError,
	CodeVersionMismatch:    SeverityError,
	CodeExecutionFailed:    SeverityError,
	CodeCommandNotFound:    SeverityError,
	CodeInvalidParameters:  SeverityError,
	CodeStateError:         SeverityError,
	CodeNotFound:           SeverityError,
	CodePermissionDenied:   SeverityError,
	CodeUntrustedSource:    SeverityError,
	CodeNetworkError:       SeverityError,
	CodeFileSystemError:    SeverityError,
	CodeTimeoutError:       SeverityError,
	CodeInvalidOperation:   SeverityError,
	CodeUnknownError:       SeverityError,

	CodeLoadFailed:           SeverityCritical,
	CodeUnloadFailed:         SeverityCritical,
	CodeInitializationFailed: SeverityCritical,
	CodeSecurityViolation:    SeverityCritical,
	CodeSignatureInvalid:     SeverityCritical,
	CodeResourceExhausted:    SeverityCritical,

	CodeOutOfMemory:    SeverityFatal,
	CodeThreadingError: SeverityFatal,
}

// Severity returns the severity for the code. Unknown codes map to
// SeverityError.
func (c Code) Severity() Severity {
	if s, ok := severityByCode[c]; ok {
		return s
	}
	return SeverityError
}

func (c Code) String() string { return string(c) }
