// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package plugerr

import (
	"github.com/samber/oops"
)

// New builds a coded error with a formatted message.
func New(code Code, format string, args ...any) error {
	return oops.Code(string(code)).Errorf(format, args...)
}

// Wrap attaches a code to an underlying error. Returns nil if err is nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(code)).Wrap(err)
}

// Wrapf attaches a code and a message prefix to an underlying error.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(code)).Wrapf(err, format, args...)
}

// WithPlugin builds a coded error bound to a plugin id.
func WithPlugin(code Code, pluginID, format string, args ...any) error {
	return oops.Code(string(code)).With("plugin_id", pluginID).Errorf(format, args...)
}

// WrapPlugin wraps err with a code and plugin id. Returns nil if err is nil.
func WrapPlugin(code Code, pluginID string, err error) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(code)).With("plugin_id", pluginID).Wrap(err)
}

// CodeOf extracts the error code. Plain errors without a code report
// CodeUnknownError; nil reports CodeSuccess.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if c, ok := oopsErr.Code().(Code); ok {
			return c
		}
		if s, ok := oopsErr.Code().(string); ok && s != "" {
			return Code(s)
		}
	}
	return CodeUnknownError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// SeverityOf returns the severity of err's code.
func SeverityOf(err error) Severity {
	return CodeOf(err).Severity()
}

// PluginOf extracts the plugin id attached to err, if any.
func PluginOf(err error) string {
	if err == nil {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if id, ok := oopsErr.Context()["plugin_id"].(string); ok {
			return id
		}
	}
	return ""
}
