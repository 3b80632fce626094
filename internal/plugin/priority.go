// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package plugin

import (
	"strings"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// Priority orders plugins when dependency edges leave ties. Higher
// priorities load earlier and unload later.
type Priority int

// Priorities, lowest to highest.
const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

var priorityNames = [...]string{"lowest", "low", "normal", "high", "highest"}

func (p Priority) String() string {
	if p < PriorityLowest || p > PriorityHighest {
		return "normal"
	}
	return priorityNames[p]
}

// ParsePriority parses a wire priority name. Empty defaults to Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "lowest":
		return PriorityLowest, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "highest":
		return PriorityHighest, nil
	default:
		return PriorityNormal, plugerr.New(plugerr.CodeInvalidFormat, "unknown priority %q", s)
	}
}
