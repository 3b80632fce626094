// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package plugin defines the shared plugin domain types: descriptors,
// capability sets, priorities, lifecycle states, and load options.
package plugin

import (
	"sort"
	"strings"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// Capability declares that a plugin implements an optional part of the
// ABI. Capabilities are a bitset; a plugin carries any combination.
type Capability uint16

// The capability flags a descriptor may carry.
const (
	CapService Capability = 1 << iota
	CapDataProvider
	CapScripting
	CapUI
	CapNetwork
	CapPersistence
	CapSecurity
	CapAnalytics
	CapAsyncInit
	CapHotReload
	CapConfiguration
	CapLogging
	CapMonitoring
)

// capabilityNames maps flags to their stable wire names.
var capabilityNames = map[Capability]string{
	CapService:       "service",
	CapDataProvider:  "data_provider",
	CapScripting:     "scripting",
	CapUI:            "ui",
	CapNetwork:       "network",
	CapPersistence:   "persistence",
	CapSecurity:      "security",
	CapAnalytics:     "analytics",
	CapAsyncInit:     "async_init",
	CapHotReload:     "hot_reload",
	CapConfiguration: "configuration",
	CapLogging:       "logging",
	CapMonitoring:    "monitoring",
}

// capabilitiesByName is the reverse of capabilityNames.
var capabilitiesByName = func() map[string]Capability {
	m := make(map[string]Capability, len(capabilityNames))
	for c, n := range capabilityNames {
		m[n] = c
	}
	return m
}()

// CapabilitySet is a bitset of capabilities.
type CapabilitySet uint16

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

// With returns the set extended by c.
func (s CapabilitySet) With(c Capability) CapabilitySet {
	return s | CapabilitySet(c)
}

// Names returns the wire names of all set flags, sorted.
func (s CapabilitySet) Names() []string {
	var names []string
	for c, n := range capabilityNames {
		if s.Has(c) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (s CapabilitySet) String() string {
	return strings.Join(s.Names(), ",")
}

// ParseCapabilities builds a set from wire names. Unknown names fail
// with InvalidFormat so a typo in a manifest is caught at load time.
func ParseCapabilities(names []string) (CapabilitySet, error) {
	var set CapabilitySet
	for _, n := range names {
		c, ok := capabilitiesByName[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, plugerr.New(plugerr.CodeInvalidFormat, "unknown capability %q", n)
		}
		set = set.With(c)
	}
	return set, nil
}
