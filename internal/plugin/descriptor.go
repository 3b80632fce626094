// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package plugin

import (
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/dynaplug/dynaplug/pkg/plugerr"
	"github.com/dynaplug/dynaplug/pkg/pluginsdk"
)

// HostAPIVersion is the engine ABI version this host implements.
// Plugins declaring a different api_version are refused.
const HostAPIVersion = pluginsdk.APIVersion

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

// idPattern validates plugin ids: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens. Cannot end with a
// hyphen. Single character ids are allowed.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// Dependency is one resolved dependency declaration.
type Dependency struct {
	ID         string
	Constraint *semver.Constraints // nil admits any version
	Raw        string              // original range string
	Optional   bool
}

// Admits reports whether v satisfies the dependency's range.
func (d Dependency) Admits(v *semver.Version) bool {
	if d.Constraint == nil {
		return true
	}
	return d.Constraint.Check(v)
}

// Descriptor is the immutable identity block of a plugin, parsed and
// validated from the wire metadata blob.
type Descriptor struct {
	ID           string
	Name         string
	Version      *semver.Version
	Description  string
	Author       string
	License      string
	Capabilities CapabilitySet
	Priority     Priority
	Dependencies []Dependency
	APIVersion   int
}

// ParseDescriptor validates a metadata blob and binds it to domain
// types. API version compatibility is NOT checked here; the loader does
// that so QueryMetadata can still display incompatible plugins.
func ParseDescriptor(md pluginsdk.Metadata) (*Descriptor, error) {
	if md.ID == "" || !idPattern.MatchString(md.ID) {
		return nil, plugerr.New(plugerr.CodeInvalidFormat,
			"plugin id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", md.ID)
	}
	if len(md.ID) > maxIDLength {
		return nil, plugerr.New(plugerr.CodeInvalidFormat,
			"plugin id must be %d characters or less, got %d", maxIDLength, len(md.ID))
	}
	if md.Name == "" {
		return nil, plugerr.New(plugerr.CodeInvalidFormat, "plugin %s: name is required", md.ID)
	}

	version, err := semver.NewVersion(md.Version)
	if err != nil {
		return nil, plugerr.Wrapf(plugerr.CodeInvalidFormat, err, "plugin %s: invalid version %q", md.ID, md.Version)
	}

	caps, err := ParseCapabilities(md.Capabilities)
	if err != nil {
		return nil, err
	}

	priority, err := ParsePriority(md.Priority)
	if err != nil {
		return nil, err
	}

	deps := make([]Dependency, 0, len(md.Dependencies))
	seen := make(map[string]bool, len(md.Dependencies))
	for _, d := range md.Dependencies {
		if d.ID == "" {
			return nil, plugerr.New(plugerr.CodeInvalidFormat, "plugin %s: dependency with empty id", md.ID)
		}
		if d.ID == md.ID {
			return nil, plugerr.New(plugerr.CodeInvalidFormat, "plugin %s: depends on itself", md.ID)
		}
		if seen[d.ID] {
			return nil, plugerr.New(plugerr.CodeInvalidFormat, "plugin %s: duplicate dependency %s", md.ID, d.ID)
		}
		seen[d.ID] = true

		dep := Dependency{ID: d.ID, Raw: d.Version, Optional: d.Optional}
		if d.Version != "" {
			c, err := semver.NewConstraint(d.Version)
			if err != nil {
				return nil, plugerr.Wrapf(plugerr.CodeInvalidFormat, err,
					"plugin %s: invalid version constraint %q for dependency %s", md.ID, d.Version, d.ID)
			}
			dep.Constraint = c
		}
		deps = append(deps, dep)
	}

	return &Descriptor{
		ID:           md.ID,
		Name:         md.Name,
		Version:      version,
		Description:  md.Description,
		Author:       md.Author,
		License:      md.License,
		Capabilities: caps,
		Priority:     priority,
		Dependencies: deps,
		APIVersion:   md.APIVersion,
	}, nil
}

// Metadata converts the descriptor back to its wire form. Parsing the
// result yields an equal descriptor.
func (d *Descriptor) Metadata() pluginsdk.Metadata {
	deps := make([]pluginsdk.Dependency, 0, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		deps = append(deps, pluginsdk.Dependency{
			ID:       dep.ID,
			Version:  dep.Raw,
			Optional: dep.Optional,
		})
	}
	return pluginsdk.Metadata{
		ID:           d.ID,
		Name:         d.Name,
		Version:      d.Version.String(),
		Description:  d.Description,
		Author:       d.Author,
		License:      d.License,
		Capabilities: d.Capabilities.Names(),
		Priority:     d.Priority.String(),
		Dependencies: deps,
		APIVersion:   d.APIVersion,
	}
}

// CompatibleWithHost reports whether the declared ABI version matches
// the host's.
func (d *Descriptor) CompatibleWithHost() bool {
	return d.APIVersion == HostAPIVersion
}
