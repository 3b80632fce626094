// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package loader

import (
	lru "github.com/hashicorp/golang-lru/v2"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
)

// defaultCacheSize bounds the metadata cache.
const defaultCacheSize = 128

// cacheKey identifies a manifest file at a point in time. A rewrite of
// the manifest changes mtime or size and misses the cache.
type cacheKey struct {
	Path  string
	MTime int64
	Size  int64
}

// metadataCache is a bounded LRU of parsed descriptors.
type metadataCache struct {
	lru *lru.Cache[cacheKey, *plugin.Descriptor]
}

func newMetadataCache(size int) *metadataCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	// lru.New only fails on non-positive sizes, which we just excluded.
	c, err := lru.New[cacheKey, *plugin.Descriptor](size)
	if err != nil {
		panic(err)
	}
	return &metadataCache{lru: c}
}

func (c *metadataCache) get(key cacheKey) (*plugin.Descriptor, bool) {
	return c.lru.Get(key)
}

func (c *metadataCache) put(key cacheKey, desc *plugin.Descriptor) {
	c.lru.Add(key, desc)
}
