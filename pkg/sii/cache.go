package sii

import "sync"

// Cache retains SII images across rescans, keyed by whichever identity
// the slave can be uniquely recognized by: either
// (alias, revision) when alias is non-zero, or the full
// (vendor,product,revision,serial) tuple otherwise.
type Cache struct {
	mu        sync.Mutex
	byAlias   map[aliasKey]*SII
	byFullID  map[fullKey]*SII
}

type aliasKey struct {
	alias    uint16
	revision uint32
}

type fullKey struct {
	vendor, product, revision, serial uint32
}

func NewCache() *Cache {
	return &Cache{
		byAlias:  make(map[aliasKey]*SII),
		byFullID: make(map[fullKey]*SII),
	}
}

// Lookup returns a cached image matching id, if any, preferring the
// alias-based key when id has a non-zero alias.
func (c *Cache) Lookup(id Identity) (*SII, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id.HasAlias() {
		if s, ok := c.byAlias[aliasKey{id.Alias, id.Revision}]; ok {
			return s, true
		}
	}
	s, ok := c.byFullID[fullKey{id.Vendor, id.Product, id.Revision, id.Serial}]
	return s, ok
}

// Store retains s under both of its identity keys, so a later rescan can
// hit on whichever one it has available.
func (c *Cache) Store(s *SII) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Identity.HasAlias() {
		c.byAlias[aliasKey{s.Identity.Alias, s.Identity.Revision}] = s
	}
	c.byFullID[fullKey{s.Identity.Vendor, s.Identity.Product, s.Identity.Revision, s.Identity.Serial}] = s
}
