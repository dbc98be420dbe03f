package cache

import (
	"time"

	"github.com/ehr/ehrsync/internal/platform/fhir"
)

// DefaultMetadataTTL is how long a capability statement is kept.
const DefaultMetadataTTL = time.Hour

// MetadataCache keeps remote capability statements keyed by FHIR base URL and
// answers capability queries from them.
type MetadataCache struct {
	cache *TTLCache[string, *fhir.CapabilityStatement]
}

// NewMetadataCache creates a metadata cache. A ttl of zero uses
// DefaultMetadataTTL.
func NewMetadataCache(ttl time.Duration, opts ...Option) *MetadataCache {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	opts = append([]Option{WithDefaultTTL(ttl)}, opts...)
	return &MetadataCache{cache: NewTTLCache[string, *fhir.CapabilityStatement](opts...)}
}

func (m *MetadataCache) Get(baseURL string) (*fhir.CapabilityStatement, bool) {
	return m.cache.Get(baseURL)
}

func (m *MetadataCache) Set(baseURL string, cs *fhir.CapabilityStatement) {
	m.cache.Set(baseURL, cs)
}

func (m *MetadataCache) Invalidate(baseURL string) {
	m.cache.Delete(baseURL)
}

// SupportsResource reports whether the cached statement for baseURL declares
// resourceType. It returns false when nothing is cached.
func (m *MetadataCache) SupportsResource(baseURL, resourceType string) bool {
	cs, ok := m.cache.Get(baseURL)
	if !ok {
		return false
	}
	return cs.SupportsResource(resourceType)
}

// Interactions lists the interactions the cached statement declares for
// resourceType, or nil when nothing is cached.
func (m *MetadataCache) Interactions(baseURL, resourceType string) []string {
	cs, ok := m.cache.Get(baseURL)
	if !ok {
		return nil
	}
	return cs.Interactions(resourceType)
}

func (m *MetadataCache) DeleteExpired() int { return m.cache.DeleteExpired() }

func (m *MetadataCache) Stats() Stats { return m.cache.Stats() }
