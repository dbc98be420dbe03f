package adapter

import "net/http"

// DefaultEpicIdentifierSystem is the Epic patient identifier OID used when
// the connection does not configure one.
const DefaultEpicIdentifierSystem = "urn:oid:1.2.840.114350.1.13.0.1.7.5.737384.0"

// EpicAdapter talks to Epic FHIR R4 endpoints. Every request carries the
// Epic-Client-ID header when a client id is configured.
type EpicAdapter struct {
	*VendorAdapter
}

func NewEpicAdapter(cfg Config, opts ...Option) *EpicAdapter {
	cfg.System = SystemEpic
	if cfg.ClientID != "" {
		clientID := cfg.ClientID
		opts = append(opts[:len(opts):len(opts)], WithRequestHook(func(r *http.Request) {
			r.Header.Set("Epic-Client-ID", clientID)
		}))
	}
	return &EpicAdapter{VendorAdapter: newVendorAdapter(cfg, DefaultEpicIdentifierSystem, opts...)}
}
