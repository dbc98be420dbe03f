package adapter

import "net/http"

// DefaultCernerIdentifierSystem is the Cerner Millennium MRN system used
// when the connection does not configure one.
const DefaultCernerIdentifierSystem = "urn:oid:2.16.840.1.113883.6.1000"

// CernerAdapter talks to Cerner (Oracle Health) Millennium endpoints. Writes
// ask for the stored representation so the new version id is returned.
type CernerAdapter struct {
	*VendorAdapter
}

func NewCernerAdapter(cfg Config, opts ...Option) *CernerAdapter {
	cfg.System = SystemCerner
	opts = append(opts[:len(opts):len(opts)], WithRequestHook(func(r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Header.Set("Prefer", "return=representation")
		}
	}))
	return &CernerAdapter{VendorAdapter: newVendorAdapter(cfg, DefaultCernerIdentifierSystem, opts...)}
}
