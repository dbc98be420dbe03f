package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	Etag     string `json:"etag,omitempty"`
}

// NewCollectionBundle creates a collection Bundle holding the given raw
// resources. Each entry gets a relative fullUrl when resourceType and id can
// be read from the payload.
func NewCollectionBundle(resources []json.RawMessage) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(resources))
	for _, raw := range resources {
		entries = append(entries, BundleEntry{
			FullURL:  fullURLOf(raw),
			Resource: raw,
		})
	}
	total := len(entries)
	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.New().String(),
		Type:         "collection",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NextLink returns the URL of the "next" page link, or "" when there is none.
func (b *Bundle) NextLink() string {
	if b == nil {
		return ""
	}
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Resources returns the raw resource payload of every entry that carries one.
func (b *Bundle) Resources() []json.RawMessage {
	if b == nil {
		return nil
	}
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		out = append(out, e.Resource)
	}
	return out
}

// ResourcesOfType returns the raw resources whose resourceType equals rt.
// OperationOutcome entries that servers append to search results are skipped
// unless explicitly asked for.
func (b *Bundle) ResourcesOfType(rt string) []json.RawMessage {
	var out []json.RawMessage
	for _, raw := range b.Resources() {
		t, _, err := PeekType(raw)
		if err != nil {
			continue
		}
		if t == rt {
			out = append(out, raw)
		}
	}
	return out
}

func fullURLOf(raw json.RawMessage) string {
	rt, id, err := PeekType(raw)
	if err != nil || rt == "" || id == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", rt, id)
}
