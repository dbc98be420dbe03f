// Package conflict detects divergence between the local and remote copies of
// a resource and reconciles them with a configurable strategy.
package conflict

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrUnknownStrategy    = errors.New("unknown resolution strategy")
	ErrManualDataRequired = errors.New("manual resolution requires resolved data")
	ErrNotFound           = errors.New("conflict not found")
	ErrAlreadyResolved    = errors.New("conflict already resolved")
	ErrNotResolved        = errors.New("conflict not resolved")
	ErrDuplicateID        = errors.New("conflict id already in use")
)

// Type classifies a conflict by which side still holds the resource.
type Type string

const (
	TypeUpdate Type = "update"
	TypeDelete Type = "delete" // local copy is gone
	TypeCreate Type = "create" // remote copy is gone
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusDeferred Status = "deferred"
)

// Strategy names a resolution algorithm.
type Strategy string

const (
	LocalWins  Strategy = "local_wins"
	RemoteWins Strategy = "remote_wins"
	MostRecent Strategy = "most_recent"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case LocalWins, RemoteWins, MostRecent, Merge, Manual:
		return true
	}
	return false
}

// ParseStrategy converts a configuration or request value into a Strategy.
func ParseStrategy(v string) (Strategy, error) {
	s := Strategy(v)
	if !s.Valid() {
		return "", ErrUnknownStrategy
	}
	return s, nil
}

// Info describes one detected divergence. A nil LocalData or RemoteData
// means that side no longer has the resource. System scopes ResourceID to
// the remote server it belongs to.
type Info struct {
	System        string          `json:"system,omitempty"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	LocalVersion  string          `json:"local_version"`
	RemoteVersion string          `json:"remote_version"`
	LocalData     json.RawMessage `json:"local_data,omitempty"`
	RemoteData    json.RawMessage `json:"remote_data,omitempty"`
	Type          Type            `json:"conflict_type"`
}

// Resolution is the outcome applied to a conflict. AppliedAt is set once the
// resolved data has been written to the remote server.
type Resolution struct {
	Strategy   Strategy        `json:"strategy"`
	Data       json.RawMessage `json:"data"`
	ResolvedAt time.Time       `json:"resolved_at"`
	AppliedAt  *time.Time      `json:"applied_at,omitempty"`
}

// Record tracks one conflict through pending, deferred and resolved.
// Resolution is set exactly when Status is resolved. A resource has at most
// one open (pending or deferred) record at a time.
type Record struct {
	ID         string      `json:"id"`
	Conflict   Info        `json:"conflict"`
	Resolution *Resolution `json:"resolution,omitempty"`
	Status     Status      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.Resolution != nil {
		res := *r.Resolution
		if res.AppliedAt != nil {
			at := *res.AppliedAt
			res.AppliedAt = &at
		}
		cp.Resolution = &res
	}
	return &cp
}

// Open reports whether the record still waits for an operator or the
// auto-resolver.
func (r *Record) Open() bool {
	return r.Status == StatusPending || r.Status == StatusDeferred
}

// Unapplied reports whether the record is resolved but its data has not
// reached the remote server yet.
func (r *Record) Unapplied() bool {
	return r.Status == StatusResolved && r.Resolution != nil && r.Resolution.AppliedAt == nil
}

func (i Info) sameResource(o Info) bool {
	return i.System == o.System && i.ResourceType == o.ResourceType && i.ResourceID == o.ResourceID
}

// Stats counts records by status.
type Stats struct {
	Pending  int `json:"pending"`
	Deferred int `json:"deferred"`
	Resolved int `json:"resolved"`
	Total    int `json:"total"`
}
