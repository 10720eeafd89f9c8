package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// PriorityClass ranks the provenance of a record for conflict resolution.
// Higher values dominate lower ones outright, regardless of version.
type PriorityClass int

const (
	ClassCachedStale PriorityClass = iota
	ClassEdgeInferred
	ClassAuthority
)

var classNames = map[PriorityClass]string{
	ClassCachedStale:  "cached-stale",
	ClassEdgeInferred: "edge-inferred",
	ClassAuthority:    "authority",
}

func (p PriorityClass) String() string {
	if name, ok := classNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalJSON encodes the class by name so wire payloads stay readable.
func (p PriorityClass) MarshalJSON() ([]byte, error) {
	name, ok := classNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown priority class %d", int(p))
	}
	return json.Marshal(name)
}

func (p *PriorityClass) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for class, n := range classNames {
		if n == name {
			*p = class
			return nil
		}
	}
	return fmt.Errorf("unknown priority class %q", name)
}

// Record is the atomic unit of synchronized state: one version of one
// logical key (a policy id or a request fingerprint), with enough
// provenance metadata for deterministic conflict resolution.
type Record struct {
	Key         string        `json:"key"`
	Value       []byte        `json:"value"`
	Version     uint64        `json:"version"`
	Origin      string        `json:"origin"`
	ContentHash string        `json:"content_hash"`
	Priority    PriorityClass `json:"priority_class"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at,omitzero"`
}

// ComputeContentHash hashes (key, value, version, origin).
// Hash = SHA256(key|value|version|origin), hex encoded.
func ComputeContentHash(r Record) string {
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], r.Version)

	h := sha256.New()
	h.Write([]byte(r.Key))
	h.Write([]byte("|"))
	h.Write(r.Value)
	h.Write([]byte("|"))
	h.Write(ver[:])
	h.Write([]byte("|"))
	h.Write([]byte(r.Origin))
	return hex.EncodeToString(h.Sum(nil))
}

// Sealed returns a copy with ContentHash filled in.
func (r Record) Sealed() Record {
	r.ContentHash = ComputeContentHash(r)
	return r
}

// Expired reports whether the record is expired at the given time.
// A zero ExpiresAt means the record never expires.
func (r Record) Expired(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return now.After(r.ExpiresAt)
}

// Same reports whether two records carry identical content.
func (r Record) Same(other Record) bool {
	return r.ContentHash == other.ContentHash && r.Version == other.Version
}

// Supersedes reports whether r wins over other under the resolution
// total order:
//
//  1. higher priority class
//  2. higher version
//  3. later CreatedAt
//  4. lexicographically lower ContentHash
//
// The final rule is arbitrary but stable, so two peers applying it
// independently converge on the same record. Equal records supersede
// nothing.
func (r Record) Supersedes(other Record) bool {
	if r.Priority != other.Priority {
		return r.Priority > other.Priority
	}
	if r.Version != other.Version {
		return r.Version > other.Version
	}
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.After(other.CreatedAt)
	}
	return r.ContentHash < other.ContentHash
}
