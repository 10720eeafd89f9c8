package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"time"
)

// Request is one governance request to be decided.
type Request struct {
	Subject  string            `json:"subject"`
	Action   string            `json:"action"`
	Resource string            `json:"resource"`
	Context  map[string]string `json:"context,omitempty"`
}

// Fingerprint derives the request's stable identity: the cache key and the
// policy store key of its decision record. Context entries are folded in
// sorted order so equivalent requests always collide.
func (r Request) Fingerprint() string {
	h := sha256.New()
	io.WriteString(h, r.Subject)
	io.WriteString(h, "|")
	io.WriteString(h, r.Action)
	io.WriteString(h, "|")
	io.WriteString(h, r.Resource)
	io.WriteString(h, "|")

	keys := make([]string, 0, len(r.Context))
	for k := range r.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, r.Context[k])
		io.WriteString(h, "\n")
	}

	return "decision/" + hex.EncodeToString(h.Sum(nil))
}

// Decision is the outcome produced by the reasoning engine for a request.
type Decision struct {
	Outcome string `json:"outcome"` // "allow" or "deny"
	Reason  string `json:"reason,omitempty"`
	// TTL bounds how long the decision may be served from cache. Zero
	// means no hard expiry; confidence decay still applies.
	TTL time.Duration `json:"ttl,omitempty"`
}

// ReasoningEngine produces fresh decisions on cache misses. Implementations
// are expected to be slow and expensive; the coordinator bounds every call
// with a timeout and collapses concurrent calls for the same fingerprint.
type ReasoningEngine interface {
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// EngineFunc adapts a function to the ReasoningEngine interface.
type EngineFunc func(ctx context.Context, req Request) (Decision, error)

func (f EngineFunc) Evaluate(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}
