// Package audit implements the per-workflow append-only, hash-chained audit
// trail. Every event links to its predecessor; tampering with any payload
// breaks Verify.
package audit

import (
	"fmt"
	"time"

	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/crypto"
)

// chainedPayload is the canonical hashing input for one event.
type chainedPayload struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Trail is the in-memory view of one workflow's chain. Not safe for
// concurrent use; callers serialise through the state CAS.
type Trail struct {
	workflowID string
	events     []contracts.AuditEvent
	tip        string
	clock      func() time.Time
}

// New starts an empty chain anchored at the genesis hash.
func New(workflowID string) *Trail {
	return &Trail{workflowID: workflowID, tip: crypto.GenesisHash, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// FromState reconstructs a trail from persisted events and re-verifies the
// chain, failing with an AUDIT_INTEGRITY error on any mismatch.
func FromState(workflowID string, events []contracts.AuditEvent) (*Trail, error) {
	t := New(workflowID)
	t.events = append(t.events, events...)
	if len(events) > 0 {
		t.tip = events[len(events)-1].Hash
	}
	ok, err := t.verify()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, contracts.Errf(contracts.CodeAuditIntegrity,
			"audit chain for workflow %s failed verification", workflowID)
	}
	return t, nil
}

// Append extends the chain with a new event and returns it.
func (t *Trail) Append(eventType string, payload map[string]any) (contracts.AuditEvent, error) {
	ts := t.clock().UTC()
	hash, err := crypto.Chain(t.tip, chainedPayload{EventType: eventType, Timestamp: ts, Payload: payload})
	if err != nil {
		return contracts.AuditEvent{}, contracts.Errf(contracts.CodeAuditIntegrity,
			"hash audit event: %v", err).WithCause(err)
	}
	ev := contracts.AuditEvent{
		WorkflowID: t.workflowID,
		EventType:  eventType,
		Timestamp:  ts,
		Payload:    payload,
		PrevHash:   t.tip,
		Hash:       hash,
	}
	t.events = append(t.events, ev)
	t.tip = hash
	return ev, nil
}

// Root returns the current chain tip.
func (t *Trail) Root() string { return t.tip }

// Events returns a copy of the recorded events.
func (t *Trail) Events() []contracts.AuditEvent {
	out := make([]contracts.AuditEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Hashes returns the ordered hash list (the last entry is the root).
func (t *Trail) Hashes() []string {
	out := make([]string, len(t.events))
	for i, ev := range t.events {
		out[i] = ev.Hash
	}
	return out
}

// Verify replays the whole chain. Certificate issuance refuses when this
// returns an error.
func (t *Trail) Verify() error {
	ok, err := t.verify()
	if err != nil {
		return err
	}
	if !ok {
		return contracts.Errf(contracts.CodeAuditIntegrity,
			"audit chain for workflow %s failed verification", t.workflowID)
	}
	return nil
}

func (t *Trail) verify() (bool, error) {
	prev := crypto.GenesisHash
	for i, ev := range t.events {
		if ev.PrevHash != prev {
			return false, nil
		}
		expected, err := crypto.Chain(prev, chainedPayload{
			EventType: ev.EventType,
			Timestamp: ev.Timestamp,
			Payload:   ev.Payload,
		})
		if err != nil {
			return false, fmt.Errorf("replay event %d: %w", i, err)
		}
		if expected != ev.Hash {
			return false, nil
		}
		prev = expected
	}
	if len(t.events) > 0 && t.tip != t.events[len(t.events)-1].Hash {
		return false, nil
	}
	return true, nil
}
