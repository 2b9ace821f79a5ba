package audit

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/store"
)

const casRetries = 5

// Store persists audit trails through the KV port under audit:{workflowID}.
// Concurrent appends serialise through CAS on the encoded chain; the loser
// rereads and retries.
type Store struct {
	kv    store.KV
	clock func() time.Time
}

// NewStore creates an audit store.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func key(workflowID string) string { return "audit:" + workflowID }

// Load reconstructs and re-verifies a workflow's trail.
func (s *Store) Load(ctx context.Context, workflowID string) (*Trail, error) {
	raw, ok, err := s.kv.Get(ctx, key(workflowID))
	if err != nil {
		return nil, contracts.Errf(contracts.CodeAuditIntegrity, "load audit trail: %v", err).WithCause(err)
	}
	if !ok {
		return New(workflowID).WithClock(s.clock), nil
	}
	var events []contracts.AuditEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, contracts.Errf(contracts.CodeAuditIntegrity, "decode audit trail: %v", err).WithCause(err)
	}
	t, err := FromState(workflowID, events)
	if err != nil {
		return nil, err
	}
	return t.WithClock(s.clock), nil
}

// Append loads the trail, extends it and writes it back under CAS.
func (s *Store) Append(ctx context.Context, workflowID, eventType string, payload map[string]any) (contracts.AuditEvent, error) {
	for i := 0; i < casRetries; i++ {
		raw, exists, err := s.kv.Get(ctx, key(workflowID))
		if err != nil {
			return contracts.AuditEvent{}, contracts.Errf(contracts.CodeAuditIntegrity,
				"read audit trail: %v", err).WithCause(err)
		}

		var events []contracts.AuditEvent
		if exists {
			if err := json.Unmarshal(raw, &events); err != nil {
				return contracts.AuditEvent{}, contracts.Errf(contracts.CodeAuditIntegrity,
					"decode audit trail: %v", err).WithCause(err)
			}
		}
		trail, err := FromState(workflowID, events)
		if err != nil {
			return contracts.AuditEvent{}, err
		}
		trail.WithClock(s.clock)

		ev, err := trail.Append(eventType, payload)
		if err != nil {
			return contracts.AuditEvent{}, err
		}

		next, err := json.Marshal(trail.Events())
		if err != nil {
			return contracts.AuditEvent{}, contracts.Errf(contracts.CodeAuditIntegrity,
				"encode audit trail: %v", err).WithCause(err)
		}

		var expected []byte
		if exists {
			expected = raw
		}
		swapped, err := s.kv.CompareAndSwap(ctx, key(workflowID), expected, next, 0)
		if err != nil {
			return contracts.AuditEvent{}, contracts.Errf(contracts.CodeAuditIntegrity,
				"write audit trail: %v", err).WithCause(err)
		}
		if swapped {
			return ev, nil
		}
	}
	return contracts.AuditEvent{}, contracts.Errf(contracts.CodeAuditIntegrity,
		"audit append for workflow %s lost %d CAS races", workflowID, casRetries)
}

// ExportJSONL writes the verified chain as JSON lines.
func (s *Store) ExportJSONL(ctx context.Context, workflowID string, w io.Writer) error {
	trail, err := s.Load(ctx, workflowID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, ev := range trail.Events() {
		if err := enc.Encode(ev); err != nil {
			return contracts.Errf(contracts.CodeAuditIntegrity, "export audit trail: %v", err).WithCause(err)
		}
	}
	return nil
}
