// Package locks implements the per-user concurrency lock and the request
// deduper, both on KVStore compare-and-swap with a 24h TTL.
package locks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/veridact/erasure/pkg/canonicalize"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/store"
)

// TTL bounds how long a lock or dedupe entry can outlive its workflow.
const TTL = 24 * time.Hour

// UserLock is the value stored under user_lock:{userId}.
type UserLock struct {
	WorkflowID string    `json:"workflow_id"`
	RequestID  string    `json:"request_id"`
	LockedAt   time.Time `json:"locked_at"`
}

// DedupeEntry is the value stored under request_hash:{b64}.
type DedupeEntry struct {
	RequestID  string    `json:"request_id"`
	WorkflowID string    `json:"workflow_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Service owns both keyspaces.
type Service struct {
	kv    store.KV
	clock func() time.Time
}

// NewService creates a lock service on the given store.
func NewService(kv store.KV) *Service {
	return &Service{kv: kv, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func userLockKey(userID string) string { return "user_lock:" + userID }

// AcquireUserLock CAS-inserts the lock. On contention it returns a
// WORKFLOW_LOCK error carrying the conflicting workflow ID for the API to
// surface as 409.
func (s *Service) AcquireUserLock(ctx context.Context, userID, workflowID, requestID string) error {
	lock := UserLock{WorkflowID: workflowID, RequestID: requestID, LockedAt: s.clock().UTC()}
	raw, err := json.Marshal(lock)
	if err != nil {
		return contracts.Errf(contracts.CodeWorkflowLock, "encode lock: %v", err).WithCause(err)
	}
	ok, err := s.kv.CompareAndSwap(ctx, userLockKey(userID), nil, raw, TTL)
	if err != nil {
		return contracts.Errf(contracts.CodeWorkflowLock, "acquire lock for %s: %v", userID, err).WithCause(err)
	}
	if ok {
		return nil
	}

	existing, found, err := s.kv.Get(ctx, userLockKey(userID))
	conflicting := ""
	if err == nil && found {
		var cur UserLock
		if json.Unmarshal(existing, &cur) == nil {
			conflicting = cur.WorkflowID
		}
	}
	return contracts.Errf(contracts.CodeWorkflowLock,
		"user %s already has an active erasure workflow", userID).
		WithMeta("existing_workflow_id", conflicting)
}

// ReleaseUserLock removes the lock; called on terminal state. Missing locks
// are not an error (the TTL may have fired first).
func (s *Service) ReleaseUserLock(ctx context.Context, userID string) error {
	if err := s.kv.Delete(ctx, userLockKey(userID)); err != nil {
		return contracts.Errf(contracts.CodeWorkflowLock, "release lock for %s: %v", userID, err).WithCause(err)
	}
	return nil
}

// HolderOf returns the current lock for a user, if held.
func (s *Service) HolderOf(ctx context.Context, userID string) (*UserLock, bool, error) {
	raw, ok, err := s.kv.Get(ctx, userLockKey(userID))
	if err != nil || !ok {
		return nil, false, err
	}
	var lock UserLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, false, err
	}
	return &lock, true, nil
}

// RequestHash computes the dedupe key for a request body:
// request_hash:{base64(JCS(body))}.
func RequestHash(body any) (string, error) {
	canonical, err := canonicalize.JCS(body)
	if err != nil {
		return "", contracts.Errf(contracts.CodeValidation, "canonicalize request: %v", err).WithCause(err)
	}
	return "request_hash:" + base64.RawURLEncoding.EncodeToString(canonical), nil
}

// RemoveDedupe rolls a dedupe entry back, used when workflow admission
// fails after the entry was inserted.
func (s *Service) RemoveDedupe(ctx context.Context, body any) error {
	key, err := RequestHash(body)
	if err != nil {
		return err
	}
	return s.kv.Delete(ctx, key)
}

// DedupeRequest CAS-inserts the entry. On a duplicate it returns the
// existing pair and duplicate=true.
func (s *Service) DedupeRequest(ctx context.Context, body any, requestID, workflowID string) (*DedupeEntry, bool, error) {
	key, err := RequestHash(body)
	if err != nil {
		return nil, false, err
	}
	entry := DedupeEntry{RequestID: requestID, WorkflowID: workflowID, CreatedAt: s.clock().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, false, contracts.Errf(contracts.CodeValidation, "encode dedupe entry: %v", err).WithCause(err)
	}

	ok, err := s.kv.CompareAndSwap(ctx, key, nil, raw, TTL)
	if err != nil {
		return nil, false, contracts.Errf(contracts.CodeWorkflowLock, "dedupe insert: %v", err).WithCause(err)
	}
	if ok {
		return &entry, false, nil
	}

	existing, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, false, contracts.Errf(contracts.CodeWorkflowLock, "dedupe read: %v", err).WithCause(err)
	}
	if !found {
		// The entry lapsed between the CAS and the read. Claim the slot so
		// the next identical request is deduplicated against this one.
		if err := s.kv.Set(ctx, key, raw, TTL); err != nil {
			return nil, false, contracts.Errf(contracts.CodeWorkflowLock, "dedupe insert: %v", err).WithCause(err)
		}
		return &entry, false, nil
	}
	var cur DedupeEntry
	if err := json.Unmarshal(existing, &cur); err != nil {
		return nil, false, contracts.Errf(contracts.CodeWorkflowLock, "decode dedupe entry: %v", err).WithCause(err)
	}
	return &cur, true, nil
}
