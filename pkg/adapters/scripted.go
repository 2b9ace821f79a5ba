package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/veridact/erasure/pkg/contracts"
)

// outcome is one scripted Delete result: a transport error, or a refusal
// (success=false with no error).
type outcome struct {
	err     error
	refusal string
}

// Scripted is a test double implementing ExternalSystem. Outcomes are
// consumed in order; once the script is exhausted every further call
// succeeds idempotently with ReceiptAlreadyDeleted.
type Scripted struct {
	name string

	mu      sync.Mutex
	script  []outcome
	calls   int
	deleted bool
}

// NewScripted creates a connector that fails with the given errors for its
// first len(failures) calls, then succeeds.
func NewScripted(name string, failures ...error) *Scripted {
	s := &Scripted{name: name}
	s.Script(failures...)
	return s
}

func (s *Scripted) Name() string { return s.name }

// Script appends failures to the outcome queue.
func (s *Scripted) Script(failures ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, err := range failures {
		s.script = append(s.script, outcome{err: err})
	}
}

// Refuse queues success=false responses: the connector answers without a
// transport error but reports the deletion was not performed.
func (s *Scripted) Refuse(responses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range responses {
		s.script = append(s.script, outcome{refusal: r})
	}
}

// MarkDeleted puts the system in the post-deletion state, so the next call
// reports ReceiptAlreadyDeleted.
func (s *Scripted) MarkDeleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
}

// Calls returns how many times Delete ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Delete(ctx context.Context, subject contracts.UserIdentifiers) (*DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		if next.err != nil {
			return nil, next.err
		}
		if next.refusal != "" {
			return &DeleteResult{
				Success:     false,
				RawResponse: fmt.Sprintf("%s: %s", s.name, next.refusal),
			}, nil
		}
	}

	if s.deleted {
		return &DeleteResult{
			Success:     true,
			Receipt:     ReceiptAlreadyDeleted,
			RawResponse: fmt.Sprintf("%s: no records for %s", s.name, subject.UserID),
		}, nil
	}
	s.deleted = true
	return &DeleteResult{
		Success:     true,
		Receipt:     fmt.Sprintf("%s-receipt-%d", s.name, s.calls),
		RawResponse: fmt.Sprintf("%s: purged records for %s", s.name, subject.UserID),
	}, nil
}
