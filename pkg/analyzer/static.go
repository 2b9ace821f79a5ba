package analyzer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/veridact/erasure/pkg/contracts"
)

// Static is a deterministic in-process analyzer for tests and local mode.
// It reports one finding per identifier of the subject present in the
// content, at a fixed confidence per identifier kind.
type Static struct {
	EmailConfidence float64
	PhoneConfidence float64
	AliasConfidence float64
	Err             error // returned verbatim when set
	clock           func() time.Time
}

// NewStatic creates a Static with the default confidences.
func NewStatic() *Static {
	return &Static{
		EmailConfidence: 0.95,
		PhoneConfidence: 0.85,
		AliasConfidence: 0.6,
		clock:           time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Static) WithClock(clock func() time.Time) *Static {
	s.clock = clock
	return s
}

func (s *Static) Analyze(_ context.Context, req Request) (*Response, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	now := s.clock().UTC()
	resp := &Response{
		ProcessedAt: now,
		ContentHash: ContentHash(req.Content),
		Metadata: Metadata{
			PreFilterMatches: PreFilter(req.Content, req.Subject),
			ChunkCount:       len(ChunkContent(req.Content, 4096)),
		},
	}

	add := func(value string, kind contracts.PIIType, confidence float64) {
		if value == "" || !containsFold(req.Content, value) {
			return
		}
		resp.Findings = append(resp.Findings, contracts.PIIFinding{
			MatchID:    uuid.New().String(),
			System:     req.System,
			Location:   req.Location,
			PIIType:    kind,
			Confidence: confidence,
			Snippet:    value,
			Provenance: contracts.Provenance{
				Timestamp: now,
				MessageID: req.MessageID,
				Channel:   req.Channel,
			},
		})
		resp.Metadata.TotalConfidenceScore += confidence
	}

	for _, email := range req.Subject.Emails {
		add(email, contracts.PIIEmail, s.EmailConfidence)
	}
	for _, phone := range req.Subject.Phones {
		add(phone, contracts.PIIPhone, s.PhoneConfidence)
	}
	for _, alias := range req.Subject.Aliases {
		add(alias, contracts.PIIName, s.AliasConfidence)
	}
	return resp, nil
}
