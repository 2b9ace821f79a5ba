// Package pii routes scanner findings by confidence against the policy
// thresholds: auto-delete, manual review, or ignore.
package pii

import (
	"github.com/veridact/erasure/pkg/contracts"
)

// Route labels a classification bucket.
type Route string

const (
	RouteAutoDelete   Route = "autoDelete"
	RouteManualReview Route = "manualReview"
	RouteIgnore       Route = "ignore"
)

// Classification is a disjoint partition of the input findings. Order
// within each bucket follows input order; all finding fields are preserved.
type Classification struct {
	AutoDelete   []contracts.PIIFinding
	ManualReview []contracts.PIIFinding
	Ignore       []contracts.PIIFinding
}

// Total returns the partition size (always equal to the input size).
func (c Classification) Total() int {
	return len(c.AutoDelete) + len(c.ManualReview) + len(c.Ignore)
}

// Classifier holds the two thresholds, 0 <= manualReview < autoDelete <= 1.
type Classifier struct {
	AutoDeleteThreshold   float64
	ManualReviewThreshold float64
}

// FromPolicy builds a classifier from a workflow policy.
func FromPolicy(p contracts.Policy) Classifier {
	return Classifier{
		AutoDeleteThreshold:   p.AutoDeleteThreshold,
		ManualReviewThreshold: p.ManualReviewThreshold,
	}
}

// RouteOf places one finding:
// confidence >= autoDelete        -> autoDelete
// manualReview <= confidence < autoDelete -> manualReview
// otherwise                       -> ignore
func (c Classifier) RouteOf(f contracts.PIIFinding) Route {
	switch {
	case f.Confidence >= c.AutoDeleteThreshold:
		return RouteAutoDelete
	case f.Confidence >= c.ManualReviewThreshold:
		return RouteManualReview
	default:
		return RouteIgnore
	}
}

// Classify partitions findings. Pure and deterministic.
func (c Classifier) Classify(findings []contracts.PIIFinding) Classification {
	var out Classification
	for _, f := range findings {
		switch c.RouteOf(f) {
		case RouteAutoDelete:
			out.AutoDelete = append(out.AutoDelete, f)
		case RouteManualReview:
			out.ManualReview = append(out.ManualReview, f)
		default:
			out.Ignore = append(out.Ignore, f)
		}
	}
	return out
}
