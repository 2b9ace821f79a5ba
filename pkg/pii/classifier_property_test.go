//go:build property
// +build property

package pii

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/veridact/erasure/pkg/contracts"
)

func genFindings() gopter.Gen {
	return gen.SliceOf(gen.Float64Range(0, 1)).Map(func(confs []float64) []contracts.PIIFinding {
		out := make([]contracts.PIIFinding, len(confs))
		for i, c := range confs {
			out[i] = contracts.PIIFinding{
				MatchID:    fmt.Sprintf("m-%d", i),
				System:     "mixpanel",
				Location:   "events",
				PIIType:    contracts.PIIEmail,
				Confidence: c,
			}
		}
		return out
	})
}

// Partition: |autoDelete| + |manualReview| + |ignore| = |input|, buckets are
// disjoint, and placement is exactly determined by the thresholds.
func TestClassifyPartitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	c := Classifier{AutoDeleteThreshold: 0.8, ManualReviewThreshold: 0.5}

	properties.Property("classification partitions the input exactly", prop.ForAll(
		func(in []contracts.PIIFinding) bool {
			out := c.Classify(in)
			if out.Total() != len(in) {
				return false
			}
			seen := map[string]bool{}
			check := func(bucket []contracts.PIIFinding, want Route) bool {
				for _, f := range bucket {
					if seen[f.MatchID] {
						return false
					}
					seen[f.MatchID] = true
					if c.RouteOf(f) != want {
						return false
					}
				}
				return true
			}
			return check(out.AutoDelete, RouteAutoDelete) &&
				check(out.ManualReview, RouteManualReview) &&
				check(out.Ignore, RouteIgnore)
		},
		genFindings(),
	))

	properties.Property("classification is deterministic", prop.ForAll(
		func(in []contracts.PIIFinding) bool {
			a := c.Classify(in)
			b := c.Classify(in)
			return a.Total() == b.Total() &&
				len(a.AutoDelete) == len(b.AutoDelete) &&
				len(a.ManualReview) == len(b.ManualReview)
		},
		genFindings(),
	))

	properties.TestingRun(t)
}
