package jobs

import (
	"context"
	"sort"

	"github.com/veridact/erasure/pkg/analyzer"
	"github.com/veridact/erasure/pkg/contracts"
)

// Item is one scannable object in a corpus: an S3 object, a warehouse row
// batch or a backup entry.
type Item struct {
	Key     string
	Content string
}

// CorpusSource lists items after a key, in key order.
type CorpusSource interface {
	// ListAfter returns up to limit items with keys strictly greater than
	// after, plus the total item count for progress reporting.
	ListAfter(ctx context.Context, target, after string, limit int) (items []Item, total int, err error)
}

// MemoryCorpus is an in-memory CorpusSource for tests and fixtures.
type MemoryCorpus struct {
	items map[string][]Item
}

// NewMemoryCorpus creates an empty corpus.
func NewMemoryCorpus() *MemoryCorpus {
	return &MemoryCorpus{items: make(map[string][]Item)}
}

// Add appends items under a target, keeping key order.
func (c *MemoryCorpus) Add(target string, items ...Item) {
	c.items[target] = append(c.items[target], items...)
	sort.Slice(c.items[target], func(i, j int) bool {
		return c.items[target][i].Key < c.items[target][j].Key
	})
}

func (c *MemoryCorpus) ListAfter(_ context.Context, target, after string, limit int) ([]Item, int, error) {
	all := c.items[target]
	var out []Item
	for _, it := range all {
		if it.Key <= after {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, len(all), nil
}

// CorpusDriver scans a CorpusSource item by item, routing each item's
// content through a ContentAnalyzer and reporting findings as it goes. A
// checkpoint is cut every CheckpointInterval items so a restart resumes
// after the last checkpointed key.
type CorpusDriver struct {
	typ      contracts.JobType
	source   CorpusSource
	scanner  analyzer.ContentAnalyzer
	subject  func(workflowID string) contracts.UserIdentifiers
	prefetch int
}

// NewCorpusDriver builds a driver for one job type. subject resolves the
// identifiers to scan for, per workflow.
func NewCorpusDriver(typ contracts.JobType, source CorpusSource, scanner analyzer.ContentAnalyzer, subject func(workflowID string) contracts.UserIdentifiers) *CorpusDriver {
	return &CorpusDriver{typ: typ, source: source, scanner: scanner, subject: subject, prefetch: 64}
}

func (d *CorpusDriver) Type() contracts.JobType { return d.typ }

func (d *CorpusDriver) Scan(ctx context.Context, job contracts.BackgroundJob, resume *contracts.Checkpoint, report ProgressFunc) error {
	processed := 0
	after := ""
	if resume != nil {
		processed = resume.ProcessedItems
		after = resume.LastKey
	}
	subject := d.subject(job.WorkflowID)
	interval := job.CheckpointInterval
	if interval <= 0 {
		interval = 100
	}
	batch := job.BatchSize
	if batch <= 0 {
		batch = d.prefetch
	}

	for {
		items, total, err := d.source.ListAfter(ctx, job.ScanTarget, after, batch)
		if err != nil {
			return contracts.Retryablef(contracts.CodeBackgroundJob, "list %s after %q: %v", job.ScanTarget, after, err).WithCause(err)
		}
		if len(items) == 0 {
			return nil
		}
		for _, it := range items {
			var findings []contracts.PIIFinding
			if analyzer.PreFilter(it.Content, subject) > 0 {
				resp, err := d.scanner.Analyze(ctx, analyzer.Request{
					System:   string(job.Type),
					Location: job.ScanTarget + "/" + it.Key,
					Content:  it.Content,
					Subject:  subject,
				})
				if err != nil {
					return contracts.Retryablef(contracts.CodePIIAgent, "analyze %s: %v", it.Key, err).WithCause(err)
				}
				findings = resp.Findings
			}
			processed++
			after = it.Key
			progress := 100.0
			if total > 0 {
				progress = float64(processed) / float64(total) * 100
			}
			if err := report(ctx, ProgressUpdate{
				Progress:       progress,
				ProcessedItems: processed,
				LastKey:        it.Key,
				Findings:       findings,
				Checkpoint:     processed%interval == 0,
			}); err != nil {
				return err
			}
		}
	}
}
