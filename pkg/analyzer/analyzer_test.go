package analyzer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridact/erasure/pkg/contracts"
)

func subject() contracts.UserIdentifiers {
	return contracts.UserIdentifiers{
		UserID:  "gdpr_test_001",
		Emails:  []string{"gdpr.test@example.dev"},
		Phones:  []string{"+15551234567"},
		Aliases: []string{"Test User"},
	}
}

func TestStaticStructuredOutput(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	a := NewStatic().WithClock(func() time.Time { return at })

	content := "ticket from gdpr.test@example.dev, callback +15551234567, signed Test User"
	resp, err := a.Analyze(context.Background(), Request{
		System:   "intercom",
		Location: "conversations",
		Content:  content,
		Subject:  subject(),
	})
	require.NoError(t, err)

	assert.Equal(t, at, resp.ProcessedAt)
	assert.Equal(t, ContentHash(content), resp.ContentHash)
	assert.GreaterOrEqual(t, resp.Metadata.PreFilterMatches, 1)
	assert.GreaterOrEqual(t, resp.Metadata.ChunkCount, 1)
	assert.Greater(t, resp.Metadata.TotalConfidenceScore, 0.0)

	require.Len(t, resp.Findings, 3)
	for _, f := range resp.Findings {
		_, err := uuid.Parse(f.MatchID)
		assert.NoError(t, err, "match id must be a UUID")
		assert.Equal(t, "intercom", f.System)
		assert.Equal(t, "conversations", f.Location)
		assert.Greater(t, f.Confidence, 0.0)
		assert.LessOrEqual(t, f.Confidence, 1.0)
	}
}

func TestStaticNoMatches(t *testing.T) {
	a := NewStatic()
	resp, err := a.Analyze(context.Background(), Request{
		System:   "sendgrid",
		Location: "templates",
		Content:  "nothing personal here",
		Subject:  subject(),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Findings)
}

func TestPreFilterCountsIdentifiers(t *testing.T) {
	n := PreFilter("mail GDPR.TEST@EXAMPLE.DEV arrived", subject())
	assert.GreaterOrEqual(t, n, 1, "case-insensitive identifier match expected")

	assert.Equal(t, 0, PreFilter("plain text", contracts.UserIdentifiers{UserID: "u"}))
}

func TestChunkContent(t *testing.T) {
	assert.Equal(t, []string{"short"}, ChunkContent("short", 10))

	long := strings.Repeat("x", 25)
	chunks := ChunkContent(long, 10)
	assert.Len(t, chunks, 3)
	assert.Equal(t, long, strings.Join(chunks, ""))

	assert.Len(t, ChunkContent("", 10), 1, "always at least one chunk")
}
