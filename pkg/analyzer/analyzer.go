// Package analyzer defines the ContentAnalyzer contract the engine consumes
// for language-model-assisted PII scanning, plus the pre-filter and chunking
// the engine applies around any provider.
package analyzer

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/veridact/erasure/pkg/canonicalize"
	"github.com/veridact/erasure/pkg/contracts"
)

// Request is one scan unit. System and Location are echoed back verbatim on
// every finding.
type Request struct {
	System     string                    `json:"system"`
	Location   string                    `json:"location"`
	Content    string                    `json:"content"`
	Subject    contracts.UserIdentifiers `json:"subject"`
	MessageID  string                    `json:"message_id,omitempty"`
	Channel    string                    `json:"channel,omitempty"`
}

// Metadata summarises how a scan was executed.
type Metadata struct {
	PreFilterMatches     int     `json:"pre_filter_matches"`
	ChunkCount           int     `json:"chunk_count"`
	TotalConfidenceScore float64 `json:"total_confidence_score"`
}

// Response is the structured scanner output. ContentHash fingerprints the
// scanned content; ProcessedAt is set by the provider.
type Response struct {
	Findings    []contracts.PIIFinding `json:"findings"`
	ProcessedAt time.Time              `json:"processed_at"`
	ContentHash string                 `json:"content_hash"`
	Metadata    Metadata               `json:"metadata"`
}

// ContentAnalyzer is the provider contract. Implementations live outside
// the engine; tests use Static.
type ContentAnalyzer interface {
	Analyze(ctx context.Context, req Request) (*Response, error)
}

// ContentHash fingerprints scan content the same way providers must.
func ContentHash(content string) string {
	return canonicalize.HashBytes([]byte(content))
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-\s()]{6,}[0-9]`)
)

// PreFilter counts cheap regex matches for the subject's identifiers before
// any model call; a zero count lets callers skip the provider entirely.
func PreFilter(content string, subject contracts.UserIdentifiers) int {
	matches := 0
	for _, email := range subject.Emails {
		if email != "" && containsFold(content, email) {
			matches++
		}
	}
	for _, phone := range subject.Phones {
		if phone != "" && containsFold(content, phone) {
			matches++
		}
	}
	for _, alias := range subject.Aliases {
		if alias != "" && containsFold(content, alias) {
			matches++
		}
	}
	matches += len(emailPattern.FindAllString(content, -1))
	matches += len(phonePattern.FindAllString(content, -1))
	return matches
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// ChunkContent splits content into provider-sized chunks on rune
// boundaries. Always returns at least one chunk.
func ChunkContent(content string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	runes := []rune(content)
	if len(runes) <= chunkSize {
		return []string{content}
	}
	var chunks []string
	for start := 0; start < len(runes); start += chunkSize {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
