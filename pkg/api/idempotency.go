package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/veridact/erasure/pkg/store"
)

const idempotencyTTL = 24 * time.Hour

// cachedResponse is a replayable response stored under an Idempotency-Key.
type cachedResponse struct {
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	CachedAt    time.Time `json:"cached_at"`
}

// IdempotencyStore persists responses for replay, KV-backed so replay
// survives restarts and works across replicas.
type IdempotencyStore struct {
	kv store.KV
}

// NewIdempotencyStore wraps a KV.
func NewIdempotencyStore(kv store.KV) *IdempotencyStore {
	return &IdempotencyStore{kv: kv}
}

func idempotencyKey(key string) string { return "idempotency:" + key }

func (s *IdempotencyStore) check(ctx context.Context, key string) (*cachedResponse, bool) {
	raw, ok, err := s.kv.Get(ctx, idempotencyKey(key))
	if err != nil || !ok {
		return nil, false
	}
	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

func (s *IdempotencyStore) set(ctx context.Context, key string, resp *cachedResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = s.kv.Set(ctx, idempotencyKey(key), raw, idempotencyTTL)
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Middleware replays cached responses for repeated Idempotency-Key values
// on mutating requests. Only successful responses are cached; a failed
// attempt may be retried with the same key.
func (s *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		if cached, ok := s.check(r.Context(), key); ok {
			w.Header().Set("Content-Type", cached.ContentType)
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(capture, r)

		if capture.statusCode < 500 {
			s.set(r.Context(), key, &cachedResponse{
				StatusCode:  capture.statusCode,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
				CachedAt:    time.Now().UTC(),
			})
		}
	})
}
