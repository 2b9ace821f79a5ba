package audit

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/crypto"
	"github.com/veridact/erasure/pkg/store"
)

func testClock() func() time.Time {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		at = at.Add(time.Second)
		return at
	}
}

func TestTrailAppendChains(t *testing.T) {
	trail := New("wf-1").WithClock(testClock())

	ev1, err := trail.Append("WORKFLOW_CREATED", map[string]any{"request_id": "r1"})
	require.NoError(t, err)
	assert.Equal(t, crypto.GenesisHash, ev1.PrevHash)
	assert.Len(t, ev1.Hash, 64)

	ev2, err := trail.Append("STEP_COMPLETED", map[string]any{"step": "stripe"})
	require.NoError(t, err)
	assert.Equal(t, ev1.Hash, ev2.PrevHash)
	assert.Equal(t, ev2.Hash, trail.Root())

	require.NoError(t, trail.Verify())
}

func TestTrailTamperDetection(t *testing.T) {
	trail := New("wf-1").WithClock(testClock())
	_, err := trail.Append("WORKFLOW_CREATED", map[string]any{"request_id": "r1"})
	require.NoError(t, err)
	_, err = trail.Append("STEP_COMPLETED", map[string]any{"step": "stripe"})
	require.NoError(t, err)

	events := trail.Events()
	events[0].Payload["request_id"] = "tampered"

	_, err = FromState("wf-1", events)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeAuditIntegrity, contracts.CodeOf(err))
}

func TestFromStateRoundTrip(t *testing.T) {
	trail := New("wf-1").WithClock(testClock())
	for _, step := range []string{"stripe", "database", "checkpoint"} {
		_, err := trail.Append("STEP_COMPLETED", map[string]any{"step": step})
		require.NoError(t, err)
	}

	restored, err := FromState("wf-1", trail.Events())
	require.NoError(t, err)
	assert.Equal(t, trail.Root(), restored.Root())
	assert.Equal(t, trail.Hashes(), restored.Hashes())
}

func TestStoreAppendAndLoad(t *testing.T) {
	ctx := context.Background()
	st := NewStore(store.NewMemoryKV()).WithClock(testClock())

	_, err := st.Append(ctx, "wf-9", "WORKFLOW_CREATED", map[string]any{"request_id": "r9"})
	require.NoError(t, err)
	_, err = st.Append(ctx, "wf-9", "STEP_COMPLETED", map[string]any{"step": "stripe"})
	require.NoError(t, err)

	trail, err := st.Load(ctx, "wf-9")
	require.NoError(t, err)
	assert.Len(t, trail.Events(), 2)
	require.NoError(t, trail.Verify())
}

func TestStoreDetectsCorruptedPersistedChain(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	st := NewStore(kv).WithClock(testClock())

	_, err := st.Append(ctx, "wf-2", "WORKFLOW_CREATED", map[string]any{"a": 1})
	require.NoError(t, err)

	raw, _, _ := kv.Get(ctx, "audit:wf-2")
	corrupted := bytes.Replace(raw, []byte(`"a":1`), []byte(`"a":2`), 1)
	require.NoError(t, kv.Set(ctx, "audit:wf-2", corrupted, 0))

	_, err = st.Load(ctx, "wf-2")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeAuditIntegrity, contracts.CodeOf(err))
}

func TestStoreExportJSONL(t *testing.T) {
	ctx := context.Background()
	st := NewStore(store.NewMemoryKV()).WithClock(testClock())
	_, err := st.Append(ctx, "wf-3", "WORKFLOW_CREATED", nil)
	require.NoError(t, err)
	_, err = st.Append(ctx, "wf-3", "STEP_COMPLETED", map[string]any{"step": "crm"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, st.ExportJSONL(ctx, "wf-3", &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "WORKFLOW_CREATED")
}
