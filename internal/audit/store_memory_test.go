package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
)

func appendChange(t *testing.T, store Store, subject id.SubjectID, category id.CategoryID, version int64, at time.Time) *Entry {
	t.Helper()
	entry := FromChange(models.ChangeEvent{
		Subject:    subject,
		Category:   category,
		Previous:   models.StateNotSet,
		New:        models.StateGranted,
		Version:    version,
		OccurredAt: at,
		Source:     "api",
	}, models.MethodAPI, models.ContextHash{IPHash: "abc"})
	require.NoError(t, store.Append(context.Background(), entry))
	return entry
}

func TestMemoryStoreAppendAssignsIncreasingSeq(t *testing.T) {
	store := NewMemory()
	now := time.Now()

	e1 := appendChange(t, store, "u1", "analytics", 1, now)
	e2 := appendChange(t, store, "u1", "marketing", 1, now.Add(time.Second))
	e3 := appendChange(t, store, "u2", "analytics", 1, now.Add(2*time.Second))

	assert.Less(t, e1.Seq, e2.Seq)
	assert.Less(t, e2.Seq, e3.Seq)
}

func TestMemoryStoreQueryFiltersByRangeAndSeq(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		appendChange(t, store, "u1", "analytics", int64(i+1), base.Add(time.Duration(i)*time.Minute))
	}

	entries, err := store.Query(ctx, "u1", Range{Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Seq filter resumes strictly after.
	entries, err = store.Query(ctx, "u1", Range{}, entries[0].Seq, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Limit bounds the page.
	entries, err = store.Query(ctx, "u1", Range{}, 0, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCursorIsOrderedFiniteAndRestartable(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 7; i++ {
		appendChange(t, store, "u1", "analytics", int64(i+1), base.Add(time.Duration(i)*time.Second))
	}

	cursor := NewCursor(store, "u1", Range{})
	cursor.pageSize = 3

	var seen []int64
	for i := 0; i < 4; i++ {
		entry, ok, err := cursor.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		seen = append(seen, entry.Seq)
	}

	// Restart from the persisted resume token.
	resumed := NewCursorAfter(store, "u1", Range{}, cursor.LastSeq())
	for {
		entry, ok, err := resumed.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, entry.Seq)
	}

	require.Len(t, seen, 7)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestMemoryStoreExportReturnsFullOrderedHistory(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now()

	appendChange(t, store, "u1", "analytics", 1, now)
	appendChange(t, store, "u1", "analytics", 2, now.Add(time.Second))
	appendChange(t, store, "u2", "analytics", 1, now)

	entries, err := store.Export(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Version)
	assert.Equal(t, int64(2), entries[1].Version)

	count, err := store.CountBySubject(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedactSubjectBlanksPayloadKeepsSequence(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	appendChange(t, store, "u1", "analytics", 1, time.Now())
	erasure := NewEntry(KindErasure)
	erasure.Subject = "u1"
	erasure.Actor = "operator:alice"
	erasure.OccurredAt = time.Now()
	require.NoError(t, store.Append(ctx, erasure))

	require.NoError(t, store.RedactSubject(ctx, "u1"))

	entries, err := store.Export(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	redacted := entries[0]
	assert.Equal(t, KindStateChange, redacted.Kind)
	assert.NotZero(t, redacted.Seq)
	assert.Empty(t, string(redacted.New))
	assert.Empty(t, redacted.Context.IPHash)

	// The erasure entry itself survives intact.
	kept := entries[1]
	assert.Equal(t, KindErasure, kept.Kind)
	assert.Equal(t, "operator:alice", kept.Actor)
}
