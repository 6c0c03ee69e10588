package graphbridge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conflictFixture(localFields, remoteFields map[string]any, localTime, remoteTime time.Time) *ConflictContext {
	return &ConflictContext{
		ConflictID:        "c-1",
		Type:              ConflictConcurrentEdit,
		Severity:          SeverityLow,
		ResourceType:      "plannerTask",
		ResourceID:        "task-1",
		UserID:            "u1",
		LocalVersion:      ResourceVersion{ETag: `W/"l"`, ModifiedAt: localTime, Fields: localFields},
		RemoteVersion:     ResourceVersion{ETag: `W/"r"`, ModifiedAt: remoteTime, Fields: remoteFields},
		ConflictingFields: conflictingFields(localFields, remoteFields),
		DetectedAt:        time.Now(),
	}
}

func TestLastWriteWinsPicksNewerVersion(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	earlier := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	// Remote is newer.
	conflict := conflictFixture(
		map[string]any{"title": "A"},
		map[string]any{"title": "B"},
		earlier, later,
	)
	result, err := r.ResolveConflict(context.Background(), conflict, StrategyLastWriteWins)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.RequiresManualIntervention)
	require.NotNil(t, result.ResolvedVersion)
	assert.Equal(t, "B", result.ResolvedVersion.Fields["title"])

	// Local is newer.
	conflict = conflictFixture(
		map[string]any{"title": "A"},
		map[string]any{"title": "B"},
		later, earlier,
	)
	result, err = r.ResolveConflict(context.Background(), conflict, StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, "A", result.ResolvedVersion.Fields["title"])
}

func TestLastWriteWinsTiesFavorRemote(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	conflict := conflictFixture(
		map[string]any{"title": "A"},
		map[string]any{"title": "B"},
		at, at,
	)
	result, err := r.ResolveConflict(context.Background(), conflict, StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, "B", result.ResolvedVersion.Fields["title"])
}

func TestMergeFieldsProgressTakesMax(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	now := time.Now()

	conflict := conflictFixture(
		map[string]any{"percentComplete": 75.0},
		map[string]any{"percentComplete": 50.0},
		now.Add(-time.Hour), now,
	)
	result, err := r.ResolveConflict(context.Background(), conflict, StrategyMergeFields)
	require.NoError(t, err)
	assert.Equal(t, 75.0, result.ResolvedVersion.Fields["percentComplete"])
}

func TestMergeFieldsFreeTextConcatenates(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	now := time.Now()

	conflict := conflictFixture(
		map[string]any{"description": "local words"},
		map[string]any{"description": "remote words"},
		now, now,
	)
	result, err := r.ResolveConflict(context.Background(), conflict, StrategyMergeFields)
	require.NoError(t, err)

	merged, ok := result.ResolvedVersion.Fields["description"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(merged, "remote words"))
	assert.Contains(t, merged, mergeMarker)
	assert.True(t, strings.HasSuffix(merged, "local words"))
}

func TestMergeFieldsAssignmentsUnion(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	now := time.Now()

	conflict := conflictFixture(
		map[string]any{"assignments": map[string]any{
			"alice": map[string]any{"orderHint": " !"},
			"bob":   map[string]any{"orderHint": " !"},
		}},
		map[string]any{"assignments": map[string]any{
			"alice": map[string]any{"orderHint": "remote"},
			"carol": map[string]any{"orderHint": " !"},
		}},
		now, now,
	)
	result, err := r.ResolveConflict(context.Background(), conflict, StrategyMergeFields)
	require.NoError(t, err)

	merged, ok := result.ResolvedVersion.Fields["assignments"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, merged, 3, "union of both assignee sets")
	// Remote wins for members both sides carry.
	alice := merged["alice"].(map[string]any)
	assert.Equal(t, "remote", alice["orderHint"])
}

func TestMergeFieldsListUnion(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	now := time.Now()

	conflict := conflictFixture(
		map[string]any{"checklist": []any{"a", "b"}},
		map[string]any{"checklist": []any{"b", "c"}},
		now, now,
	)
	result, err := r.ResolveConflict(context.Background(), conflict, StrategyMergeFields)
	require.NoError(t, err)

	merged, ok := result.ResolvedVersion.Fields["checklist"].([]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"a", "b", "c"}, merged)
}

func TestMergeFieldsUnknownFieldFallsBackToLastWrite(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	earlier := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	conflict := conflictFixture(
		map[string]any{"orderHint": "local"},
		map[string]any{"orderHint": "remote"},
		later, earlier,
	)
	result, err := r.ResolveConflict(context.Background(), conflict, StrategyMergeFields)
	require.NoError(t, err)
	assert.Equal(t, "local", result.ResolvedVersion.Fields["orderHint"])
}

func TestMergeFieldsKeepsAgreedFieldsAndLocalOnlyFields(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	now := time.Now()

	conflict := conflictFixture(
		map[string]any{"title": "same", "localNote": "keep me", "description": "l"},
		map[string]any{"title": "same", "description": "r"},
		now, now,
	)
	result, err := r.ResolveConflict(context.Background(), conflict, StrategyMergeFields)
	require.NoError(t, err)

	fields := result.ResolvedVersion.Fields
	assert.Equal(t, "same", fields["title"])
	assert.Equal(t, "keep me", fields["localNote"])
}

func TestMergeFieldsMintsFreshToken(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	now := time.Now()

	conflict := conflictFixture(
		map[string]any{"description": "l"},
		map[string]any{"description": "r"},
		now, now,
	)
	result, err := r.ResolveConflict(context.Background(), conflict, StrategyMergeFields)
	require.NoError(t, err)

	etag := result.ResolvedVersion.ETag
	assert.NotEqual(t, conflict.LocalVersion.ETag, etag)
	assert.NotEqual(t, conflict.RemoteVersion.ETag, etag)
	assert.True(t, strings.HasPrefix(etag, `W/"`))
}

func TestManualResolutionDefers(t *testing.T) {
	store := NewMemoryConflictStore()
	r := NewConflictResolver(store, nil)

	conflict := conflictFixture(
		map[string]any{"planId": "old"},
		map[string]any{"planId": "new"},
		time.Now(), time.Now(),
	)
	require.NoError(t, store.SaveConflict(context.Background(), &ConflictRecord{
		Conflict:   *conflict,
		Status:     ConflictRecordPending,
		DetectedAt: conflict.DetectedAt,
	}))

	result, err := r.ResolveConflict(context.Background(), conflict, StrategyManual)
	require.NoError(t, err, "deferral is not a failure")
	assert.False(t, result.Success)
	assert.True(t, result.RequiresManualIntervention)
	assert.Nil(t, result.ResolvedVersion)

	rec, err := store.GetConflict(context.Background(), conflict.ConflictID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ConflictRecordManual, rec.Status)
	assert.Equal(t, StrategyManual, rec.StrategyUsed)
	assert.Nil(t, rec.ResolvedAt)
}

func TestResolutionOutcomeIsRecorded(t *testing.T) {
	store := NewMemoryConflictStore()
	r := NewConflictResolver(store, nil)

	conflict := conflictFixture(
		map[string]any{"title": "A"},
		map[string]any{"title": "B"},
		time.Now(), time.Now(),
	)
	require.NoError(t, store.SaveConflict(context.Background(), &ConflictRecord{
		Conflict:   *conflict,
		Status:     ConflictRecordPending,
		DetectedAt: conflict.DetectedAt,
	}))

	_, err := r.ResolveConflict(context.Background(), conflict, StrategyLastWriteWins)
	require.NoError(t, err)

	rec, err := store.GetConflict(context.Background(), conflict.ConflictID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ConflictRecordResolved, rec.Status)
	assert.Equal(t, StrategyLastWriteWins, rec.StrategyUsed)
	require.NotNil(t, rec.ResolvedAt)
}

func TestResolveConflictUnknownStrategy(t *testing.T) {
	r := NewConflictResolver(nil, nil)
	conflict := conflictFixture(
		map[string]any{"title": "A"},
		map[string]any{"title": "B"},
		time.Now(), time.Now(),
	)

	_, err := r.ResolveConflict(context.Background(), conflict, ResolutionStrategy("coin_flip"))
	assert.Error(t, err)
}
