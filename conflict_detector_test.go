package graphbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func version(etag string, fields map[string]any) ResourceVersion {
	return ResourceVersion{ETag: etag, ModifiedAt: time.Now(), Fields: fields}
}

func TestDetectConflictIdenticalTokens(t *testing.T) {
	d := NewConflictDetector(NewMemoryConflictStore(), nil)

	local := version(`W/"v1"`, map[string]any{"title": "A"})
	remote := version(`W/"v1"`, map[string]any{"title": "B"})

	conflict, err := d.DetectConflict(context.Background(), "plannerTask", "t1", local, remote, "u1", "tenant")
	require.NoError(t, err)
	assert.Nil(t, conflict, "matching concurrency tokens mean no conflict regardless of fields")
}

func TestDetectConflictTokenChurnWithoutDivergence(t *testing.T) {
	d := NewConflictDetector(NewMemoryConflictStore(), nil)

	local := version(`W/"v1"`, map[string]any{"title": "A", "percentComplete": 50})
	remote := version(`W/"v2"`, map[string]any{"title": "A", "percentComplete": 50})

	conflict, err := d.DetectConflict(context.Background(), "plannerTask", "t1", local, remote, "u1", "tenant")
	require.NoError(t, err)
	assert.Nil(t, conflict, "differing tokens over identical data is not a conflict")
}

func TestDetectConflictConcurrentEdit(t *testing.T) {
	store := NewMemoryConflictStore()
	d := NewConflictDetector(store, nil)

	local := version(`W/"v1"`, map[string]any{"title": "Local title", "percentComplete": 50})
	remote := version(`W/"v2"`, map[string]any{"title": "Remote title", "percentComplete": 50})

	conflict, err := d.DetectConflict(context.Background(), "plannerTask", "t1", local, remote, "u1", "tenant")
	require.NoError(t, err)
	require.NotNil(t, conflict)

	assert.Equal(t, ConflictConcurrentEdit, conflict.Type)
	assert.Equal(t, []string{"title"}, conflict.ConflictingFields)
	assert.NotEmpty(t, conflict.ConflictID)
	assert.Equal(t, "plannerTask", conflict.ResourceType)

	// The conflict is persisted before it is returned.
	rec, err := store.GetConflict(context.Background(), conflict.ConflictID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ConflictRecordPending, rec.Status)
}

func TestDetectConflictDeleteType(t *testing.T) {
	d := NewConflictDetector(nil, nil)

	local := version(`W/"v1"`, map[string]any{"title": "still here"})
	remote := version("", nil)

	conflict, err := d.DetectConflict(context.Background(), "plannerTask", "t1", local, remote, "u1", "tenant")
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, ConflictDelete, conflict.Type)
}

func TestDetectConflictDependencyType(t *testing.T) {
	d := NewConflictDetector(nil, nil)

	local := version(`W/"v1"`, map[string]any{"title": "t", "bucketId": "bucket-1"})
	remote := version(`W/"v2"`, map[string]any{"title": "t2"})

	conflict, err := d.DetectConflict(context.Background(), "plannerTask", "t1", local, remote, "u1", "tenant")
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, ConflictDependency, conflict.Type, "bucket reference vanished remotely")
}

func TestClassifySeverity(t *testing.T) {
	cases := []struct {
		name   string
		fields []string
		want   ConflictSeverity
	}{
		{"single minor field", []string{"title"}, SeverityLow},
		{"two fields", []string{"title", "orderHint"}, SeverityMedium},
		{"due date alone", []string{"dueDateTime"}, SeverityMedium},
		{"assignments", []string{"assignments"}, SeverityHigh},
		{"many fields", []string{"a", "b", "c", "d"}, SeverityHigh},
		{"identity field", []string{"planId"}, SeverityCritical},
		{"identity beats everything", []string{"title", "owner", "assignments"}, SeverityCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifySeverity(tc.fields))
		})
	}
}

func TestConflictingFieldsCoversBothSides(t *testing.T) {
	local := map[string]any{"title": "A", "localOnly": 1, "same": true}
	remote := map[string]any{"title": "B", "remoteOnly": 2, "same": true}

	assert.Equal(t, []string{"localOnly", "remoteOnly", "title"}, conflictingFields(local, remote))
}

func TestValuesEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"nils", nil, nil, true},
		{"int vs float", 50, 50.0, true},
		{"int vs different float", 50, 50.5, false},
		{"strings", "x", "x", true},
		{"reordered list", []any{"a", "b", "c"}, []any{"c", "a", "b"}, true},
		{"list with duplicates", []any{"a", "a", "b"}, []any{"a", "b", "b"}, false},
		{"list length mismatch", []any{"a"}, []any{"a", "a"}, false},
		{"nested maps", map[string]any{"x": map[string]any{"y": 1}}, map[string]any{"x": map[string]any{"y": 1.0}}, true},
		{"map key mismatch", map[string]any{"x": 1}, map[string]any{"z": 1}, false},
		{"map vs list", map[string]any{}, []any{}, false},
		{"list of maps reordered", []any{map[string]any{"id": 1}, map[string]any{"id": 2}}, []any{map[string]any{"id": 2}, map[string]any{"id": 1}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, valuesEqual(tc.a, tc.b))
		})
	}
}

type failingStore struct {
	err error
}

func (s *failingStore) SaveConflict(context.Context, *ConflictRecord) error { return s.err }
func (s *failingStore) GetConflict(context.Context, string) (*ConflictRecord, error) {
	return nil, s.err
}
func (s *failingStore) DeleteConflict(context.Context, string) error { return s.err }
func (s *failingStore) ListConflicts(context.Context, ConflictFilter) ([]*ConflictRecord, error) {
	return nil, s.err
}

func TestDetectConflictStoreFailure(t *testing.T) {
	d := NewConflictDetector(&failingStore{err: assert.AnError}, nil)

	local := version(`W/"v1"`, map[string]any{"title": "A"})
	remote := version(`W/"v2"`, map[string]any{"title": "B"})

	conflict, err := d.DetectConflict(context.Background(), "plannerTask", "t1", local, remote, "u1", "tenant")
	assert.Nil(t, conflict)
	assert.ErrorIs(t, err, assert.AnError)
}
