// conflict_detector.go
// --------------------
// ConflictDetector compares a locally cached resource version against a
// freshly fetched remote one. Identical concurrency tokens mean no
// conflict, full stop. Otherwise fields are diffed deeply and
// order-insensitively (maps key by key, lists as multisets, so reordering
// alone is never a conflict), the conflict is typed and graded, persisted
// for the audit trail, and returned for resolution.
package graphbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies what kind of disagreement was found.
type ConflictType string

const (
	// ConflictConcurrentEdit: both sides changed overlapping fields.
	ConflictConcurrentEdit ConflictType = "concurrent_edit"
	// ConflictDependency: a referenced parent resource no longer exists
	// remotely.
	ConflictDependency ConflictType = "dependency_conflict"
	// ConflictDelete: the resource was deleted remotely while edited
	// locally.
	ConflictDelete ConflictType = "delete_conflict"
)

// ConflictSeverity grades how risky automatic resolution would be.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// ResourceVersion is one side of a comparison: the concurrency token, the
// modification timestamp when known, and the resource's fields.
type ResourceVersion struct {
	ETag       string         `json:"etag"`
	ModifiedAt time.Time      `json:"modified_at,omitempty"`
	Fields     map[string]any `json:"fields"`
}

// ConflictContext is the detector's full description of one conflict.
// Created here, consumed by the resolver, persisted for audit and the
// manual-resolution queue.
type ConflictContext struct {
	ConflictID        string           `json:"conflict_id"`
	Type              ConflictType     `json:"conflict_type"`
	Severity          ConflictSeverity `json:"severity"`
	ResourceType      string           `json:"resource_type"`
	ResourceID        string           `json:"resource_id"`
	TenantID          string           `json:"tenant_id,omitempty"`
	UserID            string           `json:"user_id"`
	LocalVersion      ResourceVersion  `json:"local_version"`
	RemoteVersion     ResourceVersion  `json:"remote_version"`
	ConflictingFields []string         `json:"conflicting_fields"`
	DetectedAt        time.Time        `json:"detected_at"`
}

// Planner fields that define a resource's identity or parent relationship:
// disagreement on these is always critical.
var identityFields = map[string]bool{
	"planId":    true,
	"bucketId":  true,
	"owner":     true,
	"createdBy": true,
}

// Fields whose disagreement bumps severity because they change who does
// what and by when.
var assignmentFields = map[string]bool{
	"assignments":       true,
	"appliedCategories": true,
}

var dueDateFields = map[string]bool{
	"dueDateTime":   true,
	"startDateTime": true,
}

// ConflictDetector detects and persists conflicts. Safe for concurrent use.
type ConflictDetector struct {
	store  ConflictStore
	logger *slog.Logger
	now    func() time.Time
}

func NewConflictDetector(store ConflictStore, logger *slog.Logger) *ConflictDetector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ConflictDetector{store: store, logger: logger, now: time.Now}
}

// DetectConflict returns nil when the two versions carry the same
// concurrency token or when only the token differs. A detected conflict is
// persisted before it is returned.
func (d *ConflictDetector) DetectConflict(ctx context.Context, resourceType, resourceID string, local, remote ResourceVersion, userID, tenantID string) (*ConflictContext, error) {
	if local.ETag != "" && local.ETag == remote.ETag {
		return nil, nil
	}

	fields := conflictingFields(local.Fields, remote.Fields)
	if len(fields) == 0 {
		// Token churn without data divergence; remote is authoritative.
		return nil, nil
	}

	conflict := &ConflictContext{
		ConflictID:        uuid.NewString(),
		Type:              classifyConflictType(local, remote),
		Severity:          classifySeverity(fields),
		ResourceType:      resourceType,
		ResourceID:        resourceID,
		TenantID:          tenantID,
		UserID:            userID,
		LocalVersion:      local,
		RemoteVersion:     remote,
		ConflictingFields: fields,
		DetectedAt:        d.now(),
	}

	if d.store != nil {
		rec := &ConflictRecord{
			Conflict:   *conflict,
			Status:     ConflictRecordPending,
			DetectedAt: conflict.DetectedAt,
		}
		if err := d.store.SaveConflict(ctx, rec); err != nil {
			return nil, fmt.Errorf("persisting conflict %s: %w", conflict.ConflictID, err)
		}
	}

	d.logger.Debug("conflict detected",
		"conflict", conflict.ConflictID, "resource", resourceID,
		"type", conflict.Type, "severity", conflict.Severity,
		"fields", len(fields))
	return conflict, nil
}

func classifyConflictType(local, remote ResourceVersion) ConflictType {
	if len(remote.Fields) == 0 && len(local.Fields) > 0 {
		return ConflictDelete
	}
	// A parent reference present locally but gone remotely means the
	// containing resource disappeared underneath us.
	for _, parent := range []string{"planId", "bucketId"} {
		lv, lok := local.Fields[parent]
		if !lok || lv == "" || lv == nil {
			continue
		}
		if rv, rok := remote.Fields[parent]; !rok || rv == "" || rv == nil {
			return ConflictDependency
		}
	}
	return ConflictConcurrentEdit
}

func classifySeverity(fields []string) ConflictSeverity {
	hasAssignment, hasDueDate := false, false
	for _, f := range fields {
		if identityFields[f] {
			return SeverityCritical
		}
		if assignmentFields[f] {
			hasAssignment = true
		}
		if dueDateFields[f] {
			hasDueDate = true
		}
	}
	switch {
	case hasAssignment || len(fields) >= 4:
		return SeverityHigh
	case hasDueDate || len(fields) >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// conflictingFields returns the sorted union of field names whose values
// differ between the two versions.
func conflictingFields(local, remote map[string]any) []string {
	seen := make(map[string]bool, len(local)+len(remote))
	var out []string
	for name := range local {
		seen[name] = true
		if !valuesEqual(local[name], remote[name]) {
			out = append(out, name)
		}
	}
	for name := range remote {
		if seen[name] {
			continue
		}
		if !valuesEqual(local[name], remote[name]) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// valuesEqual compares two JSON-shaped values deeply and
// order-insensitively: maps recurse key by key, lists match as multisets,
// numbers compare across int/float representations.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}

	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}

	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return false
		}
		used := make([]bool, len(bs))
	next:
		for _, av := range as {
			for i, bv := range bs {
				if !used[i] && valuesEqual(av, bv) {
					used[i] = true
					continue next
				}
			}
			return false
		}
		return true
	}

	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}

	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
