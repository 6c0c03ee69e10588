// conflict_resolver.go
// --------------------
// ConflictResolver applies a resolution strategy to a detected conflict:
//
//   - last_write_wins: the version with the later timestamp wins wholesale.
//   - merge_fields: start from the remote version and merge each conflicting
//     field by a field-specific rule (union for assignment collections,
//     numeric max for completion percentages, marked concatenation for free
//     text, last-write-wins for everything else), then mint a fresh
//     concurrency token.
//   - manual_resolution: defer to a human queue; the data stays unresolved
//     but the deferral itself is not a failure.
//
// Every resolution, applied or deferred, is written back to the conflict's
// persisted record for audit and statistics.
package graphbridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResolutionStrategy names a way of resolving a conflict.
type ResolutionStrategy string

const (
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	StrategyMergeFields   ResolutionStrategy = "merge_fields"
	StrategyManual        ResolutionStrategy = "manual_resolution"
)

// ResolutionResult is the terminal output of conflict handling. Success
// means ResolvedVersion is usable; RequiresManualIntervention means the
// conflict was parked for a human instead.
type ResolutionResult struct {
	ConflictID                 string             `json:"conflict_id"`
	StrategyUsed               ResolutionStrategy `json:"strategy_used"`
	ResolvedVersion            *ResourceVersion   `json:"resolved_version,omitempty"`
	Success                    bool               `json:"success"`
	RequiresManualIntervention bool               `json:"requires_manual_intervention"`
}

// Free-text fields merged by concatenation so neither side's words are
// lost.
var freeTextFields = map[string]bool{
	"description": true,
	"notes":       true,
	"details":     true,
}

// Numeric progress fields merged by taking the maximum.
var progressFields = map[string]bool{
	"percentComplete":      true,
	"completionPercentage": true,
	"progress":             true,
}

// mergeMarker makes merged free text provenance visible.
const mergeMarker = "\n[Merged]\n"

// ConflictResolver resolves conflicts and records the outcome. Safe for
// concurrent use.
type ConflictResolver struct {
	store  ConflictStore
	logger *slog.Logger
	now    func() time.Time
}

func NewConflictResolver(store ConflictStore, logger *slog.Logger) *ConflictResolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ConflictResolver{store: store, logger: logger, now: time.Now}
}

// ResolveConflict dispatches on strategy and records the outcome on the
// persisted conflict record.
func (r *ConflictResolver) ResolveConflict(ctx context.Context, conflict *ConflictContext, strategy ResolutionStrategy) (*ResolutionResult, error) {
	var result *ResolutionResult
	switch strategy {
	case StrategyLastWriteWins:
		result = r.lastWriteWins(conflict)
	case StrategyMergeFields:
		result = r.mergeFields(conflict)
	case StrategyManual:
		result = &ResolutionResult{
			ConflictID:                 conflict.ConflictID,
			StrategyUsed:               StrategyManual,
			Success:                    false,
			RequiresManualIntervention: true,
		}
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	if err := r.recordOutcome(ctx, conflict.ConflictID, result); err != nil {
		return nil, err
	}

	r.logger.Debug("conflict resolution recorded",
		"conflict", conflict.ConflictID, "strategy", strategy,
		"success", result.Success, "manual", result.RequiresManualIntervention)
	return result, nil
}

// lastWriteWins picks the version with the later timestamp wholesale. Ties
// and missing timestamps favor remote, which is authoritative.
func (r *ConflictResolver) lastWriteWins(conflict *ConflictContext) *ResolutionResult {
	winner := conflict.RemoteVersion
	if conflict.LocalVersion.ModifiedAt.After(conflict.RemoteVersion.ModifiedAt) {
		winner = conflict.LocalVersion
	}
	return &ResolutionResult{
		ConflictID:      conflict.ConflictID,
		StrategyUsed:    StrategyLastWriteWins,
		ResolvedVersion: &winner,
		Success:         true,
	}
}

// mergeFields starts from the remote version and merges each conflicting
// field. Fields both versions agree on are never touched.
func (r *ConflictResolver) mergeFields(conflict *ConflictContext) *ResolutionResult {
	merged := cloneFields(conflict.RemoteVersion.Fields)

	for _, name := range conflict.ConflictingFields {
		lv, lok := conflict.LocalVersion.Fields[name]
		rv, rok := conflict.RemoteVersion.Fields[name]
		switch {
		case !lok:
			// Only remote has it; already in the base.
		case !rok:
			merged[name] = lv
		default:
			merged[name] = mergeField(name, lv, rv, conflict.LocalVersion.ModifiedAt, conflict.RemoteVersion.ModifiedAt)
		}
	}

	resolved := &ResourceVersion{
		// Fresh token: the merged version matches neither input.
		ETag:       fmt.Sprintf("W/\"%s\"", uuid.NewString()),
		ModifiedAt: r.now(),
		Fields:     merged,
	}
	return &ResolutionResult{
		ConflictID:      conflict.ConflictID,
		StrategyUsed:    StrategyMergeFields,
		ResolvedVersion: resolved,
		Success:         true,
	}
}

// mergeField applies the per-field rule for two disagreeing values.
func mergeField(name string, local, remote any, localTime, remoteTime time.Time) any {
	// Membership collections union.
	if lm, lok := local.(map[string]any); lok && assignmentFields[name] {
		if rm, rok := remote.(map[string]any); rok {
			out := cloneFields(rm)
			for k, v := range lm {
				if _, exists := out[k]; !exists {
					out[k] = v
				}
			}
			return out
		}
	}
	if ls, lok := local.([]any); lok {
		if rs, rok := remote.([]any); rok {
			out := append([]any(nil), rs...)
			for _, lv := range ls {
				found := false
				for _, rv := range out {
					if valuesEqual(lv, rv) {
						found = true
						break
					}
				}
				if !found {
					out = append(out, lv)
				}
			}
			return out
		}
	}

	// Progress percentages keep the furthest-along value.
	if progressFields[name] {
		if lf, lok := asFloat(local); lok {
			if rf, rok := asFloat(remote); rok {
				if lf > rf {
					return local
				}
				return remote
			}
		}
	}

	// Free text concatenates with an explicit marker.
	if freeTextFields[name] {
		if ls, lok := local.(string); lok {
			if rs, rok := remote.(string); rok {
				if ls == "" {
					return rs
				}
				if rs == "" {
					return ls
				}
				return strings.Join([]string{rs, ls}, mergeMarker)
			}
		}
	}

	// Everything else: last write wins.
	if localTime.After(remoteTime) {
		return local
	}
	return remote
}

// recordOutcome updates the persisted record with status, strategy, and
// resolution time.
func (r *ConflictResolver) recordOutcome(ctx context.Context, conflictID string, result *ResolutionResult) error {
	if r.store == nil {
		return nil
	}
	rec, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("loading conflict record %s: %w", conflictID, err)
	}
	if rec == nil {
		return nil
	}

	now := r.now()
	rec.StrategyUsed = result.StrategyUsed
	if result.RequiresManualIntervention {
		rec.Status = ConflictRecordManual
	} else {
		rec.Status = ConflictRecordResolved
		rec.ResolvedAt = &now
	}
	if err := r.store.SaveConflict(ctx, rec); err != nil {
		return fmt.Errorf("recording resolution for %s: %w", conflictID, err)
	}
	return nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
