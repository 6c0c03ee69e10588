// conflict_manager.go
// -------------------
// ConflictManager orchestrates detect → resolve → persist for one sync
// attempt. When the versions agree, remote is authoritative and no conflict
// record is made. When detection or resolution itself errors (storage
// down, unknown strategy), the manager fails safe: it reports failure and
// hands back the local version rather than a partial or corrupt
// resolution, and never silently prefers remote data after an internal
// error.
//
// Concurrent syncs for the same resource are serialized by a per-resource
// lock; different resources proceed independently.
package graphbridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ConflictRecordStatus is the lifecycle of a persisted conflict.
type ConflictRecordStatus string

const (
	ConflictRecordPending  ConflictRecordStatus = "pending"
	ConflictRecordResolved ConflictRecordStatus = "resolved"
	ConflictRecordManual   ConflictRecordStatus = "pending_manual"
)

// ConflictRecord is the persisted form of a conflict plus its resolution
// audit trail.
type ConflictRecord struct {
	Conflict     ConflictContext      `json:"conflict"`
	Status       ConflictRecordStatus `json:"status"`
	StrategyUsed ResolutionStrategy   `json:"strategy_used,omitempty"`
	DetectedAt   time.Time            `json:"detected_at"`
	ResolvedAt   *time.Time           `json:"resolved_at,omitempty"`
}

// ConflictFilter narrows ListConflicts. Zero values match everything.
type ConflictFilter struct {
	TenantID  string
	Status    ConflictRecordStatus
	OlderThan time.Duration // only conflicts detected at least this long ago
}

// ConflictStatistics aggregates the audit trail for operational
// visibility.
type ConflictStatistics struct {
	Total             int
	ByType            map[ConflictType]int
	BySeverity        map[ConflictSeverity]int
	ByStrategy        map[ResolutionStrategy]int
	PendingManual     int
	AvgResolutionTime time.Duration
}

// SyncResult is the outcome of one HandleSyncConflict call. ConflictID is
// empty when no conflict was detected.
type SyncResult struct {
	Success    bool
	Resolved   ResourceVersion
	ConflictID string
}

// ConflictManager ties the detector and resolver together. Safe for
// concurrent use.
type ConflictManager struct {
	detector *ConflictDetector
	resolver *ConflictResolver
	store    ConflictStore
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per resource type/id
}

func NewConflictManager(store ConflictStore, logger *slog.Logger) *ConflictManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ConflictManager{
		detector: NewConflictDetector(store, logger),
		resolver: NewConflictResolver(store, logger),
		store:    store,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// resourceLock serializes concurrent syncs for the same resource id so a
// resolution never runs against a half-updated version.
func (m *ConflictManager) resourceLock(resourceType, resourceID string) *sync.Mutex {
	key := resourceType + "/" + resourceID
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// HandleSyncConflict runs one detect→resolve→persist cycle. preferred may
// be empty, in which case a severity-driven default is used: low and
// medium conflicts merge automatically, high and critical ones go to the
// manual queue.
func (m *ConflictManager) HandleSyncConflict(ctx context.Context, resourceType, resourceID string, local, remote ResourceVersion, userID, tenantID string, preferred ResolutionStrategy) SyncResult {
	lock := m.resourceLock(resourceType, resourceID)
	lock.Lock()
	defer lock.Unlock()

	conflict, err := m.detector.DetectConflict(ctx, resourceType, resourceID, local, remote, userID, tenantID)
	if err != nil {
		m.logger.Error("conflict detection failed, keeping local version",
			"resource", resourceID, "error", err)
		return SyncResult{Success: false, Resolved: local}
	}
	if conflict == nil {
		return SyncResult{Success: true, Resolved: remote}
	}

	strategy := preferred
	if strategy == "" {
		strategy = defaultStrategy(conflict.Severity)
	}

	result, err := m.resolver.ResolveConflict(ctx, conflict, strategy)
	if err != nil {
		m.logger.Error("conflict resolution failed, keeping local version",
			"conflict", conflict.ConflictID, "strategy", strategy, "error", err)
		return SyncResult{Success: false, Resolved: local}
	}

	if result.RequiresManualIntervention {
		// Parked for a human; the local version stays in effect meanwhile.
		return SyncResult{Success: false, Resolved: local, ConflictID: conflict.ConflictID}
	}
	return SyncResult{Success: true, Resolved: *result.ResolvedVersion, ConflictID: conflict.ConflictID}
}

func defaultStrategy(severity ConflictSeverity) ResolutionStrategy {
	switch severity {
	case SeverityLow, SeverityMedium:
		return StrategyMergeFields
	default:
		return StrategyManual
	}
}

// PendingConflicts lists conflicts waiting in the manual-resolution queue,
// optionally narrowed by tenant and minimum age.
func (m *ConflictManager) PendingConflicts(ctx context.Context, filter ConflictFilter) ([]*ConflictRecord, error) {
	if m.store == nil {
		return nil, nil
	}
	filter.Status = ConflictRecordManual
	return m.store.ListConflicts(ctx, filter)
}

// Statistics aggregates every persisted conflict record.
func (m *ConflictManager) Statistics(ctx context.Context) (*ConflictStatistics, error) {
	stats := &ConflictStatistics{
		ByType:     make(map[ConflictType]int),
		BySeverity: make(map[ConflictSeverity]int),
		ByStrategy: make(map[ResolutionStrategy]int),
	}
	if m.store == nil {
		return stats, nil
	}

	records, err := m.store.ListConflicts(ctx, ConflictFilter{})
	if err != nil {
		return nil, err
	}

	var resolved int
	var totalLatency time.Duration
	for _, rec := range records {
		stats.Total++
		stats.ByType[rec.Conflict.Type]++
		stats.BySeverity[rec.Conflict.Severity]++
		if rec.StrategyUsed != "" {
			stats.ByStrategy[rec.StrategyUsed]++
		}
		if rec.Status == ConflictRecordManual {
			stats.PendingManual++
		}
		if rec.ResolvedAt != nil {
			resolved++
			totalLatency += rec.ResolvedAt.Sub(rec.DetectedAt)
		}
	}
	if resolved > 0 {
		stats.AvgResolutionTime = totalLatency / time.Duration(resolved)
	}
	return stats, nil
}
