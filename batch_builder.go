// batch_builder.go
// ----------------
// BatchOperationBuilder accumulates logical operations, validates them at
// add time (capacity ceiling, URL allow-list), and resolves the dependency
// graph into an execution order at build time via Kahn's algorithm. Cyclic
// graphs are rejected outright; there is never a partial best-effort order.
//
// Ordering strategies:
//   - dependency_aware (default): topological order, insertion order breaks
//     ties.
//   - priority_based: topological order, lowest priority number first among
//     ready operations.
//   - performance_optimized: topological order, alternating reads and writes
//     among ready operations to balance throughput.
package graphbridge

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderingStrategy selects how Build orders independent operations.
type OrderingStrategy string

const (
	StrategyDependencyAware      OrderingStrategy = "dependency_aware"
	StrategyPriorityBased        OrderingStrategy = "priority_based"
	StrategyPerformanceOptimized OrderingStrategy = "performance_optimized"
)

// OperationSpec describes one operation to add. ID is generated when empty;
// DependsOn edges are ordering-only (the parent's outcome is irrelevant).
type OperationSpec struct {
	Method    string
	URL       string
	Body      any
	Headers   map[string]string
	ID        string
	DependsOn []string
	Priority  int
}

// BatchOperationBuilder is single-owner: create one per batch, add
// operations, call Build once. Not safe for concurrent use.
type BatchOperationBuilder struct {
	strategy      OrderingStrategy
	maxOperations int

	operations []*BatchOperation
	deps       []OperationDependency
	index      map[string]int // operation id -> insertion position
}

// NewBatchBuilder creates a builder. maxOperations <= 0 means the default
// ceiling of 20.
func NewBatchBuilder(strategy OrderingStrategy, maxOperations int) *BatchOperationBuilder {
	if strategy == "" {
		strategy = StrategyDependencyAware
	}
	if maxOperations <= 0 {
		maxOperations = 20
	}
	return &BatchOperationBuilder{
		strategy:      strategy,
		maxOperations: maxOperations,
		index:         make(map[string]int),
	}
}

// AddOperation validates and queues an operation, returning its id.
// Capacity and URL violations fail here, not at build time.
func (b *BatchOperationBuilder) AddOperation(spec OperationSpec) (string, error) {
	if len(b.operations) >= b.maxOperations {
		return "", &CapacityError{Limit: b.maxOperations}
	}
	if spec.Method == "" {
		return "", &ValidationError{OperationID: spec.ID, Reason: "method is required"}
	}
	if err := validateOperationURL(spec.URL); err != nil {
		return "", err
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := b.index[id]; exists {
		return "", &ValidationError{OperationID: id, Reason: "duplicate operation id"}
	}

	op := &BatchOperation{
		ID:       id,
		Method:   strings.ToUpper(spec.Method),
		URL:      spec.URL,
		Body:     spec.Body,
		Headers:  spec.Headers,
		Priority: spec.Priority,
		Status:   OperationPending,
	}
	b.index[id] = len(b.operations)
	b.operations = append(b.operations, op)

	for _, parent := range spec.DependsOn {
		b.deps = append(b.deps, OperationDependency{
			OperationID: id,
			DependsOnID: parent,
			Type:        DependencyAlways,
		})
	}
	return id, nil
}

// AddConditionalOperation queues an operation that runs only if the parent
// operation succeeded; otherwise the executor marks it skipped.
func (b *BatchOperationBuilder) AddConditionalOperation(spec OperationSpec, dependsOnSuccess string) (string, error) {
	if dependsOnSuccess == "" {
		return "", &ValidationError{OperationID: spec.ID, Reason: "conditional operation requires a parent id"}
	}
	id, err := b.AddOperation(spec)
	if err != nil {
		return "", err
	}
	b.deps = append(b.deps, OperationDependency{
		OperationID: id,
		DependsOnID: dependsOnSuccess,
		Conditional: true,
		Type:        DependencySuccess,
	})
	return id, nil
}

// Build resolves the dependency graph into an execution order and produces
// the BatchRequest. It fails on an empty batch, on edges that reference
// unknown operations, and on any cycle.
func (b *BatchOperationBuilder) Build(userID, tenantID string) (*BatchRequest, error) {
	if len(b.operations) == 0 {
		return nil, ErrEmptyBatch
	}
	for _, d := range b.deps {
		if _, ok := b.index[d.DependsOnID]; !ok {
			return nil, &ValidationError{
				OperationID: d.OperationID,
				Reason:      fmt.Sprintf("depends on unknown operation %q", d.DependsOnID),
			}
		}
	}

	ordered, err := b.resolveOrder()
	if err != nil {
		return nil, err
	}

	priorities := make(map[string]int, len(ordered))
	for _, op := range ordered {
		priorities[op.ID] = op.Priority
	}

	return &BatchRequest{
		ID:           uuid.NewString(),
		Operations:   ordered,
		Dependencies: append([]OperationDependency(nil), b.deps...),
		UserID:       userID,
		TenantID:     tenantID,
		Status:       BatchPending,
		Metadata: BatchMetadata{
			Strategy:       b.strategy,
			OperationCount: len(ordered),
			Priorities:     priorities,
		},
		CreatedAt: time.Now(),
	}, nil
}

// resolveOrder runs Kahn's algorithm with a strategy-specific choice among
// the ready set. Every strategy respects dependency edges; they differ only
// in tie-breaking.
func (b *BatchOperationBuilder) resolveOrder() ([]*BatchOperation, error) {
	n := len(b.operations)
	indegree := make([]int, n)
	children := make([][]int, n)
	for _, d := range b.deps {
		child := b.index[d.OperationID]
		parent := b.index[d.DependsOnID]
		indegree[child]++
		children[parent] = append(children[parent], child)
	}

	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]*BatchOperation, 0, n)
	wantRead := true // performance_optimized alternation state
	for len(ready) > 0 {
		pos := b.pickReady(ready, wantRead)
		idx := ready[pos]
		ready = append(ready[:pos], ready[pos+1:]...)

		op := b.operations[idx]
		ordered = append(ordered, op)
		if isReadMethod(op.Method) == wantRead {
			wantRead = !wantRead
		}

		for _, child := range children[idx] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(ordered) != n {
		var cycle []string
		for i := 0; i < n; i++ {
			if indegree[i] > 0 {
				cycle = append(cycle, b.operations[i].ID)
			}
		}
		return nil, &CycleError{Nodes: cycle}
	}
	return ordered, nil
}

// pickReady selects the next operation from the ready set per strategy and
// returns its position within ready. Ready entries hold insertion indexes,
// so "lowest index" is insertion order.
func (b *BatchOperationBuilder) pickReady(ready []int, wantRead bool) int {
	switch b.strategy {
	case StrategyPriorityBased:
		best := 0
		for i := 1; i < len(ready); i++ {
			cand, cur := b.operations[ready[i]], b.operations[ready[best]]
			if cand.Priority < cur.Priority || (cand.Priority == cur.Priority && ready[i] < ready[best]) {
				best = i
			}
		}
		return best
	case StrategyPerformanceOptimized:
		for i := 0; i < len(ready); i++ {
			if isReadMethod(b.operations[ready[i]].Method) == wantRead {
				return i
			}
		}
		return 0 // desired verb class not ready; take the oldest
	default: // dependency_aware: insertion order
		best := 0
		for i := 1; i < len(ready); i++ {
			if ready[i] < ready[best] {
				best = i
			}
		}
		return best
	}
}

func isReadMethod(method string) bool {
	return method == "GET" || method == "HEAD"
}

// validateOperationURL enforces the allow-list: relative Graph paths or
// http(s) URLs only, with no path-traversal sequences. Dangerous schemes
// like javascript:, data:, and file: are rejected.
func validateOperationURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Reason: "url is required"}
	}
	if strings.Contains(raw, "..") {
		return &ValidationError{Reason: "url must not contain path traversal sequences"}
	}

	lower := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(lower, "/") {
		return nil // relative Graph path
	}

	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Reason: "url is not parseable: " + err.Error()}
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	default:
		return &ValidationError{Reason: fmt.Sprintf("url scheme %q is not allowed", u.Scheme)}
	}
}
