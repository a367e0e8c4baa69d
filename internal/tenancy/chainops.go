package tenancy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voicehive/backend/internal/errdefs"
)

// ============================================================================
// CHAIN-WIDE OPERATIONS
// ============================================================================

// ChainOpType enumerates the supported chain-wide operation types.
type ChainOpType string

const (
	OpConfigUpdate ChainOpType = "config_update"
	OpDeploy       ChainOpType = "deploy"
	OpPolicy       ChainOpType = "policy"
	OpRateUpdate   ChainOpType = "rate_update"
	OpPromo        ChainOpType = "promo"
	OpMaintenance  ChainOpType = "maintenance"
	OpTraining     ChainOpType = "training"
)

// ChainOpStatus is the lifecycle of one chain operation.
type ChainOpStatus string

const (
	OpPending            ChainOpStatus = "pending"
	OpRunning            ChainOpStatus = "running"
	OpCompleted          ChainOpStatus = "completed"
	OpCompletedWithError ChainOpStatus = "completed_with_errors"
	OpCancelled          ChainOpStatus = "cancelled"
)

// ChainOperation is the typed operation record.
type ChainOperation struct {
	OpID          string                 `json:"op_id"`
	ChainID       string                 `json:"chain_id"`
	Type          ChainOpType            `json:"type"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Targets       []string               `json:"targets,omitempty"`       // explicit property ids
	TargetTypes   []string               `json:"target_types,omitempty"`  // or property types
	Exclusions    []string               `json:"exclusions,omitempty"`
	Schedule      *time.Time             `json:"schedule,omitempty"`
	Status        ChainOpStatus          `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
}

// TargetResult records one target's outcome.
type TargetResult struct {
	PropertyID string `json:"property_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// OpProgress is the observable progress of a running operation.
type OpProgress struct {
	OpID            string         `json:"op_id"`
	Status          ChainOpStatus  `json:"status"`
	Total           int            `json:"total"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	PercentComplete float64        `json:"percent_complete"`
	Results         []TargetResult `json:"results,omitempty"`
}

// OpHandler applies one operation to one target property.
type OpHandler func(ctx context.Context, property *Property, op *ChainOperation) error

// ChainOpExecutor runs chain operations across their target sets with
// bounded concurrency.
type ChainOpExecutor struct {
	manager     *Manager
	handlers    map[ChainOpType]OpHandler
	concurrency int

	mu  sync.Mutex
	ops map[string]*opState
}

type opState struct {
	op        *ChainOperation
	total     int
	completed int
	failed    int
	results   []TargetResult
	cancel    context.CancelFunc
}

// NewChainOpExecutor builds the executor; concurrency defaults to 5.
func NewChainOpExecutor(manager *Manager, concurrency int) *ChainOpExecutor {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &ChainOpExecutor{
		manager:     manager,
		handlers:    make(map[ChainOpType]OpHandler),
		concurrency: concurrency,
		ops:         make(map[string]*opState),
	}
}

// RegisterHandler binds an operation type to its per-target handler.
func (e *ChainOpExecutor) RegisterHandler(t ChainOpType, h OpHandler) {
	e.handlers[t] = h
}

// Execute resolves the target set and runs the operation. It blocks until
// every target finished or was skipped, returning the final progress.
func (e *ChainOpExecutor) Execute(ctx context.Context, op *ChainOperation) (*OpProgress, error) {
	handler, ok := e.handlers[op.Type]
	if !ok {
		return nil, errdefs.Validation("no handler for operation type " + string(op.Type))
	}
	if op.OpID == "" {
		op.OpID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	targets, err := e.resolveTargets(ctx, op)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &opState{op: op, total: len(targets), cancel: cancel}
	op.Status = OpRunning
	e.mu.Lock()
	e.ops[op.OpID] = state
	e.mu.Unlock()

	slog.Info("[ChainOps] Operation started",
		"op_id", op.OpID, "type", op.Type, "chain_id", op.ChainID, "targets", len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			// Queued targets are skipped after cancellation; in-flight
			// handlers run to completion.
			if gctx.Err() != nil {
				e.record(state, TargetResult{PropertyID: target.PropertyID, Success: false, Error: "skipped: operation cancelled"})
				return nil
			}
			if err := handler(context.WithoutCancel(gctx), target, op); err != nil {
				e.record(state, TargetResult{PropertyID: target.PropertyID, Success: false, Error: err.Error()})
				return nil
			}
			e.record(state, TargetResult{PropertyID: target.PropertyID, Success: true})
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	switch {
	case ctx.Err() != nil:
		op.Status = OpCancelled
	case state.failed > 0:
		op.Status = OpCompletedWithError
	default:
		op.Status = OpCompleted
	}
	progress := e.progressLocked(state)
	e.mu.Unlock()

	slog.Info("[ChainOps] Operation finished",
		"op_id", op.OpID, "status", op.Status,
		"completed", progress.Completed, "failed", progress.Failed)
	return progress, nil
}

// Cancel stops a running operation. In-flight handlers complete; queued
// targets are skipped.
func (e *ChainOpExecutor) Cancel(opID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.ops[opID]
	if !ok {
		return errdefs.NotFound("operation " + opID + " not found")
	}
	state.cancel()
	return nil
}

// Progress reports the observable state of an operation.
func (e *ChainOpExecutor) Progress(opID string) (*OpProgress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.ops[opID]
	if !ok {
		return nil, errdefs.NotFound("operation " + opID + " not found")
	}
	return e.progressLocked(state), nil
}

func (e *ChainOpExecutor) record(state *opState, result TargetResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state.completed++
	if !result.Success {
		state.failed++
	}
	state.results = append(state.results, result)
}

func (e *ChainOpExecutor) progressLocked(state *opState) *OpProgress {
	pct := 100.0
	if state.total > 0 {
		pct = float64(state.completed) / float64(state.total) * 100
	}
	results := make([]TargetResult, len(state.results))
	copy(results, state.results)
	return &OpProgress{
		OpID:            state.op.OpID,
		Status:          state.op.Status,
		Total:           state.total,
		Completed:       state.completed,
		Failed:          state.failed,
		PercentComplete: pct,
		Results:         results,
	}
}

// resolveTargets filters chain properties by explicit targets or target
// types, subtracting exclusions and sold properties.
func (e *ChainOpExecutor) resolveTargets(ctx context.Context, op *ChainOperation) ([]*Property, error) {
	all, err := e.manager.store.ListChainProperties(ctx, op.ChainID)
	if err != nil {
		return nil, err
	}

	explicit := make(map[string]bool, len(op.Targets))
	for _, id := range op.Targets {
		explicit[id] = true
	}
	types := make(map[string]bool, len(op.TargetTypes))
	for _, t := range op.TargetTypes {
		types[t] = true
	}
	excluded := make(map[string]bool, len(op.Exclusions))
	for _, id := range op.Exclusions {
		excluded[id] = true
	}

	var targets []*Property
	for _, p := range all {
		if p.Status == "sold" || excluded[p.PropertyID] {
			continue
		}
		switch {
		case len(explicit) > 0:
			if explicit[p.PropertyID] {
				targets = append(targets, p)
			}
		case len(types) > 0:
			if types[p.Type] {
				targets = append(targets, p)
			}
		default:
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return nil, errdefs.Validation("operation resolves to an empty target set")
	}
	return targets, nil
}
