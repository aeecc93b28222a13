// Package router places tasks onto worker pools based on workload
// detection. Tasks that need accelerated hardware go to the accelerated
// pool when it has workers; everything else, and every task during an
// accelerated-capacity outage, runs on the standard pool.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/forged/internal/workload"
)

// Pool names a worker pool.
type Pool string

const (
	// PoolAccelerated holds workers with accelerator hardware attached.
	PoolAccelerated Pool = "accelerated"
	// PoolStandard holds general-purpose CPU workers.
	PoolStandard Pool = "standard"
)

// Task is one unit of work submitted for placement and execution.
type Task struct {
	TaskID      string
	Description string
	Metadata    map[string]any
	Payload     map[string]any
}

// ExecutionContext describes the placement decision handed to a pool
// handler. WorkerID is empty until Execute leases a worker.
type ExecutionContext struct {
	TaskID            string
	Pool              Pool
	WorkerID          string
	Signature         workload.Signature
	EstimatedMemoryGB float64
}

// ExecutionResult reports how an execution attempt went. Placement
// failures (no handler, no free worker) surface here, not as errors.
type ExecutionResult struct {
	TaskID   string
	Pool     Pool
	WorkerID string
	Success  bool
	Output   map[string]any
	Error    string
	Duration time.Duration
}

// Handler runs a task on a leased worker of one pool.
type Handler func(ctx context.Context, ec ExecutionContext, payload map[string]any) (map[string]any, error)

// Router owns pool membership and routes tasks by workload signature.
// All methods are safe for concurrent use.
type Router struct {
	detector  *workload.Detector
	threshold float64

	mu       sync.Mutex
	workers  map[Pool]map[string]bool // worker id -> currently available
	handlers map[Pool]Handler
}

// New builds a router around a detector. A zero threshold falls back to
// workload.DefaultAcceleratorThreshold.
func New(detector *workload.Detector, threshold float64) *Router {
	if threshold <= 0 {
		threshold = workload.DefaultAcceleratorThreshold
	}
	return &Router{
		detector:  detector,
		threshold: threshold,
		workers: map[Pool]map[string]bool{
			PoolAccelerated: {},
			PoolStandard:    {},
		},
		handlers: map[Pool]Handler{},
	}
}

// AddWorker registers a worker as a member of pool and marks it
// available. Re-adding an existing worker resets it to available.
func (r *Router) AddWorker(pool Pool, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[pool][workerID] = true
}

// RemoveWorker drops a worker from pool. A lease held on it simply
// expires with the removal; Release of a removed worker is a no-op.
func (r *Router) RemoveWorker(pool Pool, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers[pool], workerID)
}

// RegisterHandler installs the execution handler for one pool,
// replacing any previous one.
func (r *Router) RegisterHandler(pool Pool, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[pool] = h
}

// Workers reports pool membership and how many members are currently
// unleased.
func (r *Router) Workers(pool Pool) (total, available int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, free := range r.workers[pool] {
		total++
		if free {
			available++
		}
	}
	return total, available
}

// Route decides which pool a task belongs on. A task that needs
// acceleration still routes to the standard pool when the accelerated
// pool has no members at all.
func (r *Router) Route(taskID, description string, metadata map[string]any) ExecutionContext {
	top := r.detector.Detect(description, metadata)[0]
	ec := ExecutionContext{
		TaskID:            taskID,
		Pool:              PoolStandard,
		Signature:         top,
		EstimatedMemoryGB: top.MinMemoryGB,
	}
	if top.Type == workload.TypeCPUBound || !top.RequiresAccelerator || top.Confidence < r.threshold {
		return ec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers[PoolAccelerated]) > 0 {
		ec.Pool = PoolAccelerated
	}
	return ec
}

// Lease claims an available worker from pool, marking it busy. The
// second return is false when every member is leased or the pool is
// empty.
func (r *Router) Lease(pool Pool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, free := range r.workers[pool] {
		if free {
			r.workers[pool][id] = false
			return id, true
		}
	}
	return "", false
}

// Release returns a leased worker to pool.
func (r *Router) Release(pool Pool, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[pool][workerID]; ok {
		r.workers[pool][workerID] = true
	}
}

// Execute routes, leases, and runs one task end to end. Every failure
// mode comes back inside the ExecutionResult so callers have a single
// reporting path.
func (r *Router) Execute(ctx context.Context, t Task) ExecutionResult {
	start := time.Now()
	ec := r.Route(t.TaskID, t.Description, t.Metadata)

	res := ExecutionResult{TaskID: t.TaskID, Pool: ec.Pool}

	r.mu.Lock()
	handler := r.handlers[ec.Pool]
	r.mu.Unlock()
	if handler == nil {
		res.Error = fmt.Sprintf("no handler registered for pool %q", ec.Pool)
		res.Duration = time.Since(start)
		return res
	}

	workerID, ok := r.Lease(ec.Pool)
	if !ok {
		res.Error = fmt.Sprintf("no available worker in pool %q", ec.Pool)
		res.Duration = time.Since(start)
		return res
	}
	defer r.Release(ec.Pool, workerID)
	ec.WorkerID = workerID
	res.WorkerID = workerID

	output, err := handler(ctx, ec, t.Payload)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Output = output
	return res
}
