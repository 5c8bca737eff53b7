package proctor

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// entry is one exam's slot. done closes once construction finished, successfully or not.
type entry struct {
	done    chan struct{}
	engine  *Engine
	err     error
	stopped bool // Stop or StopAll ran while the engine was being built
}

func (en *entry) ready() bool {
	select {
	case <-en.done:
		return true
	default:
		return false
	}
}

// running returns the engine when construction finished and it is still Running.
func (en *entry) running() (*Engine, bool) {
	if !en.ready() || en.engine == nil {
		return nil, false
	}
	return en.engine, en.engine.State() == StateRunning
}

// Registry owns the running engines, at most one per exam.
type Registry struct {
	base   context.Context
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	cfg     Config
	engines map[int64]*entry
}

// NewRegistry returns an empty registry. base bounds every engine it starts.
func NewRegistry(base context.Context, deps Deps, cfg Config) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		base:    base,
		deps:    deps,
		logger:  logger.With("component", "registry"),
		cfg:     cfg,
		engines: make(map[int64]*entry),
	}
}

// Ensure returns the live engine for examID, building and starting one if needed.
// The lookup and the claim of the exam's slot are one critical section, so exactly one
// caller constructs the engine and concurrent callers wait for it. Construction and the
// device open run outside the lock and never hold up other exams. An engine that
// stopped on its own is replaced.
func (r *Registry) Ensure(ctx context.Context, examID int64) (*Engine, error) {
	r.mu.Lock()
	if en, ok := r.engines[examID]; ok {
		if !en.ready() {
			r.mu.Unlock()
			return r.await(ctx, en)
		}
		if en.engine != nil && en.engine.State() != StateStopped {
			r.mu.Unlock()
			return en.engine, nil
		}
		delete(r.engines, examID)
		r.logger.Info("replacing stopped engine", "exam_id", examID)
	}
	en := &entry{done: make(chan struct{})}
	r.engines[examID] = en
	cfg := r.cfg
	r.mu.Unlock()

	e, err := NewEngine(ctx, examID, r.deps, cfg)
	if err == nil {
		if err = e.Start(r.base); err != nil {
			e = nil
		}
	}

	r.mu.Lock()
	stopped := en.stopped
	switch {
	case err != nil:
		en.err = err
	case stopped:
		en.engine = e
		en.err = ErrStopped
	default:
		en.engine = e
	}
	if err != nil && r.engines[examID] == en {
		delete(r.engines, examID)
	}
	close(en.done)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if stopped {
		e.Stop()
		return nil, ErrStopped
	}
	return e, nil
}

// await blocks until another caller finished building en.
func (r *Registry) await(ctx context.Context, en *entry) (*Engine, error) {
	select {
	case <-en.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if en.err != nil {
		return nil, en.err
	}
	return en.engine, nil
}

// Get returns the registered engine without starting one. Engines still being
// built are not reported.
func (r *Registry) Get(examID int64) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	en, ok := r.engines[examID]
	if !ok || !en.ready() || en.engine == nil {
		return nil, false
	}
	return en.engine, true
}

// Stop removes and stops the engine for examID. Unknown ids are ignored. An engine
// still being built is stopped as soon as its construction finishes.
func (r *Registry) Stop(examID int64) {
	r.mu.Lock()
	en, ok := r.engines[examID]
	delete(r.engines, examID)
	var e *Engine
	if ok {
		if en.ready() {
			e = en.engine
		} else {
			en.stopped = true
		}
	}
	r.mu.Unlock()

	if e != nil {
		e.Stop()
	}
}

// IsActive reports whether examID has a running engine.
func (r *Registry) IsActive(examID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	en, ok := r.engines[examID]
	if !ok {
		return false
	}
	_, running := en.running()
	return running
}

// Active lists the exam ids with a running engine, ascending.
func (r *Registry) Active() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.engines))
	for id, en := range r.engines {
		if _, running := en.running(); running {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// SetConfig changes the configuration for engines created from now on.
func (r *Registry) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// StopAll stops every engine, including those still being built, and waits until
// they released their devices or ctx ends.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	entries := r.engines
	r.engines = make(map[int64]*entry)
	for _, en := range entries {
		if !en.ready() {
			en.stopped = true
		}
	}
	r.mu.Unlock()

	for _, en := range entries {
		if en.ready() && en.engine != nil {
			en.engine.Stop()
		}
	}
	for _, en := range entries {
		select {
		case <-en.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if en.engine == nil {
			continue
		}
		select {
		case <-en.engine.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
