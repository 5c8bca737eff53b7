package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Detect after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Engine is one detector process as seen by the pool.
type Engine interface {
	Detect(ctx context.Context, img *image.Gray) ([]image.Rectangle, error)
	Close()
}

// SpawnFunc starts engine number id.
type SpawnFunc func(ctx context.Context, id int) (Engine, error)

// Pool hands frames to a fixed number of engines, one request per engine at a time.
// An engine that fails is closed and respawned on its next checkout.
type Pool struct {
	ctx    context.Context
	spawn  SpawnFunc
	slots  chan slot
	size   int
	logger *slog.Logger

	mu     sync.Mutex
	filled int
	closed bool
	done   chan struct{}
}

type slot struct {
	id     int
	engine Engine // nil when the engine died and has not been respawned yet
}

// NewPool starts size Python workers. ctx bounds the lifetime of every process.
func NewPool(ctx context.Context, size int, cfg Config, logger *slog.Logger) (*Pool, error) {
	return NewPoolWithSpawn(ctx, size, func(ctx context.Context, id int) (Engine, error) {
		return NewPythonWorker(ctx, id, cfg)
	}, logger)
}

// NewPoolWithSpawn is NewPool with a custom engine factory.
func NewPoolWithSpawn(ctx context.Context, size int, spawn SpawnFunc, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker pool size must be at least 1, got %d", size)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		ctx:    ctx,
		spawn:  spawn,
		slots:  make(chan slot, size),
		size:   size,
		logger: logger.With("component", "worker_pool"),
		done:   make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		e, err := spawn(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		p.slots <- slot{id: i, engine: e}
		p.filled++
	}
	return p, nil
}

// Size reports the number of engines.
func (p *Pool) Size() int { return p.size }

// Detect runs face detection on the next free engine.
func (p *Pool) Detect(ctx context.Context, img *image.Gray) ([]image.Rectangle, error) {
	var s slot
	select {
	case s = <-p.slots:
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.slots <- s }()

	if s.engine == nil {
		e, err := p.spawn(p.ctx, s.id)
		if err != nil {
			return nil, fmt.Errorf("failed to respawn worker %d: %w", s.id, err)
		}
		p.logger.Info("worker respawned", "worker_id", s.id)
		s.engine = e
	}

	rects, err := s.engine.Detect(ctx, img)
	if err != nil {
		p.logger.Warn("worker failed, scheduling respawn", "worker_id", s.id, "err", err)
		s.engine.Close()
		s.engine = nil
		return nil, err
	}
	return rects, nil
}

// Close waits for in-flight requests and shuts every engine down. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	for i := 0; i < p.filled; i++ {
		s := <-p.slots
		if s.engine != nil {
			s.engine.Close()
		}
	}
}
