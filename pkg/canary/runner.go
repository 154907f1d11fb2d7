package canary

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/rs/zerolog"
)

// Runner runs canaries against cells on an interval, one goroutine per cell.
type Runner struct {
	checker  *Checker
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[string]*loopHandle
	wg      sync.WaitGroup
}

type loopHandle struct {
	cancel context.CancelFunc
}

// NewRunner creates a runner. A non-positive interval means one minute.
func NewRunner(checker *Checker, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		checker:  checker,
		interval: interval,
		logger:   logger.With().Str("component", "canary-runner").Logger(),
		running:  make(map[string]*loopHandle),
	}
}

// Start begins periodic canaries for a cell. The first check runs at once.
// It stops when Stop is called or ctx is cancelled.
func (r *Runner) Start(ctx context.Context, cellID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[cellID]; ok {
		return engine.NewConflictError(fmt.Sprintf("canary for cell %s already running", cellID), nil).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(cellID)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	handle := &loopHandle{cancel: cancel}
	r.running[cellID] = handle

	r.wg.Add(1)
	go r.loop(loopCtx, cellID, handle)

	r.logger.Info().Str("cell_id", cellID).Dur("interval", r.interval).Msg("Canary started")
	return nil
}

func (r *Runner) loop(ctx context.Context, cellID string, handle *loopHandle) {
	defer r.wg.Done()
	defer r.forget(cellID, handle)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		// Check logs and records its own failures
		_, _ = r.checker.Check(ctx, cellID)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// forget drops a loop that exited on its own, unless the cell was restarted.
func (r *Runner) forget(cellID string, handle *loopHandle) {
	handle.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[cellID] == handle {
		delete(r.running, cellID)
	}
}

// Stop stops the canary of a cell.
func (r *Runner) Stop(cellID string) error {
	r.mu.Lock()
	handle, ok := r.running[cellID]
	if ok {
		delete(r.running, cellID)
	}
	r.mu.Unlock()

	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("no canary running for cell %s", cellID), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(cellID)
	}
	handle.cancel()
	r.logger.Info().Str("cell_id", cellID).Msg("Canary stopped")
	return nil
}

// StartAll starts canaries for every cell not already running one and
// returns the cells it started.
func (r *Runner) StartAll(ctx context.Context, cellIDs []string) []string {
	started := make([]string, 0, len(cellIDs))
	for _, cellID := range cellIDs {
		if err := r.Start(ctx, cellID); err == nil {
			started = append(started, cellID)
		}
	}
	return started
}

// StopAll stops every canary and waits for the loops to exit.
func (r *Runner) StopAll() {
	r.mu.Lock()
	for cellID, handle := range r.running {
		handle.cancel()
		delete(r.running, cellID)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// Running returns the cells with an active canary, sorted.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cells := make([]string, 0, len(r.running))
	for cellID := range r.running {
		cells = append(cells, cellID)
	}
	sort.Strings(cells)
	return cells
}
