package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/engine/infra/cache"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// ReaperConfig tunes the stuck-execution sweep.
type ReaperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Grace is how long a RUNNING record may go without a heartbeat
	// before it is declared lost.
	Grace time.Duration
}

func DefaultReaperConfig() *ReaperConfig {
	return &ReaperConfig{
		Interval: time.Minute,
		Grace:    10 * time.Minute,
	}
}

// Reaper force-fails RUNNING executions whose worker died without
// finishing them. It runs in every worker process; the conditional
// update underneath makes concurrent sweeps safe.
type Reaper struct {
	repo   execution.Repository
	bus    cache.ResultBus
	config *ReaperConfig
	wg     sync.WaitGroup
}

func NewReaper(repo execution.Repository, bus cache.ResultBus, config *ReaperConfig) *Reaper {
	if config == nil {
		config = DefaultReaperConfig()
	}
	return &Reaper{repo: repo, bus: bus, config: config}
}

// Start launches the sweep loop. It runs until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log := logger.FromContext(ctx).With("component", "reaper")
		log.Info("reaper starting", "interval", r.config.Interval, "grace", r.config.Grace)
		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Debug("reaper exiting")
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop blocks until the sweep loop has exited.
func (r *Reaper) Stop() {
	r.wg.Wait()
}

// Sweep runs one pass, force-failing abandoned executions and
// releasing any waiters parked on them.
func (r *Reaper) Sweep(ctx context.Context) {
	log := logger.FromContext(ctx).With("component", "reaper")
	reaped, err := r.repo.ReapStuck(ctx, r.config.Grace)
	if err != nil {
		log.Error("stuck execution sweep failed", "error", err)
		return
	}
	for _, execID := range reaped {
		log.Warn("reaped stuck execution", "exec_id", execID)
		err := r.bus.PublishResult(ctx, &cache.ResultEvent{
			ExecID:    execID,
			Status:    core.StatusFailed,
			Error:     core.StuckExecutionMessage,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			log.Warn("reap announcement failed", "exec_id", execID, "error", err)
		}
	}
}
