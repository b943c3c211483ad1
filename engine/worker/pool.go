// Package worker hosts the consumer side of the dispatch queue: a
// pool of goroutines pulling jobs and an execution reaper.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/orchestrator"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// Config tunes the worker pool.
type Config struct {
	// Count is the number of concurrent consumer goroutines.
	Count int
	// PollTimeout bounds each blocking dequeue so workers notice
	// shutdown promptly.
	PollTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Count:       4,
		PollTimeout: 5 * time.Second,
	}
}

// Pool runs jobs from the dispatch queue. Workers compete for jobs;
// there is no ordering across executions.
type Pool struct {
	dispatcher *dispatch.Dispatcher
	orch       *orchestrator.Orchestrator
	config     *Config
	wg         sync.WaitGroup
}

func NewPool(dispatcher *dispatch.Dispatcher, orch *orchestrator.Orchestrator, config *Config) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Count <= 0 {
		config.Count = DefaultConfig().Count
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultConfig().PollTimeout
	}
	return &Pool{dispatcher: dispatcher, orch: orch, config: config}
}

// Start launches the consumer goroutines. They run until ctx is
// cancelled; Stop waits for in-flight jobs to finish.
func (p *Pool) Start(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info("worker pool starting", "workers", p.config.Count)
	for i := 0; i < p.config.Count; i++ {
		p.wg.Add(1)
		go p.consume(ctx, i)
	}
}

// Stop blocks until every consumer goroutine has exited.
func (p *Pool) Stop() {
	p.wg.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) {
	defer p.wg.Done()
	log := logger.FromContext(ctx).With("worker", id)
	for {
		if ctx.Err() != nil {
			log.Debug("worker exiting")
			return
		}
		job, err := p.dispatcher.Dequeue(ctx, p.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			// Back off so a down queue does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		if err := p.orch.Process(ctx, job); err != nil {
			log.Error("job processing failed", "exec_id", job.ExecID, "error", err)
		}
	}
}
