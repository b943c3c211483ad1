package cli

import (
	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/engine/worker"
	"github.com/sinas-platform/sinas/pkg/logger"
	"github.com/spf13/cobra"
)

// WorkerCmd starts the job consumers and the stuck-execution reaper.
func WorkerCmd(be backend.Backend) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the execution workers and the reaper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd, be)
			if err != nil {
				return err
			}
			defer rt.close()
			pool := worker.NewPool(rt.dispatcher, rt.orch, &worker.Config{
				Count:       rt.cfg.Worker.Count,
				PollTimeout: rt.cfg.Worker.PollTimeout,
			})
			reaper := worker.NewReaper(rt.repo, rt.bus, &worker.ReaperConfig{
				Interval: rt.cfg.Worker.ReapInterval,
				Grace:    rt.cfg.Worker.ReapGrace,
			})
			log := logger.FromContext(rt.ctx)
			log.Info("Starting workers",
				"count", rt.cfg.Worker.Count,
				"reap_grace", rt.cfg.Worker.ReapGrace)
			pool.Start(rt.ctx)
			reaper.Start(rt.ctx)
			<-rt.ctx.Done()
			log.Info("Shutting down workers")
			pool.Stop()
			reaper.Stop()
			return nil
		},
	}
}
