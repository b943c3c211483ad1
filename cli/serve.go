package cli

import (
	"github.com/gin-gonic/gin"
	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/engine/infra/server"
	"github.com/sinas-platform/sinas/engine/trigger"
	"github.com/sinas-platform/sinas/pkg/logger"
	"github.com/spf13/cobra"
)

// ServeCmd starts the HTTP surface: the query and control API plus the
// manual trigger. Job consumption runs in worker processes.
func ServeCmd(be backend.Backend) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd, be)
			if err != nil {
				return err
			}
			defer rt.close()
			gin.SetMode(gin.ReleaseMode)
			api := server.NewAPI(rt.repo, rt.orch, trigger.NewManual(rt.dispatcher), rt.logs).
				WithChecks(map[string]server.HealthChecker{
					"postgres": rt.store,
					"redis":    rt.redis,
				})
			srv := server.New(&server.Config{
				Host:            rt.cfg.Server.Host,
				Port:            rt.cfg.Server.Port,
				ReadTimeout:     rt.cfg.Server.ReadTimeout,
				WriteTimeout:    rt.cfg.Server.WriteTimeout,
				ShutdownTimeout: rt.cfg.Server.ShutdownTimeout,
			}, api, nil)
			logger.FromContext(rt.ctx).Info("Starting API server",
				"host", rt.cfg.Server.Host, "port", rt.cfg.Server.Port)
			return srv.Run(rt.ctx)
		},
	}
}
